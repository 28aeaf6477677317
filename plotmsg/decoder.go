package plotmsg

import (
	"encoding/binary"
	"time"
)

const (
	// DefaultMaxNameLen bounds plot and curve names, excluding the NUL.
	DefaultMaxNameLen = 1024
	// DefaultMaxSamples bounds the per-axis sample count of one message.
	DefaultMaxSamples = 1 << 24
	// DefaultStaleTimeout drops a half-read message after this much silence.
	DefaultStaleTimeout = 1500 * time.Millisecond

	// minSizedMessage is action plus size; a real message is always longer.
	minSizedMessage = 8
)

type state int

const (
	stateAction state = iota
	stateSize
	statePlotName
	stateCurveName
	stateCount
	stateStart
	stateXType
	stateYType
	stateInterleaved
	stateSamples
	stateSkip // discarding the rest of a rejected sized frame
)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithFraming selects the envelope. The default is FramingSized.
func WithFraming(f Framing) DecoderOption {
	return func(d *Decoder) { d.framing = f }
}

// WithMaxNameLen bounds name length; longer names trigger a resync.
func WithMaxNameLen(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxName = n
		}
	}
}

// WithMaxSamples bounds the sample count; larger counts trigger a resync.
func WithMaxSamples(n uint32) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxSamples = n
		}
	}
}

// WithStaleTimeout drops partial state when Feed has not been called for d
// while a message is half read. Zero disables the check. now is the clock
// (nil means time.Now).
func WithStaleTimeout(timeout time.Duration, now func() time.Time) DecoderOption {
	return func(d *Decoder) {
		d.staleAfter = timeout
		if now != nil {
			d.now = now
		}
	}
}

// Decoder reassembles messages from a byte stream. One Decoder serves one
// sender; it is not safe for concurrent use.
type Decoder struct {
	framing    Framing
	maxName    int
	maxSamples uint32
	staleAfter time.Duration
	now        func() time.Time
	lastFeed   time.Time

	state    state
	scratch  [8]byte
	have     int
	name     []byte
	size     uint32 // framed total length
	consumed int    // bytes of the current message read so far
	msg      Message
	slot     int // next sample slot
	slots    int // total sample slots (count, or 2*count for 2D)
	skip     int // frame bytes left to discard

	desyncs uint64
	decoded uint64
}

// NewDecoder returns a Decoder waiting for an action word.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		framing:    FramingSized,
		maxName:    DefaultMaxNameLen,
		maxSamples: DefaultMaxSamples,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Desyncs returns how many times the decoder discarded partial state.
func (d *Decoder) Desyncs() uint64 { return d.desyncs }

// Decoded returns how many messages the decoder has emitted.
func (d *Decoder) Decoded() uint64 { return d.decoded }

// Pending reports whether a message is partially read.
func (d *Decoder) Pending() bool {
	return d.state != stateAction || d.have > 0
}

// Reset drops any partial message without counting a desync.
func (d *Decoder) Reset() {
	d.state = stateAction
	d.have = 0
	d.name = d.name[:0]
	d.consumed = 0
	d.skip = 0
	d.msg = Message{}
}

func (d *Decoder) desync() {
	d.desyncs++
	d.Reset()
}

// reject drops a message whose header failed a check. Under sized framing
// the rest of the frame is discarded as a unit so payload bytes are never
// read as action words; a header that already ran past size resyncs at once.
func (d *Decoder) reject() {
	left := 0
	if d.framing == FramingSized && d.state > stateSize {
		left = int(d.size) - d.consumed
	}
	d.desync()
	if left > 0 {
		d.skip = left
		d.state = stateSkip
	}
}

// maxFrame is the longest sized frame the limits allow.
func (d *Decoder) maxFrame() uint64 {
	hdr := uint64(minSizedMessage) + 2*uint64(d.maxName+1) + 4*4 + 1
	return hdr + uint64(d.maxSamples)*2*8
}

// field copies bytes from *p into scratch until n bytes are held.
func (d *Decoder) field(p *[]byte, n int) bool {
	k := copy(d.scratch[d.have:n], *p)
	d.have += k
	d.consumed += k
	*p = (*p)[k:]
	if d.have < n {
		return false
	}
	d.have = 0
	return true
}

func (d *Decoder) u32() uint32 {
	return binary.LittleEndian.Uint32(d.scratch[:4])
}

// cstring appends bytes from *p to the name buffer up to a NUL.
// It returns done when the NUL was consumed and ok=false when the name
// grew past the limit.
func (d *Decoder) cstring(p *[]byte) (name string, done, ok bool) {
	for i, c := range *p {
		if c == 0 {
			d.name = append(d.name, (*p)[:i]...)
			d.consumed += i + 1
			*p = (*p)[i+1:]
			name = string(d.name)
			d.name = d.name[:0]
			return name, true, len(name) <= d.maxName
		}
	}
	d.name = append(d.name, *p...)
	d.consumed += len(*p)
	*p = nil
	return "", false, len(d.name) <= d.maxName
}

// Feed consumes p and returns every message completed by it. Bytes of an
// incomplete message are retained for the next call.
func (d *Decoder) Feed(p []byte) []Message {
	if d.staleAfter > 0 {
		now := d.now()
		if d.Pending() && !d.lastFeed.IsZero() && now.Sub(d.lastFeed) > d.staleAfter {
			d.desync()
		}
		d.lastFeed = now
	}

	var out []Message
	for len(p) > 0 {
		switch d.state {
		case stateAction:
			if !d.field(&p, 4) {
				continue
			}
			a := Action(d.u32())
			if !a.Valid() {
				d.desync()
				continue
			}
			d.msg = Message{Action: a}
			d.consumed = 4
			if d.framing == FramingSized {
				d.state = stateSize
			} else {
				d.state = statePlotName
			}

		case stateSize:
			if !d.field(&p, 4) {
				continue
			}
			d.size = d.u32()
			if d.size <= minSizedMessage || uint64(d.size) > d.maxFrame() {
				d.desync()
				continue
			}
			d.state = statePlotName

		case statePlotName:
			name, done, ok := d.cstring(&p)
			if !ok {
				d.reject()
				continue
			}
			if !done {
				continue
			}
			d.msg.PlotName = name
			if d.msg.Action == Reset {
				if d.framing == FramingSized && int(d.size) != d.consumed {
					d.reject()
					continue
				}
				out = append(out, d.emit())
				continue
			}
			d.state = stateCurveName

		case stateCurveName:
			name, done, ok := d.cstring(&p)
			if !ok {
				d.reject()
				continue
			}
			if !done {
				continue
			}
			d.msg.CurveName = name
			d.state = stateCount

		case stateCount:
			if !d.field(&p, 4) {
				continue
			}
			count := d.u32()
			if count > d.maxSamples {
				d.reject()
				continue
			}
			d.slots = int(count)
			if d.msg.Action.Is2D() {
				d.slots *= 2
			}
			switch {
			case d.msg.Action.IsUpdate():
				d.state = stateStart
			case d.msg.Action.Is2D():
				d.state = stateXType
			default:
				d.state = stateYType
			}

		case stateStart:
			if !d.field(&p, 4) {
				continue
			}
			d.msg.StartIndex = d.u32()
			if d.msg.Action.Is2D() {
				d.state = stateXType
			} else {
				d.state = stateYType
			}

		case stateXType:
			if !d.field(&p, 4) {
				continue
			}
			d.msg.XType = DataType(d.u32())
			if !d.msg.XType.Valid() {
				d.reject()
				continue
			}
			d.state = stateYType

		case stateYType:
			if !d.field(&p, 4) {
				continue
			}
			d.msg.YType = DataType(d.u32())
			if !d.msg.YType.Valid() {
				d.reject()
				continue
			}
			if d.msg.Action.Is2D() && d.framing == FramingSized {
				d.state = stateInterleaved
				continue
			}
			if m, ok := d.beginSamples(); ok && m != nil {
				out = append(out, *m)
			}

		case stateInterleaved:
			if !d.field(&p, 1) {
				continue
			}
			switch d.scratch[0] {
			case 0:
				d.msg.Interleaved = false
			case 1:
				d.msg.Interleaved = true
			default:
				d.reject()
				continue
			}
			if m, ok := d.beginSamples(); ok && m != nil {
				out = append(out, *m)
			}

		case stateSkip:
			k := min(d.skip, len(p))
			p = p[k:]
			d.skip -= k
			if d.skip == 0 {
				d.state = stateAction
			}

		case stateSamples:
			if d.have == 0 {
				r := NewReader(p)
				for d.slot < d.slots {
					v, err := r.Sample(d.slotType())
					if err != nil {
						break
					}
					d.store(v)
				}
				p = p[r.Offset():]
				d.consumed += r.Offset()
				if d.slot == d.slots {
					out = append(out, d.emit())
					continue
				}
				if len(p) == 0 {
					continue
				}
			}
			// A sample split across calls.
			t := d.slotType()
			if !d.field(&p, t.Size()) {
				continue
			}
			v, _ := DecodeSample(t, d.scratch[:t.Size()])
			d.store(v)
			if d.slot == d.slots {
				out = append(out, d.emit())
			}
		}
	}
	return out
}

// beginSamples allocates the sample arrays once the header is complete. An
// empty message is emitted immediately. ok is false after a desync.
func (d *Decoder) beginSamples() (*Message, bool) {
	n := d.slots
	if d.msg.Action.Is2D() {
		n /= 2
	}
	if d.framing == FramingSized {
		width := d.msg.YType.Size()
		if d.msg.Action.Is2D() {
			width += d.msg.XType.Size()
		}
		if int(d.size) != d.consumed+n*width {
			d.reject()
			return nil, false
		}
	}

	d.msg.Y = make([]float64, n)
	if d.msg.Action.Is2D() {
		d.msg.X = make([]float64, n)
	}
	d.slot = 0
	d.state = stateSamples
	if d.slots == 0 {
		m := d.emit()
		return &m, true
	}
	return nil, true
}

// slotType returns the type of the next sample slot.
func (d *Decoder) slotType() DataType {
	if !d.msg.Action.Is2D() {
		return d.msg.YType
	}
	if d.msg.Interleaved {
		if d.slot%2 == 0 {
			return d.msg.XType
		}
		return d.msg.YType
	}
	if d.slot < d.slots/2 {
		return d.msg.XType
	}
	return d.msg.YType
}

func (d *Decoder) store(v float64) {
	switch {
	case !d.msg.Action.Is2D():
		d.msg.Y[d.slot] = v
	case d.msg.Interleaved:
		if d.slot%2 == 0 {
			d.msg.X[d.slot/2] = v
		} else {
			d.msg.Y[d.slot/2] = v
		}
	default:
		half := d.slots / 2
		if d.slot < half {
			d.msg.X[d.slot] = v
		} else {
			d.msg.Y[d.slot-half] = v
		}
	}
	d.slot++
}

func (d *Decoder) emit() Message {
	m := d.msg
	if m.Y == nil {
		m.Y = []float64{}
	}
	d.decoded++
	d.Reset()
	return m
}
