package plotmsg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/d-wizard/plotter-sub000/errors"
)

// Encode serializes m. Names must not contain NUL, and 2D messages need
// equal-length X and Y. Interleaved is ignored with FramingLegacy, which
// has no field for it.
func Encode(m Message, f Framing) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}

	var hdr bytes.Buffer
	le := binary.LittleEndian
	u32 := func(v uint32) { _ = binary.Write(&hdr, le, v) }

	hdr.WriteString(m.PlotName)
	hdr.WriteByte(0)
	if m.Action != Reset {
		hdr.WriteString(m.CurveName)
		hdr.WriteByte(0)
		u32(uint32(len(m.Y)))
		if m.Action.IsUpdate() {
			u32(m.StartIndex)
		}
		if m.Action.Is2D() {
			u32(uint32(m.XType))
		}
		u32(uint32(m.YType))
		if m.Action.Is2D() && f == FramingSized {
			if m.Interleaved {
				hdr.WriteByte(1)
			} else {
				hdr.WriteByte(0)
			}
		}
	}

	n := len(m.Y)
	body := n * m.YType.Size()
	if m.Action.Is2D() {
		body += n * m.XType.Size()
	}
	if m.Action == Reset {
		body = 0
	}

	prefix := 4
	if f == FramingSized {
		prefix = 8
	}
	out := make([]byte, prefix+hdr.Len()+body)
	le.PutUint32(out, uint32(m.Action))
	if f == FramingSized {
		le.PutUint32(out[4:], uint32(len(out)))
	}
	off := prefix + copy(out[prefix:], hdr.Bytes())

	put := func(t DataType, v float64) {
		_ = PutSample(t, out[off:], v)
		off += t.Size()
	}
	switch {
	case m.Action == Reset:
	case !m.Action.Is2D():
		for _, v := range m.Y {
			put(m.YType, v)
		}
	case m.Interleaved && f == FramingSized:
		for i := range m.Y {
			put(m.XType, m.X[i])
			put(m.YType, m.Y[i])
		}
	default:
		for _, v := range m.X {
			put(m.XType, v)
		}
		for _, v := range m.Y {
			put(m.YType, v)
		}
	}
	return out, nil
}

func validate(m Message) error {
	bad := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidData}, args...)...),
			"plotmsg", "Encode", "validate message")
	}
	if !m.Action.Valid() {
		return bad("unknown action %d", uint32(m.Action))
	}
	if bytes.IndexByte([]byte(m.PlotName), 0) >= 0 || bytes.IndexByte([]byte(m.CurveName), 0) >= 0 {
		return bad("name contains NUL")
	}
	if m.Action == Reset {
		return nil
	}
	if !m.YType.Valid() {
		return bad("y type %d", uint32(m.YType))
	}
	if m.Action.Is2D() {
		if !m.XType.Valid() {
			return bad("x type %d", uint32(m.XType))
		}
		if len(m.X) != len(m.Y) {
			return bad("x has %d samples, y has %d", len(m.X), len(m.Y))
		}
	}
	return nil
}
