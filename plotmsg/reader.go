package plotmsg

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/d-wizard/plotter-sub000/errors"
)

// DecodeSample reinterprets the first t.Size() bytes of b as a t and widens
// it to float64.
func DecodeSample(t DataType, b []byte) (float64, error) {
	size := t.Size()
	if size == 0 {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrInvalidType, uint32(t)),
			"plotmsg", "DecodeSample", "type lookup")
	}
	if len(b) < size {
		return 0, errors.ErrShortBuffer
	}

	le := binary.LittleEndian
	switch t {
	case Int8:
		return float64(int8(b[0])), nil
	case Uint8:
		return float64(b[0]), nil
	case Int16:
		return float64(int16(le.Uint16(b))), nil
	case Uint16:
		return float64(le.Uint16(b)), nil
	case Int32:
		return float64(int32(le.Uint32(b))), nil
	case Uint32:
		return float64(le.Uint32(b)), nil
	case Int64:
		return float64(int64(le.Uint64(b))), nil
	case Uint64:
		return float64(le.Uint64(b)), nil
	case Float32:
		return float64(math.Float32frombits(le.Uint32(b))), nil
	case Float64:
		return math.Float64frombits(le.Uint64(b)), nil
	default: // Float16
		return float64(float16.Frombits(le.Uint16(b)).Float32()), nil
	}
}

// PutSample encodes v as a t into b, truncating toward zero for integer types.
func PutSample(t DataType, b []byte, v float64) error {
	size := t.Size()
	if size == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrInvalidType, uint32(t)),
			"plotmsg", "PutSample", "type lookup")
	}
	if len(b) < size {
		return errors.ErrShortBuffer
	}

	le := binary.LittleEndian
	switch t {
	case Int8:
		b[0] = byte(int8(v))
	case Uint8:
		b[0] = uint8(v)
	case Int16:
		le.PutUint16(b, uint16(int16(v)))
	case Uint16:
		le.PutUint16(b, uint16(v))
	case Int32:
		le.PutUint32(b, uint32(int32(v)))
	case Uint32:
		le.PutUint32(b, uint32(v))
	case Int64:
		le.PutUint64(b, uint64(int64(v)))
	case Uint64:
		le.PutUint64(b, uint64(v))
	case Float32:
		le.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		le.PutUint64(b, math.Float64bits(v))
	default: // Float16
		le.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	}
	return nil
}

// Reader walks a byte slice, checking the remaining length before every
// fixed-width read.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Sample reads one sample of type t. On error nothing is consumed.
func (r *Reader) Sample(t DataType) (float64, error) {
	v, err := DecodeSample(t, r.buf[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += t.Size()
	return v, nil
}
