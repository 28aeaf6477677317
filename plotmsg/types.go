// Package plotmsg implements the plot update wire protocol: the message model,
// a streaming decoder that tolerates arbitrary fragmentation, and an encoder.
//
// All integers are little-endian. A message is
//
//	action u32 | [size u32] | plot\0 | curve\0 | count u32 | [start u32] |
//	[xType u32] | yType u32 | [interleaved u8] | [x samples] | y samples
//
// where size is present with FramingSized, start only on updates, and the
// x fields only on 2D actions. The interleaved flag exists only on 2D
// actions with FramingSized. Reset carries the plot name and nothing else.
package plotmsg

import "fmt"

// Action is the message kind.
type Action uint32

const (
	Create1D Action = iota
	Create2D
	Update1D
	Update2D
	Reset
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return a <= Reset }

// Is2D reports whether a carries an X axis.
func (a Action) Is2D() bool { return a == Create2D || a == Update2D }

// IsUpdate reports whether a carries a start index.
func (a Action) IsUpdate() bool { return a == Update1D || a == Update2D }

func (a Action) String() string {
	switch a {
	case Create1D:
		return "create_1d"
	case Create2D:
		return "create_2d"
	case Update1D:
		return "update_1d"
	case Update2D:
		return "update_2d"
	case Reset:
		return "reset"
	default:
		return fmt.Sprintf("action(%d)", uint32(a))
	}
}

// DataType is the wire encoding of one sample.
type DataType uint32

const (
	Int8 DataType = iota
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
	Float16
)

var typeSizes = [...]int{
	Int8:    1,
	Uint8:   1,
	Int16:   2,
	Uint16:  2,
	Int32:   4,
	Uint32:  4,
	Int64:   8,
	Uint64:  8,
	Float32: 4,
	Float64: 8,
	Float16: 2,
}

var typeNames = [...]string{
	Int8: "int8", Uint8: "uint8", Int16: "int16", Uint16: "uint16",
	Int32: "int32", Uint32: "uint32", Int64: "int64", Uint64: "uint64",
	Float32: "float32", Float64: "float64", Float16: "float16",
}

// Valid reports whether t is a known sample type.
func (t DataType) Valid() bool { return int(t) < len(typeSizes) }

// Size returns the encoded width in bytes, or 0 for an unknown type.
func (t DataType) Size() int {
	if !t.Valid() {
		return 0
	}
	return typeSizes[t]
}

func (t DataType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", uint32(t))
	}
	return typeNames[t]
}

// ParseDataType maps a type name to its tag.
func ParseDataType(s string) (DataType, bool) {
	for i, name := range typeNames {
		if name == s {
			return DataType(i), true
		}
	}
	return 0, false
}

// Framing selects the message envelope.
type Framing int

const (
	// FramingSized prefixes each message with its total length and adds the
	// interleaved flag to 2D messages.
	FramingSized Framing = iota
	// FramingLegacy has neither.
	FramingLegacy
)

func (f Framing) String() string {
	if f == FramingLegacy {
		return "legacy"
	}
	return "sized"
}

// ParseFraming maps a config string to a framing variant.
func ParseFraming(s string) (Framing, bool) {
	switch s {
	case "sized", "":
		return FramingSized, true
	case "legacy":
		return FramingLegacy, true
	default:
		return FramingSized, false
	}
}

// Message is one decoded plot update.
type Message struct {
	Action      Action
	PlotName    string
	CurveName   string
	StartIndex  uint32
	XType       DataType
	YType       DataType
	Interleaved bool
	X           []float64 // nil for 1D
	Y           []float64
}

// Len returns the number of samples per axis.
func (m *Message) Len() int { return len(m.Y) }
