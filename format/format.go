// Package format describes the pixel layouts a decoder can hand back.
//
// Every MemoryFormat carries a fixed channel order, a sample width and
// flags for alpha and premultiplication. The derived functions are pure
// lookups into a static table and are defined for every value, including
// values outside the enumeration, which report zero or false.
//
// Example Usage:
//
//	f, err := format.Parse("r8g8b8a8")
//	if err != nil {
//	    return err
//	}
//	rowBytes := uint64(width) * uint64(f.BytesPerPixel())
package format

import (
	"fmt"
	"strings"
)

// MemoryFormat identifies the in-memory layout of decoded pixels
type MemoryFormat uint8

const (
	B8g8r8a8Premultiplied MemoryFormat = iota
	A8r8g8b8Premultiplied
	R8g8b8a8Premultiplied
	B8g8r8a8
	A8r8g8b8
	R8g8b8a8
	A8b8g8r8
	R8g8b8
	B8g8r8
	R16g16b16
	R16g16b16a16Premultiplied
	R16g16b16a16
	R16g16b16Float
	R16g16b16a16Float
	R32g32b32Float
	R32g32b32a32FloatPremultiplied
	R32g32b32a32Float
	G8a8Premultiplied
	G8a8
	G8
	G16a16Premultiplied
	G16a16
	G16

	count
)

// Invalid is never a defined format. It stands in where no layout is known.
const Invalid MemoryFormat = 0xff

type descriptor struct {
	name          string
	bytes         uint8
	channels      uint8
	alpha         bool
	premultiplied bool
}

var descriptors = [count]descriptor{
	B8g8r8a8Premultiplied:          {"b8g8r8a8-premultiplied", 4, 4, true, true},
	A8r8g8b8Premultiplied:          {"a8r8g8b8-premultiplied", 4, 4, true, true},
	R8g8b8a8Premultiplied:          {"r8g8b8a8-premultiplied", 4, 4, true, true},
	B8g8r8a8:                       {"b8g8r8a8", 4, 4, true, false},
	A8r8g8b8:                       {"a8r8g8b8", 4, 4, true, false},
	R8g8b8a8:                       {"r8g8b8a8", 4, 4, true, false},
	A8b8g8r8:                       {"a8b8g8r8", 4, 4, true, false},
	R8g8b8:                         {"r8g8b8", 3, 3, false, false},
	B8g8r8:                         {"b8g8r8", 3, 3, false, false},
	R16g16b16:                      {"r16g16b16", 6, 3, false, false},
	R16g16b16a16Premultiplied:      {"r16g16b16a16-premultiplied", 8, 4, true, true},
	R16g16b16a16:                   {"r16g16b16a16", 8, 4, true, false},
	R16g16b16Float:                 {"r16g16b16-float", 6, 3, false, false},
	R16g16b16a16Float:              {"r16g16b16a16-float", 8, 4, true, false},
	R32g32b32Float:                 {"r32g32b32-float", 12, 3, false, false},
	R32g32b32a32FloatPremultiplied: {"r32g32b32a32-float-premultiplied", 16, 4, true, true},
	R32g32b32a32Float:              {"r32g32b32a32-float", 16, 4, true, false},
	G8a8Premultiplied:              {"g8a8-premultiplied", 2, 2, true, true},
	G8a8:                           {"g8a8", 2, 2, true, false},
	G8:                             {"g8", 1, 1, false, false},
	G16a16Premultiplied:            {"g16a16-premultiplied", 4, 2, true, true},
	G16a16:                         {"g16a16", 4, 2, true, false},
	G16:                            {"g16", 2, 1, false, false},
}

// All returns every defined format in declaration order
func All() []MemoryFormat {
	all := make([]MemoryFormat, 0, count)
	for f := MemoryFormat(0); f < count; f++ {
		all = append(all, f)
	}
	return all
}

// Valid reports whether f is one of the defined formats
func (f MemoryFormat) Valid() bool {
	return f < count
}

// BytesPerPixel returns the size of one pixel, or 0 for an invalid format
func (f MemoryFormat) BytesPerPixel() uint8 {
	if !f.Valid() {
		return 0
	}
	return descriptors[f].bytes
}

// Channels returns the number of channels including alpha
func (f MemoryFormat) Channels() uint8 {
	if !f.Valid() {
		return 0
	}
	return descriptors[f].channels
}

// HasAlpha reports whether the layout carries an alpha channel
func (f MemoryFormat) HasAlpha() bool {
	return f.Valid() && descriptors[f].alpha
}

// IsPremultiplied reports whether color channels are premultiplied by alpha
func (f MemoryFormat) IsPremultiplied() bool {
	return f.Valid() && descriptors[f].premultiplied
}

// String returns the wire name of the format
func (f MemoryFormat) String() string {
	if !f.Valid() {
		return fmt.Sprintf("memory-format(%d)", uint8(f))
	}
	return descriptors[f].name
}

// Parse looks up a format by its wire name
func Parse(name string) (MemoryFormat, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f := MemoryFormat(0); f < count; f++ {
		if descriptors[f].name == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown memory format %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (f MemoryFormat) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid memory format %d", uint8(f))
	}
	return []byte(descriptors[f].name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (f *MemoryFormat) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
