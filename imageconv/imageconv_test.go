package imageconv

import (
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/imgjail"
	"github.com/GriffinCanCode/imgjail/format"
)

func u16s(values ...uint16) []byte {
	out := make([]byte, 0, len(values)*2)
	for _, v := range values {
		out = binary.NativeEndian.AppendUint16(out, v)
	}
	return out
}

func f32s(values ...float32) []byte {
	out := make([]byte, 0, len(values)*4)
	for _, v := range values {
		out = binary.NativeEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

func TestConvertPixel(t *testing.T) {
	tests := []struct {
		name     string
		format   format.MemoryFormat
		pix      []byte
		expected color.Color
	}{
		{"rgba", format.R8g8b8a8, []byte{1, 2, 3, 4}, color.NRGBA{1, 2, 3, 4}},
		{"bgra", format.B8g8r8a8, []byte{3, 2, 1, 4}, color.NRGBA{1, 2, 3, 4}},
		{"argb", format.A8r8g8b8, []byte{4, 1, 2, 3}, color.NRGBA{1, 2, 3, 4}},
		{"abgr", format.A8b8g8r8, []byte{4, 3, 2, 1}, color.NRGBA{1, 2, 3, 4}},
		{"premultiplied", format.B8g8r8a8Premultiplied, []byte{3, 2, 1, 4}, color.RGBA{1, 2, 3, 4}},
		{"rgb", format.R8g8b8, []byte{10, 20, 30}, color.NRGBA{10, 20, 30, 255}},
		{"bgr", format.B8g8r8, []byte{30, 20, 10}, color.NRGBA{10, 20, 30, 255}},
		{"gray", format.G8, []byte{77}, color.Gray{77}},
		{"gray alpha", format.G8a8, []byte{77, 9}, color.NRGBA{77, 77, 77, 9}},
		{"gray16", format.G16, u16s(0x1234), color.Gray16{0x1234}},
		{"rgb16", format.R16g16b16, u16s(1, 2, 3), color.NRGBA64{1, 2, 3, 0xffff}},
		{"rgba16 premultiplied", format.R16g16b16a16Premultiplied, u16s(1, 2, 3, 4), color.RGBA64{1, 2, 3, 4}},
		{"gray16 alpha", format.G16a16, u16s(5, 6), color.NRGBA64{5, 5, 5, 6}},
		{"half float", format.R16g16b16Float, u16s(0x3c00, 0x0000, 0x3800), color.NRGBA64{0xffff, 0, 0x8000, 0xffff}},
		{"float clamps", format.R32g32b32a32Float, f32s(2, -1, 0.5, 1), color.NRGBA64{0xffff, 0, 0x8000, 0xffff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Convert(tt.pix, 1, 1, len(tt.pix), tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, img.At(0, 0))
		})
	}
}

func TestConvertEveryFormat(t *testing.T) {
	for _, mf := range format.All() {
		t.Run(mf.String(), func(t *testing.T) {
			bpp := int(mf.BytesPerPixel())
			img, err := Convert(make([]byte, 2*bpp), 2, 1, 2*bpp, mf)
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 2, 1), img.Bounds())
		})
	}
}

func TestConvertHonorsStride(t *testing.T) {
	// two rows of one RGB pixel, padded to 4 bytes, last row unpadded
	pix := []byte{1, 2, 3, 0xee, 4, 5, 6}

	img, err := Convert(pix, 1, 2, 4, format.R8g8b8)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{1, 2, 3, 255}, img.At(0, 0))
	assert.Equal(t, color.NRGBA{4, 5, 6, 255}, img.At(0, 1))
}

func TestConvertRejects(t *testing.T) {
	tests := []struct {
		name   string
		pix    []byte
		w, h   int
		stride int
		format format.MemoryFormat
	}{
		{"short buffer", make([]byte, 5), 1, 2, 3, format.R8g8b8},
		{"narrow stride", make([]byte, 12), 2, 2, 3, format.R8g8b8},
		{"zero width", make([]byte, 3), 0, 1, 3, format.R8g8b8},
		{"unknown format", make([]byte, 4), 1, 1, 4, format.MemoryFormat(200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Convert(tt.pix, tt.w, tt.h, tt.stride, tt.format)
			assert.Error(t, err)
		})
	}
}

func TestToImageClosedFrame(t *testing.T) {
	_, err := ToImage(&imgjail.Frame{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHalfFloatSamples(t *testing.T) {
	tests := []struct {
		name     string
		half     uint16
		expected uint16
	}{
		{"zero", 0x0000, 0},
		{"one", 0x3c00, 0xffff},
		{"half", 0x3800, 0x8000},
		{"quarter", 0x3400, 0x4000},
		{"third", 0x3555, 21840},
		{"negative clamps", 0xc000, 0},
		{"subnormal rounds to zero", 0x0001, 0},
		{"largest finite clamps", 0x7bff, 0xffff},
		{"infinity clamps", 0x7c00, 0xffff},
		{"nan", 0x7e00, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := binary.NativeEndian.AppendUint16(nil, tt.half)
			assert.Equal(t, tt.expected, sample(p, f16))
		})
	}
}
