package imageconv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/x448/float16"

	"github.com/GriffinCanCode/imgjail"
	"github.com/GriffinCanCode/imgjail/format"
)

// ErrClosed is returned for a frame whose pixels were already released
var ErrClosed = errors.New("frame is closed")

type sampleKind int

const (
	u8 sampleKind = iota
	u16
	f16
	f32
)

// layout names the channels of a pixel in memory order. 'y' is gray.
type layout struct {
	order  string
	sample sampleKind
}

var layouts = map[format.MemoryFormat]layout{
	format.B8g8r8a8Premultiplied:          {"bgra", u8},
	format.A8r8g8b8Premultiplied:          {"argb", u8},
	format.R8g8b8a8Premultiplied:          {"rgba", u8},
	format.B8g8r8a8:                       {"bgra", u8},
	format.A8r8g8b8:                       {"argb", u8},
	format.R8g8b8a8:                       {"rgba", u8},
	format.A8b8g8r8:                       {"abgr", u8},
	format.R8g8b8:                         {"rgb", u8},
	format.B8g8r8:                         {"bgr", u8},
	format.R16g16b16:                      {"rgb", u16},
	format.R16g16b16a16Premultiplied:      {"rgba", u16},
	format.R16g16b16a16:                   {"rgba", u16},
	format.R16g16b16Float:                 {"rgb", f16},
	format.R16g16b16a16Float:              {"rgba", f16},
	format.R32g32b32Float:                 {"rgb", f32},
	format.R32g32b32a32FloatPremultiplied: {"rgba", f32},
	format.R32g32b32a32Float:              {"rgba", f32},
	format.G8a8Premultiplied:              {"ya", u8},
	format.G8a8:                           {"ya", u8},
	format.G8:                             {"y", u8},
	format.G16a16Premultiplied:            {"ya", u16},
	format.G16a16:                         {"ya", u16},
	format.G16:                            {"y", u16},
}

// ToImage copies a frame into a Go image, so the result stays valid after
// the frame is closed. Gray formats become *image.Gray or *image.Gray16,
// premultiplied formats *image.RGBA or *image.RGBA64 and the rest
// *image.NRGBA or *image.NRGBA64.
func ToImage(f *imgjail.Frame) (image.Image, error) {
	pix := f.Bytes()
	if pix == nil {
		return nil, ErrClosed
	}
	return Convert(pix, int(f.Width()), int(f.Height()), int(f.Stride()), f.MemoryFormat())
}

// Convert is ToImage over raw rows
func Convert(pix []byte, width, height, stride int, mf format.MemoryFormat) (image.Image, error) {
	l, ok := layouts[mf]
	if !ok {
		return nil, fmt.Errorf("%s is not supported", mf)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}

	bpp := int(mf.BytesPerPixel())
	if stride < width*bpp {
		return nil, fmt.Errorf("stride %d is less than a row of %d bytes", stride, width*bpp)
	}
	if need := stride*(height-1) + width*bpp; len(pix) < need {
		return nil, fmt.Errorf("frame length (%d) less than expected (%d)", len(pix), need)
	}

	r := image.Rect(0, 0, width, height)
	wide := l.sample != u8
	var dst image.Image
	switch {
	case l.order == "y" && wide:
		dst = image.NewGray16(r)
	case l.order == "y":
		dst = image.NewGray(r)
	case mf.IsPremultiplied() && wide:
		dst = image.NewRGBA64(r)
	case mf.IsPremultiplied():
		dst = image.NewRGBA(r)
	case wide:
		dst = image.NewNRGBA64(r)
	default:
		dst = image.NewNRGBA(r)
	}

	for y := 0; y < height; y++ {
		row := pix[y*stride:]
		for x := 0; x < width; x++ {
			c := l.read(row[x*bpp:])
			store(dst, x, y, c)
		}
	}
	return dst, nil
}

// rgba16 holds one pixel scaled to 16 bits per channel
type rgba16 struct {
	r, g, b, a uint16
}

func (l layout) read(px []byte) rgba16 {
	c := rgba16{a: math.MaxUint16}
	size := sampleSize(l.sample)
	for i, ch := range l.order {
		v := sample(px[i*size:], l.sample)
		switch ch {
		case 'r':
			c.r = v
		case 'g':
			c.g = v
		case 'b':
			c.b = v
		case 'a':
			c.a = v
		case 'y':
			c.r, c.g, c.b = v, v, v
		}
	}
	return c
}

func store(dst image.Image, x, y int, c rgba16) {
	switch img := dst.(type) {
	case *image.Gray:
		img.Pix[img.PixOffset(x, y)] = uint8(c.r >> 8)
	case *image.Gray16:
		binary.BigEndian.PutUint16(img.Pix[img.PixOffset(x, y):], c.r)
	case *image.RGBA:
		put8(img.Pix[img.PixOffset(x, y):], c)
	case *image.NRGBA:
		put8(img.Pix[img.PixOffset(x, y):], c)
	case *image.RGBA64:
		put16(img.Pix[img.PixOffset(x, y):], c)
	case *image.NRGBA64:
		put16(img.Pix[img.PixOffset(x, y):], c)
	}
}

func put8(p []byte, c rgba16) {
	p[0], p[1], p[2], p[3] = uint8(c.r>>8), uint8(c.g>>8), uint8(c.b>>8), uint8(c.a>>8)
}

func put16(p []byte, c rgba16) {
	binary.BigEndian.PutUint16(p[0:], c.r)
	binary.BigEndian.PutUint16(p[2:], c.g)
	binary.BigEndian.PutUint16(p[4:], c.b)
	binary.BigEndian.PutUint16(p[6:], c.a)
}

func sampleSize(k sampleKind) int {
	switch k {
	case u16, f16:
		return 2
	case f32:
		return 4
	default:
		return 1
	}
}

// sample reads one channel in native byte order, scaled to 16 bits
func sample(p []byte, k sampleKind) uint16 {
	switch k {
	case u16:
		return binary.NativeEndian.Uint16(p)
	case f16:
		return unit(float16.Frombits(binary.NativeEndian.Uint16(p)).Float32())
	case f32:
		return unit(math.Float32frombits(binary.NativeEndian.Uint32(p)))
	default:
		return uint16(p[0]) * 0x101
	}
}

// unit maps [0, 1] onto the 16 bit range, clamping everything else
func unit(v float32) uint16 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return math.MaxUint16
	default:
		return uint16(v*math.MaxUint16 + 0.5)
	}
}

