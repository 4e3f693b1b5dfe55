package stdloader

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/GriffinCanCode/imgjail/format"
	"github.com/GriffinCanCode/imgjail/worker"
)

type opaquer interface {
	Opaque() bool
}

// Layout picks the memory format an image is delivered in
func Layout(img image.Image, forceAlpha bool) format.MemoryFormat {
	switch img.(type) {
	case *image.Gray:
		if !forceAlpha {
			return format.G8
		}
	case *image.Gray16:
		if !forceAlpha {
			return format.G16
		}
	case *image.RGBA64, *image.NRGBA64:
		return format.R16g16b16a16
	}

	if forceAlpha {
		return format.R8g8b8a8
	}
	if o, ok := img.(opaquer); ok && o.Opaque() {
		return format.R8g8b8
	}
	return format.R8g8b8a8
}

// Rasterize copies img into a tightly packed shared memory frame
func Rasterize(img image.Image, forceAlpha bool) (*worker.Frame, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("image has no pixels (%dx%d)", b.Dx(), b.Dy())
	}

	layout := Layout(img, forceAlpha)
	stride := uint64(b.Dx()) * uint64(layout.BytesPerPixel())
	size := stride * uint64(b.Dy())
	if stride > math.MaxUint32 || size > math.MaxInt32 {
		return nil, fmt.Errorf("image of %dx%d is too large", b.Dx(), b.Dy())
	}

	mem, err := worker.NewSharedMemory(int(size))
	if err != nil {
		return nil, err
	}
	fill(mem.Bytes(), int(stride), img, layout)

	return &worker.Frame{
		Width:  uint32(b.Dx()),
		Height: uint32(b.Dy()),
		Stride: uint32(stride),
		Format: layout,
		Memory: mem,
	}, nil
}

func fill(dst []byte, stride int, img image.Image, layout format.MemoryFormat) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := dst[(y-b.Min.Y)*stride:]
		switch layout {
		case format.G8:
			gray := img.(*image.Gray)
			copy(row[:b.Dx()], gray.Pix[gray.PixOffset(b.Min.X, y):])
		case format.G16:
			gray := img.(*image.Gray16)
			for x := b.Min.X; x < b.Max.X; x++ {
				binary.NativeEndian.PutUint16(row[(x-b.Min.X)*2:], gray.Gray16At(x, y).Y)
			}
		case format.R16g16b16a16:
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
				px := row[(x-b.Min.X)*8:]
				binary.NativeEndian.PutUint16(px[0:], c.R)
				binary.NativeEndian.PutUint16(px[2:], c.G)
				binary.NativeEndian.PutUint16(px[4:], c.B)
				binary.NativeEndian.PutUint16(px[6:], c.A)
			}
		case format.R8g8b8:
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				px := row[(x-b.Min.X)*3:]
				px[0], px[1], px[2] = c.R, c.G, c.B
			}
		default:
			if rgba, ok := img.(*image.NRGBA); ok {
				copy(row[:b.Dx()*4], rgba.Pix[rgba.PixOffset(b.Min.X, y):])
				continue
			}
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				px := row[(x-b.Min.X)*4:]
				px[0], px[1], px[2], px[3] = c.R, c.G, c.B, c.A
			}
		}
	}
}
