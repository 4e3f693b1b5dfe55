package stdloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/gen2brain/jpegn"
	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"github.com/GriffinCanCode/imgjail/worker"
)

// MaxInputBytes bounds how much of an input is read into memory
const MaxInputBytes = 256 << 20

// MimeTypes lists the formats this decoder handles
var MimeTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/bmp",
	"image/tiff",
	"image/webp",
}

type still func(r io.Reader, applyTransformations bool) (image.Image, error)

var stills = map[string]struct {
	name   string
	decode still
}{
	"image/jpeg": {"JPEG", decodeJPEG},
	"image/png":  {"PNG", plain(png.Decode)},
	"image/bmp":  {"BMP", plain(bmp.Decode)},
	"image/tiff": {"TIFF", plain(tiff.Decode)},
	"image/webp": {"WebP", plain(webp.Decode)},
}

func plain(decode func(io.Reader) (image.Image, error)) still {
	return func(r io.Reader, _ bool) (image.Image, error) {
		return decode(r)
	}
}

func decodeJPEG(r io.Reader, applyTransformations bool) (image.Image, error) {
	return jpegn.Decode(r, &jpegn.Options{
		UpsampleMethod: jpegn.CatmullRom,
		AutoRotate:     applyTransformations,
	})
}

// Decoder decodes the formats the Go ecosystem covers
type Decoder struct{}

// Name identifies the decoder in host logs
func (Decoder) Name() string {
	return "imgjail-stdloader"
}

// Open reads the input and decodes enough of it to describe the document
func (Decoder) Open(ctx context.Context, input *os.File, opts worker.OpenOptions) (worker.Document, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mimeType := strings.ToLower(opts.MimeType)
	_, isStill := stills[mimeType]
	if !isStill && mimeType != "image/gif" {
		return nil, fmt.Errorf("%w: %s", worker.ErrUnsupported, opts.MimeType)
	}

	data, err := readInput(input)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if mimeType == "image/gif" {
		return openGIF(data, logger)
	}
	return openStill(data, mimeType, opts.ApplyTransformations, logger)
}

// readInput reads regular files from offset zero, since the descriptor
// may share its offset with the host, and anything else sequentially
func readInput(input *os.File) ([]byte, error) {
	var r io.Reader = input
	if st, err := input.Stat(); err == nil && st.Mode().IsRegular() {
		r = io.NewSectionReader(input, 0, MaxInputBytes+1)
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxInputBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if len(data) > MaxInputBytes {
		return nil, fmt.Errorf("input exceeds %d bytes", MaxInputBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("input is empty")
	}
	return data, nil
}

// stillDocument is a single decoded image
type stillDocument struct {
	info worker.Info
	img  image.Image
	done bool
}

func openStill(data []byte, mimeType string, applyTransformations bool, logger *zap.Logger) (*stillDocument, error) {
	entry := stills[mimeType]
	img, err := entry.decode(bytes.NewReader(data), applyTransformations)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", entry.name, err)
	}

	color, err := readColor(mimeType, data)
	if err != nil {
		logger.Warn("ignoring color metadata", zap.String("format", entry.name), zap.Error(err))
	}

	b := img.Bounds()
	one := uint32(1)
	return &stillDocument{
		img: img,
		info: worker.Info{
			MimeType:   mimeType,
			FormatName: entry.name,
			Width:      uint32(b.Dx()),
			Height:     uint32(b.Dy()),
			FrameCount: &one,
			ICCProfile: color.icc,
			CICP:       color.cicp,
		},
	}, nil
}

func (d *stillDocument) Info() worker.Info {
	return d.info
}

func (d *stillDocument) NextFrame(context.Context) (*worker.Frame, error) {
	if d.done {
		return nil, io.EOF
	}
	d.done = true
	frame, err := Rasterize(d.img, false)
	d.img = nil
	return frame, err
}

func (d *stillDocument) Close() error {
	d.img = nil
	return nil
}

func openGIF(data []byte, logger *zap.Logger) (*gifDocument, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode GIF: %w", err)
	}
	return newGIFDocument(g, logger)
}
