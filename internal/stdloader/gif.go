package stdloader

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"image/gif"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/imgjail/worker"
)

// defaultGIFDelay replaces a zero frame delay, as browsers do
const defaultGIFDelay = 100 * time.Millisecond

// gifDocument composites the frames of an animated GIF on a canvas
type gifDocument struct {
	g      *gif.GIF
	logger *zap.Logger
	info   worker.Info

	canvas *image.RGBA
	next   int
}

func newGIFDocument(g *gif.GIF, logger *zap.Logger) (*gifDocument, error) {
	if len(g.Image) == 0 {
		return nil, errors.New("GIF has no frames")
	}

	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}

	count := uint32(len(g.Image))
	return &gifDocument{
		g:      g,
		logger: logger,
		canvas: image.NewRGBA(bounds),
		info: worker.Info{
			MimeType:   "image/gif",
			FormatName: "GIF",
			Width:      uint32(bounds.Dx()),
			Height:     uint32(bounds.Dy()),
			FrameCount: &count,
		},
	}, nil
}

func (d *gifDocument) Info() worker.Info {
	return d.info
}

func (d *gifDocument) NextFrame(ctx context.Context) (*worker.Frame, error) {
	for d.next < len(d.g.Image) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		i := d.next
		d.next++

		frame, err := d.composite(i)
		if err != nil {
			d.logger.Warn("skipping GIF frame", zap.Int("frame", i), zap.Error(err))
			continue
		}
		return frame, nil
	}
	return nil, io.EOF
}

// composite draws frame i over the canvas and applies its disposal
func (d *gifDocument) composite(i int) (*worker.Frame, error) {
	src := d.g.Image[i]
	if !src.Bounds().In(d.canvas.Bounds()) {
		return nil, errors.New("frame lies outside the logical screen")
	}

	var previous *image.RGBA
	if disposal(d.g, i) == gif.DisposalPrevious {
		previous = image.NewRGBA(d.canvas.Bounds())
		copy(previous.Pix, d.canvas.Pix)
	}

	draw.Draw(d.canvas, src.Bounds(), src, src.Bounds().Min, draw.Over)
	frame, err := Rasterize(d.canvas, true)
	if err != nil {
		return nil, err
	}
	frame.Delay = delay(d.g, i)

	switch disposal(d.g, i) {
	case gif.DisposalBackground:
		draw.Draw(d.canvas, src.Bounds(), image.Transparent, image.Point{}, draw.Src)
	case gif.DisposalPrevious:
		d.canvas = previous
	}
	return frame, nil
}

func (d *gifDocument) Close() error {
	d.canvas = nil
	return nil
}

func disposal(g *gif.GIF, i int) byte {
	if i < len(g.Disposal) {
		return g.Disposal[i]
	}
	return gif.DisposalNone
}

func delay(g *gif.GIF, i int) time.Duration {
	if i >= len(g.Delay) || g.Delay[i] <= 0 {
		return defaultGIFDelay
	}
	return time.Duration(g.Delay[i]) * 10 * time.Millisecond
}
