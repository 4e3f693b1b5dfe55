package imgjail

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/GriffinCanCode/imgjail/internal/session"
)

// ImageInfo describes a document as reported by its decoder
type ImageInfo struct {
	MimeType   string
	FormatName string
	// Width and Height are zero when the decoder does not know them up
	// front
	Width  uint32
	Height uint32
	// FrameCount is zero when unknown
	FrameCount uint32
	// ICCProfile is the embedded color profile, or nil
	ICCProfile []byte
	// CICP holds the color primaries, transfer, matrix and range code
	// points, or nil
	CICP []uint8
}

// Image is an opened document. Frames are read in order with NextFrame;
// closing the image stops its decoder process. Frames already returned
// stay valid.
type Image struct {
	session   *session.Session
	runtime   *Runtime
	stopInput func()

	closeOnce sync.Once
}

func newImage(s *session.Session, rt *Runtime, stopInput func()) *Image {
	return &Image{session: s, runtime: rt, stopInput: stopInput}
}

// MimeType returns the mime type the document was decoded as
func (i *Image) MimeType() string {
	return i.session.Info().MimeType
}

// FormatName returns the decoder's name for the format
func (i *Image) FormatName() string {
	return i.session.Info().FormatName
}

// Info returns everything the decoder reported at open
func (i *Image) Info() ImageInfo {
	info := i.session.Info()
	out := ImageInfo{
		MimeType:   info.MimeType,
		FormatName: info.FormatName,
		Width:      info.Width,
		Height:     info.Height,
		ICCProfile: i.ICCProfile(),
	}
	if info.FrameCount != nil {
		out.FrameCount = *info.FrameCount
	}
	if len(info.CICP) > 0 {
		out.CICP = append([]uint8(nil), info.CICP...)
	}
	return out
}

// ICCProfile returns a copy of the document's embedded color profile, or
// nil when it has none
func (i *Image) ICCProfile() []byte {
	icc := i.session.Info().ICCProfile
	if len(icc) == 0 {
		return nil
	}
	return append([]byte(nil), icc...)
}

// Cursor returns the index of the next frame
func (i *Image) Cursor() uint32 {
	return i.session.Cursor()
}

// Sandbox returns the mechanism isolating this image's decoder
func (i *Image) Sandbox() SandboxSelector {
	return i.session.Worker().Mechanism()
}

// NextFrame decodes the next frame. After the last frame it returns
// EndOfDocument once and a usage error afterwards. A decode error for one
// frame leaves the image usable; any other error ends it.
func (i *Image) NextFrame(ctx context.Context) (*Frame, error) {
	f, err := i.session.Next(ctx)
	if err != nil {
		return nil, err
	}
	return newFrame(f), nil
}

// NextFrameAsync runs NextFrame on its own goroutine and delivers the
// result to fn on loop, or on DefaultLoop when loop is nil. If the loop
// is closed before the result arrives the frame is closed.
func (i *Image) NextFrameAsync(ctx context.Context, loop *Loop, fn func(*Frame, error)) {
	loop = resolveLoop(loop)
	go func() {
		f, err := i.NextFrame(ctx)
		if !loop.Post(func() { fn(f, err) }) && f != nil {
			f.Close()
		}
	}()
}

// Frames iterates over the remaining frames. Iteration stops after the
// last frame or after the first error, which is yielded. Each frame must
// be closed by the caller.
func (i *Image) Frames(ctx context.Context) iter.Seq2[*Frame, error] {
	return func(yield func(*Frame, error) bool) {
		for {
			f, err := i.NextFrame(ctx)
			if errors.Is(err, EndOfDocument) {
				return
			}
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

// Close stops the decoder. It is safe to call more than once and from
// another goroutine while a request is in flight, which then fails as
// cancelled.
func (i *Image) Close() error {
	var err error
	i.closeOnce.Do(func() {
		err = i.session.Close()
		if i.stopInput != nil {
			i.stopInput()
		}
	})
	return err
}
