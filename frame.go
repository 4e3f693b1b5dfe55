package imgjail

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/imgjail/format"
	"github.com/GriffinCanCode/imgjail/internal/session"
)

// Frame is one decoded raster. Its pixels live in memory shared with the
// decoder, sealed and mapped read-only. A Frame must be closed; after
// Close every accessor returns its zero value and MemoryFormat returns
// format.Invalid.
type Frame struct {
	mu sync.RWMutex
	f  *session.Frame
}

func newFrame(f *session.Frame) *Frame {
	return &Frame{f: f}
}

func (fr *Frame) frame() *session.Frame {
	fr.mu.RLock()
	defer fr.mu.RUnlock()
	return fr.f
}

// Width returns the width in pixels
func (fr *Frame) Width() uint32 {
	if f := fr.frame(); f != nil {
		return f.Width
	}
	return 0
}

// Height returns the height in pixels
func (fr *Frame) Height() uint32 {
	if f := fr.frame(); f != nil {
		return f.Height
	}
	return 0
}

// Stride returns the distance in bytes between the starts of two rows
func (fr *Frame) Stride() uint32 {
	if f := fr.frame(); f != nil {
		return f.Stride
	}
	return 0
}

// MemoryFormat returns the pixel layout
func (fr *Frame) MemoryFormat() format.MemoryFormat {
	if f := fr.frame(); f != nil {
		return f.Format
	}
	return format.Invalid
}

// Bytes returns the pixel rows. The last row is not padded to the stride.
// The slice is read-only and must not be used after Close.
func (fr *Frame) Bytes() []byte {
	if f := fr.frame(); f != nil {
		return f.Bytes()
	}
	return nil
}

// Delay returns how long an animation shows this frame
func (fr *Frame) Delay() time.Duration {
	if f := fr.frame(); f != nil {
		return f.Delay
	}
	return 0
}

// Index returns the zero-based position of the frame in its document
func (fr *Frame) Index() uint32 {
	if f := fr.frame(); f != nil {
		return f.Index
	}
	return 0
}

// Close unmaps the pixels. It is safe to call more than once.
func (fr *Frame) Close() error {
	fr.mu.Lock()
	f := fr.f
	fr.f = nil
	fr.mu.Unlock()

	if f == nil {
		return nil
	}
	return f.Close()
}
