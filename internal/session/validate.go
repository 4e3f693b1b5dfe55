package session

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/GriffinCanCode/imgjail/internal/ipc"
	"github.com/GriffinCanCode/imgjail/internal/shared/errs"
)

const (
	// MaxDimension bounds width and height of any frame
	MaxDimension = 1 << 24
	// MaxDelay bounds the display delay of a frame
	MaxDelay = time.Hour

	maxReason = 1024
)

// Geometry is a frame layout that passed validation
type Geometry struct {
	Width    uint32
	Height   uint32
	Stride   uint32
	Required uint64
	Delay    time.Duration
}

// ValidateFrame checks every worker-reported field of a frame against the
// size of the buffer actually received. Nothing reported by the worker is
// trusted on its own.
func ValidateFrame(reply *ipc.FrameReply, bufferSize, maxFrameBytes uint64) (Geometry, error) {
	if reply.Width == 0 || reply.Height == 0 {
		return Geometry{}, frameViolation("empty frame %dx%d", reply.Width, reply.Height)
	}
	if reply.Width > MaxDimension || reply.Height > MaxDimension {
		return Geometry{}, frameViolation("frame %dx%d exceeds %d", reply.Width, reply.Height, MaxDimension)
	}
	if !reply.Format.Valid() {
		return Geometry{}, frameViolation("unknown memory format %d", uint8(reply.Format))
	}

	bpp := uint64(reply.Format.BytesPerPixel())
	row, ok := mul(uint64(reply.Width), bpp)
	if !ok {
		return Geometry{}, frameViolation("row size overflows")
	}
	stride := uint64(reply.Stride)
	if stride < row {
		return Geometry{}, frameViolation("stride %d below row size %d", stride, row)
	}

	// the last row carries no padding
	body, ok := mul(stride, uint64(reply.Height-1))
	if !ok {
		return Geometry{}, frameViolation("frame size overflows")
	}
	required, carry := bits.Add64(body, row, 0)
	if carry != 0 {
		return Geometry{}, frameViolation("frame size overflows")
	}
	if required > bufferSize {
		return Geometry{}, frameViolation("frame needs %d bytes, buffer has %d", required, bufferSize)
	}
	if required > maxFrameBytes {
		return Geometry{}, frameViolation("frame needs %d bytes, limit is %d", required, maxFrameBytes)
	}

	if reply.DelayMicros < 0 || reply.DelayMicros > MaxDelay.Microseconds() {
		return Geometry{}, frameViolation("delay %dus out of range", reply.DelayMicros)
	}

	return Geometry{
		Width:    reply.Width,
		Height:   reply.Height,
		Stride:   reply.Stride,
		Required: required,
		Delay:    time.Duration(reply.DelayMicros) * time.Microsecond,
	}, nil
}

func mul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

func frameViolation(format string, args ...any) error {
	return errs.New(errs.KindProtocolViolation, "validate frame", fmt.Errorf(format, args...))
}
