package session

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/imgjail/format"
	"github.com/GriffinCanCode/imgjail/internal/ipc"
	"github.com/GriffinCanCode/imgjail/internal/shared/errs"
)

func TestValidateFrame(t *testing.T) {
	const limit = 4 << 30

	tests := []struct {
		name     string
		reply    ipc.FrameReply
		buffer   uint64
		required uint64
		wantErr  bool
	}{
		{
			name:     "tight rgb",
			reply:    ipc.FrameReply{Width: 600, Height: 400, Stride: 1800, Format: format.R8g8b8},
			buffer:   1800 * 400,
			required: 1800 * 400,
		},
		{
			name:     "padded stride, unpadded last row",
			reply:    ipc.FrameReply{Width: 3, Height: 2, Stride: 16, Format: format.R8g8b8a8},
			buffer:   16 + 12,
			required: 28,
		},
		{
			name:     "larger buffer is fine",
			reply:    ipc.FrameReply{Width: 1, Height: 1, Stride: 1, Format: format.G8},
			buffer:   4096,
			required: 1,
		},
		{
			name:    "zero width",
			reply:   ipc.FrameReply{Width: 0, Height: 1, Stride: 4, Format: format.R8g8b8a8},
			buffer:  4,
			wantErr: true,
		},
		{
			name:    "too tall",
			reply:   ipc.FrameReply{Width: 1, Height: MaxDimension + 1, Stride: 1, Format: format.G8},
			buffer:  math.MaxUint64,
			wantErr: true,
		},
		{
			name:    "unknown format",
			reply:   ipc.FrameReply{Width: 1, Height: 1, Stride: 4, Format: format.MemoryFormat(200)},
			buffer:  4,
			wantErr: true,
		},
		{
			name:    "stride below row",
			reply:   ipc.FrameReply{Width: 10, Height: 2, Stride: 29, Format: format.R8g8b8},
			buffer:  1000,
			wantErr: true,
		},
		{
			name:    "undersized buffer",
			reply:   ipc.FrameReply{Width: 10, Height: 10, Stride: 30, Format: format.R8g8b8},
			buffer:  299,
			wantErr: true,
		},
		{
			name:    "over the frame limit",
			reply:   ipc.FrameReply{Width: MaxDimension, Height: MaxDimension, Stride: math.MaxUint32, Format: format.R32g32b32a32Float},
			buffer:  math.MaxUint64,
			wantErr: true,
		},
		{
			name:    "negative delay",
			reply:   ipc.FrameReply{Width: 1, Height: 1, Stride: 3, Format: format.R8g8b8, DelayMicros: -1},
			buffer:  3,
			wantErr: true,
		},
		{
			name:    "delay over an hour",
			reply:   ipc.FrameReply{Width: 1, Height: 1, Stride: 3, Format: format.R8g8b8, DelayMicros: time.Hour.Microseconds() + 1},
			buffer:  3,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ValidateFrame(&tt.reply, tt.buffer, limit)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.Is(err, errs.KindProtocolViolation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.required, g.Required)
			assert.Equal(t, tt.reply.Stride, g.Stride)
		})
	}
}

func TestValidateFrameDelay(t *testing.T) {
	reply := ipc.FrameReply{Width: 1, Height: 1, Stride: 3, Format: format.R8g8b8, DelayMicros: 100_000}
	g, err := ValidateFrame(&reply, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, g.Delay)
}

func TestMul(t *testing.T) {
	_, ok := mul(math.MaxUint64, 2)
	assert.False(t, ok)

	v, ok := mul(1<<31, 1<<31)
	assert.True(t, ok)
	assert.Equal(t, uint64(1<<62), v)
}
