package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/imgjail/format"
	"github.com/GriffinCanCode/imgjail/internal/ipc"
	"github.com/GriffinCanCode/imgjail/internal/shared/errs"
)

func count(n uint32) *uint32 { return &n }

func handshake(t *testing.T, frames *uint32) *Machine {
	t.Helper()
	m := NewMachine()
	init, err := m.BeginInit("image/png", true, "")
	require.NoError(t, err)

	event, err := m.Receive(&ipc.InitReply{Seq: init.Seq, MimeType: "image/png", Width: 4, Height: 2, FrameCount: frames})
	require.NoError(t, err)
	require.NotNil(t, event.Info)
	return m
}

func TestMachineHandshake(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StateHandshaking, m.State())

	_, err := m.BeginFrame()
	assert.True(t, errs.Is(err, errs.KindUsage), "frames before init")

	init, err := m.BeginInit("image/png", true, "/srv")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), init.Seq)
	assert.Equal(t, "/srv", init.BaseDir)

	_, err = m.BeginInit("image/png", true, "")
	assert.True(t, errs.Is(err, errs.KindUsage), "init twice")

	event, err := m.Receive(&ipc.InitReply{Seq: 1, MimeType: "image/png", FormatName: "PNG", Width: 4, Height: 2})
	require.NoError(t, err)
	assert.Equal(t, "PNG", event.Info.FormatName)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, "image/png", m.Info().MimeType)
}

func TestMachineInitErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply ipc.Message
		kind  errs.Kind
		state State
	}{
		{"unsupported", &ipc.ErrorReply{Seq: 1, Kind: ipc.ErrorUnsupported, Message: "not a png"}, errs.KindUnsupportedFormat, StateFailed},
		{"decode", &ipc.ErrorReply{Seq: 1, Kind: ipc.ErrorDecode, Message: "truncated"}, errs.KindDecode, StateFailed},
		{"internal", &ipc.ErrorReply{Seq: 1, Kind: ipc.ErrorInternal, Message: "oom"}, errs.KindDecode, StateFailed},
		{"wrong sequence", &ipc.InitReply{Seq: 7}, errs.KindProtocolViolation, StateFailed},
		{"wrong type", &ipc.EndOfDocument{Seq: 1}, errs.KindProtocolViolation, StateFailed},
		{"huge document", &ipc.InitReply{Seq: 1, Width: MaxDimension + 1, Height: 1}, errs.KindProtocolViolation, StateFailed},
		{"bad cicp", &ipc.InitReply{Seq: 1, Width: 1, Height: 1, CICP: []uint8{1, 2}}, errs.KindProtocolViolation, StateFailed},
		{"huge color profile", &ipc.InitReply{Seq: 1, Width: 1, Height: 1, ICCProfile: make([]byte, ipc.MaxICCProfile+1)}, errs.KindProtocolViolation, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			_, err := m.BeginInit("", true, "")
			require.NoError(t, err)

			_, err = m.Receive(tt.reply)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
			assert.Equal(t, tt.state, m.State())
			assert.ErrorIs(t, m.Cause(), err)
		})
	}
}

func TestMachineFrames(t *testing.T) {
	m := handshake(t, count(2))

	for i := range 2 {
		req, err := m.BeginFrame()
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingFrame, m.State())

		_, err = m.BeginFrame()
		assert.True(t, errs.Is(err, errs.KindUsage), "request while one is outstanding")

		event, err := m.Receive(&ipc.FrameReply{Seq: req.Seq, Width: 4, Height: 2, Stride: 12, Format: format.R8g8b8})
		require.NoError(t, err)
		require.NotNil(t, event.Frame)
		assert.Equal(t, uint32(i+1), m.Cursor())
	}

	req, err := m.BeginFrame()
	require.NoError(t, err)
	event, err := m.Receive(&ipc.EndOfDocument{Seq: req.Seq})
	require.NoError(t, err)
	assert.True(t, event.End)
	assert.Equal(t, StateFinished, m.State())

	_, err = m.BeginFrame()
	assert.True(t, errs.Is(err, errs.KindUsage))
	assert.Contains(t, err.Error(), "no more frames")
}

func TestMachineFramePastDeclaredCount(t *testing.T) {
	m := handshake(t, count(1))

	req, err := m.BeginFrame()
	require.NoError(t, err)
	_, err = m.Receive(&ipc.FrameReply{Seq: req.Seq, Width: 1, Height: 1, Stride: 3, Format: format.R8g8b8})
	require.NoError(t, err)

	req, err = m.BeginFrame()
	require.NoError(t, err)
	_, err = m.Receive(&ipc.FrameReply{Seq: req.Seq, Width: 1, Height: 1, Stride: 3, Format: format.R8g8b8})
	assert.True(t, errs.Is(err, errs.KindProtocolViolation))
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, uint32(1), m.Cursor())
}

func TestMachineFrameErrorKeepsSession(t *testing.T) {
	m := handshake(t, nil)

	req, err := m.BeginFrame()
	require.NoError(t, err)
	_, err = m.Receive(&ipc.ErrorReply{Seq: req.Seq, Kind: ipc.ErrorDecode, Message: "bad block"})
	assert.True(t, errs.Is(err, errs.KindDecode))
	assert.Equal(t, StateIdle, m.State())

	req, err = m.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), req.Seq)
}

func TestMachineUnsolicitedReply(t *testing.T) {
	m := handshake(t, nil)

	_, err := m.Receive(&ipc.FrameReply{Seq: 2})
	assert.True(t, errs.Is(err, errs.KindProtocolViolation))
	assert.Equal(t, StateFailed, m.State())

	_, err = m.BeginFrame()
	assert.True(t, errs.Is(err, errs.KindUsage))
}

func TestMachineFail(t *testing.T) {
	m := handshake(t, nil)
	m.Fail(errs.Newf(errs.KindWorkerCrashed, "next frame", "signal: killed"))
	assert.Equal(t, StateCrashed, m.State())

	// the first cause sticks
	m.Fail(errs.Newf(errs.KindTimeout, "next frame", "late"))
	assert.Equal(t, StateCrashed, m.State())
	assert.True(t, errs.Is(m.Cause(), errs.KindWorkerCrashed))
}

func TestReplyErrorTruncatesMessage(t *testing.T) {
	long := make([]byte, 4*maxReason)
	for i := range long {
		long[i] = 'x'
	}
	err := replyError("init", &ipc.ErrorReply{Kind: ipc.ErrorDecode, Message: string(long)})
	assert.Less(t, len(err.Error()), 2*maxReason)
}
