package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/imgjail/format"
	"github.com/GriffinCanCode/imgjail/internal/ipc"
)

type stubDecoder struct {
	openErr error
	frames  int
	failAt  int
	icc     []byte
}

func (d *stubDecoder) Name() string { return "stub" }

func (d *stubDecoder) Open(_ context.Context, input *os.File, opts OpenOptions) (Document, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	if _, err := input.Stat(); err != nil {
		return nil, err
	}
	n := uint32(d.frames)
	return &stubDocument{decoder: d, mimeType: opts.MimeType, count: &n}, nil
}

type stubDocument struct {
	decoder  *stubDecoder
	mimeType string
	count    *uint32
	next     int
}

func (doc *stubDocument) Info() Info {
	return Info{FormatName: "stub", Width: 2, Height: 2, FrameCount: doc.count, ICCProfile: doc.decoder.icc, CICP: []uint8{1, 13, 0, 1}}
}

func (doc *stubDocument) NextFrame(context.Context) (*Frame, error) {
	if doc.next >= doc.decoder.frames {
		return nil, io.EOF
	}
	doc.next++
	if doc.next == doc.decoder.failAt {
		return nil, errors.New("bad block")
	}

	mem, err := NewSharedMemory(8)
	if err != nil {
		return nil, err
	}
	copy(mem.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	return &Frame{Width: 2, Height: 2, Stride: 4, Format: format.G16, Delay: 40 * time.Millisecond, Memory: mem}, nil
}

func (doc *stubDocument) Close() error { return nil }

// serve runs the decoder against a host-side connection
func serve(t *testing.T, d Decoder) (*ipc.Conn, <-chan error) {
	t.Helper()
	host, channel, err := ipc.Pair(0)
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })

	done := make(chan error, 1)
	go func() {
		defer channel.Close()
		done <- ServeFile(context.Background(), channel, d)
	}()
	return host, done
}

func exchange(t *testing.T, host *ipc.Conn, msg ipc.Message, files ...*os.File) (ipc.Message, []*os.File) {
	t.Helper()
	require.NoError(t, host.Send(msg, files...))
	reply, received, err := host.Recv()
	require.NoError(t, err)
	return reply, received
}

func openInput(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "input")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestServeDocument(t *testing.T) {
	host, done := serve(t, &stubDecoder{frames: 2})

	reply, _ := exchange(t, host, &ipc.Hello{Version: ipc.ProtocolVersion, LogLevel: "error"})
	require.IsType(t, &ipc.HelloReply{}, reply)
	assert.Equal(t, "stub", reply.(*ipc.HelloReply).Decoder)

	reply, _ = exchange(t, host, &ipc.Init{Seq: 1, MimeType: "image/x-stub"}, openInput(t))
	initReply, ok := reply.(*ipc.InitReply)
	require.True(t, ok)
	assert.Equal(t, uint64(1), initReply.Seq)
	assert.Equal(t, "image/x-stub", initReply.MimeType, "falls back to the hinted type")
	assert.Equal(t, uint32(2), *initReply.FrameCount)

	for seq := uint64(2); seq < 4; seq++ {
		reply, files := exchange(t, host, &ipc.FrameRequest{Seq: seq})
		frame, ok := reply.(*ipc.FrameReply)
		require.True(t, ok)
		require.Len(t, files, 1)
		assert.Equal(t, seq, frame.Seq)
		assert.Equal(t, format.G16, frame.Format)
		assert.Equal(t, int64(40_000), frame.DelayMicros)

		mapping, err := ipc.MapSealed(files[0], 1<<20)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, mapping.Bytes())
		mapping.Close()
	}

	reply, _ = exchange(t, host, &ipc.FrameRequest{Seq: 4})
	assert.IsType(t, &ipc.EndOfDocument{}, reply)

	require.NoError(t, host.Send(&ipc.Terminate{}))
	assert.NoError(t, <-done)
}

func TestServeColorProfile(t *testing.T) {
	small := []byte("small profile")
	large := make([]byte, 48<<10)

	tests := []struct {
		name     string
		icc      []byte
		maxBody  int
		expected []byte
	}{
		{"sent inline", small, 0, small},
		{"fits the default limit", large, 0, large},
		{"dropped when the host limit is too small", large, 32 << 10, nil},
		{"absent", nil, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, done := serve(t, &stubDecoder{frames: 1, icc: tt.icc})

			exchange(t, host, &ipc.Hello{Version: ipc.ProtocolVersion, MaxMessageBytes: tt.maxBody})
			reply, _ := exchange(t, host, &ipc.Init{Seq: 1, MimeType: "image/x-stub"}, openInput(t))
			initReply, ok := reply.(*ipc.InitReply)
			require.True(t, ok)
			assert.Equal(t, tt.expected, initReply.ICCProfile)
			assert.Equal(t, []uint8{1, 13, 0, 1}, initReply.CICP)

			require.NoError(t, host.Send(&ipc.Terminate{}))
			assert.NoError(t, <-done)
		})
	}
}

func TestICCBudget(t *testing.T) {
	tests := []struct {
		maxBody  int
		expected int
	}{
		{0, MaxICCProfile},
		{ipc.DefaultMaxBody, MaxICCProfile},
		{64 << 10, (64<<10 - initOverhead) / 4 * 3},
		{4096, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, iccBudget(tt.maxBody), "max body %d", tt.maxBody)
	}
}

func TestServeUnsupported(t *testing.T) {
	host, done := serve(t, &stubDecoder{openErr: ErrUnsupported})

	exchange(t, host, &ipc.Hello{Version: ipc.ProtocolVersion})
	reply, _ := exchange(t, host, &ipc.Init{Seq: 1}, openInput(t))
	errReply, ok := reply.(*ipc.ErrorReply)
	require.True(t, ok)
	assert.Equal(t, ipc.ErrorUnsupported, errReply.Kind)

	host.Close()
	assert.NoError(t, <-done, "a closed channel is a clean exit")
}

func TestServeFrameError(t *testing.T) {
	host, _ := serve(t, &stubDecoder{frames: 2, failAt: 1})

	exchange(t, host, &ipc.Hello{Version: ipc.ProtocolVersion})
	exchange(t, host, &ipc.Init{Seq: 1}, openInput(t))

	reply, _ := exchange(t, host, &ipc.FrameRequest{Seq: 2})
	errReply, ok := reply.(*ipc.ErrorReply)
	require.True(t, ok)
	assert.Equal(t, ipc.ErrorDecode, errReply.Kind)
	assert.Contains(t, errReply.Message, "bad block")

	reply, files := exchange(t, host, &ipc.FrameRequest{Seq: 3})
	assert.IsType(t, &ipc.FrameReply{}, reply)
	for _, f := range files {
		f.Close()
	}
}

func TestServeRejectsFrameBeforeInit(t *testing.T) {
	host, _ := serve(t, &stubDecoder{frames: 1})

	exchange(t, host, &ipc.Hello{Version: ipc.ProtocolVersion})
	reply, _ := exchange(t, host, &ipc.FrameRequest{Seq: 1})
	errReply, ok := reply.(*ipc.ErrorReply)
	require.True(t, ok)
	assert.Equal(t, ipc.ErrorInternal, errReply.Kind)
}

func TestServeVersionMismatch(t *testing.T) {
	host, done := serve(t, &stubDecoder{})

	reply, _ := exchange(t, host, &ipc.Hello{Version: ipc.ProtocolVersion + 1})
	assert.IsType(t, &ipc.ErrorReply{}, reply)
	assert.Error(t, <-done)
}

func TestServeRequiresHelloFirst(t *testing.T) {
	host, done := serve(t, &stubDecoder{})

	require.NoError(t, host.Send(&ipc.FrameRequest{Seq: 0}))
	assert.Error(t, <-done)
}
