package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/imgjail/format"
	"github.com/GriffinCanCode/imgjail/internal/ipc"
	"github.com/GriffinCanCode/imgjail/internal/logging"
	"github.com/GriffinCanCode/imgjail/internal/sandbox"
)

// ErrUnsupported is returned by a Decoder that does not handle the input.
// Any other error from Open is reported as a decode error.
var ErrUnsupported = errors.New("unsupported format")

// MaxICCProfile bounds the color profile a Document may report
const MaxICCProfile = ipc.MaxICCProfile

// initOverhead is room left in an init reply for everything but the
// color profile
const initOverhead = 4096

// Decoder opens documents. It is called at most once per process.
type Decoder interface {
	// Name identifies the decoder in host logs
	Name() string
	Open(ctx context.Context, input *os.File, opts OpenOptions) (Document, error)
}

// OpenOptions carries the host's hints for a document
type OpenOptions struct {
	MimeType             string
	ApplyTransformations bool
	// BaseDir is set when the decoder may read files next to the input
	BaseDir string
	Logger  *zap.Logger
}

// Info describes an opened document. Zero dimensions mean unknown.
type Info struct {
	MimeType   string
	FormatName string
	Width      uint32
	Height     uint32
	// FrameCount is nil when unknown up front
	FrameCount *uint32
	// ICCProfile is the embedded color profile, if any. Profiles beyond
	// ipc.MaxICCProfile are dropped.
	ICCProfile []byte
	// CICP is empty or the four code points
	CICP []uint8
}

// Document yields frames in order
type Document interface {
	Info() Info
	// NextFrame returns io.EOF once no frames remain
	NextFrame(ctx context.Context) (*Frame, error)
	Close() error
}

// Frame is a decoded raster in shared memory. Serve sends and releases
// the memory.
type Frame struct {
	Width  uint32
	Height uint32
	Stride uint32
	Format format.MemoryFormat
	Delay  time.Duration
	Memory *SharedMemory
}

// SharedMemory is a writable region the host maps without copying
type SharedMemory = ipc.SharedMemory

// NewSharedMemory allocates a frame buffer of size bytes
func NewSharedMemory(size int) (*SharedMemory, error) {
	return ipc.NewSharedMemory("imgjail-frame", size)
}

// Serve speaks the decode protocol on stdin until the host terminates the
// worker or closes the channel.
func Serve(ctx context.Context, d Decoder) error {
	return ServeFile(ctx, os.Stdin, d)
}

// ServeFile is Serve over an explicit channel descriptor
func ServeFile(ctx context.Context, channel *os.File, d Decoder) error {
	conn, err := ipc.FromFile(channel, 0)
	if err != nil {
		return err
	}
	defer conn.Close()

	s := &server{conn: conn, decoder: d, logger: logging.NewNop()}
	if err := s.hello(); err != nil {
		return err
	}
	defer s.closeDocument()

	stop := context.AfterFunc(ctx, conn.Interrupt)
	defer stop()

	for {
		msg, files, err := conn.Recv()
		if err != nil {
			if errors.Is(err, ipc.ErrPeerClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch req := msg.(type) {
		case *ipc.Init:
			err = s.init(ctx, req, files[0])
		case *ipc.FrameRequest:
			err = s.frame(ctx, req)
		case *ipc.Terminate:
			s.logger.Debug("terminating on request")
			return nil
		default:
			for _, f := range files {
				f.Close()
			}
			err = fmt.Errorf("unexpected %s from host", msg.Type())
		}
		if err != nil {
			return err
		}
	}
}

type server struct {
	conn    *ipc.Conn
	decoder Decoder
	logger  *logging.Logger
	input   *os.File
	doc     Document
	maxBody int
}

// hello applies the host's restrictions before anything else is read
func (s *server) hello() error {
	msg, files, err := s.conn.Recv()
	if err != nil {
		return fmt.Errorf("waiting for hello: %w", err)
	}
	for _, f := range files {
		f.Close()
	}
	hello, ok := msg.(*ipc.Hello)
	if !ok {
		return fmt.Errorf("expected hello, got %s", msg.Type())
	}

	if hello.LogLevel != "" {
		if logger, err := logging.New(logging.WorkerConfig(hello.LogLevel)); err == nil {
			s.logger = logger.Named(s.decoder.Name())
		}
	}

	s.maxBody = hello.MaxMessageBytes

	if err := restrict(hello); err != nil {
		_ = s.conn.Send(&ipc.ErrorReply{Seq: hello.Seq, Kind: ipc.ErrorInternal, Message: err.Error()})
		return err
	}
	if hello.Version != ipc.ProtocolVersion {
		err := fmt.Errorf("host speaks protocol %d, worker speaks %d", hello.Version, ipc.ProtocolVersion)
		_ = s.conn.Send(&ipc.ErrorReply{Seq: hello.Seq, Kind: ipc.ErrorInternal, Message: err.Error()})
		return err
	}

	return s.conn.Send(&ipc.HelloReply{
		Seq:     hello.Seq,
		Version: ipc.ProtocolVersion,
		Decoder: s.decoder.Name(),
	})
}

// restrict lowers the address space limit and installs the strict
// seccomp filter when asked to
func restrict(hello *ipc.Hello) error {
	if hello.MemoryLimit > 0 {
		var current unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_AS, &current); err != nil {
			return fmt.Errorf("getrlimit: %w", err)
		}
		limit := min(hello.MemoryLimit, current.Max)
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: limit, Max: limit}); err != nil {
			return fmt.Errorf("setrlimit: %w", err)
		}
	}
	if hello.Seccomp {
		if err := sandbox.RestrictSelf(); err != nil {
			return fmt.Errorf("seccomp: %w", err)
		}
	}
	return nil
}

func (s *server) init(ctx context.Context, req *ipc.Init, input *os.File) error {
	if s.doc != nil || s.input != nil {
		input.Close()
		return s.fail(req.Seq, ipc.ErrorInternal, errors.New("document already open"))
	}
	s.input = input

	doc, err := s.decoder.Open(ctx, input, OpenOptions{
		MimeType:             req.MimeType,
		ApplyTransformations: req.ApplyTransformations,
		BaseDir:              req.BaseDir,
		Logger:               s.logger.Logger,
	})
	if err != nil {
		kind := ipc.ErrorDecode
		if errors.Is(err, ErrUnsupported) {
			kind = ipc.ErrorUnsupported
		}
		return s.fail(req.Seq, kind, err)
	}
	s.doc = doc

	info := doc.Info()
	mimeType := info.MimeType
	if mimeType == "" {
		mimeType = req.MimeType
	}
	icc := info.ICCProfile
	if budget := iccBudget(s.maxBody); len(icc) > budget {
		s.logger.Warn("dropping color profile too large to send",
			zap.Int("bytes", len(icc)), zap.Int("limit", budget))
		icc = nil
	}
	return s.conn.Send(&ipc.InitReply{
		Seq:        req.Seq,
		MimeType:   mimeType,
		FormatName: info.FormatName,
		Width:      info.Width,
		Height:     info.Height,
		FrameCount: info.FrameCount,
		ICCProfile: icc,
		CICP:       info.CICP,
	})
}

func (s *server) frame(ctx context.Context, req *ipc.FrameRequest) error {
	if s.doc == nil {
		return s.fail(req.Seq, ipc.ErrorInternal, errors.New("no document open"))
	}

	frame, err := s.doc.NextFrame(ctx)
	if errors.Is(err, io.EOF) {
		return s.conn.Send(&ipc.EndOfDocument{Seq: req.Seq})
	}
	if err != nil {
		return s.fail(req.Seq, ipc.ErrorDecode, err)
	}
	if frame.Memory == nil {
		return s.fail(req.Seq, ipc.ErrorInternal, errors.New("frame has no memory"))
	}

	f, err := frame.Memory.Detach()
	if err != nil {
		frame.Memory.Close()
		return s.fail(req.Seq, ipc.ErrorInternal, err)
	}
	defer f.Close()

	return s.conn.Send(&ipc.FrameReply{
		Seq:         req.Seq,
		Width:       frame.Width,
		Height:      frame.Height,
		Stride:      frame.Stride,
		Format:      frame.Format,
		DelayMicros: frame.Delay.Microseconds(),
	}, f)
}

// iccBudget is the largest profile that fits a message next to the other
// init fields once base64 encoded
func iccBudget(maxBody int) int {
	if maxBody <= 0 {
		maxBody = ipc.DefaultMaxBody
	}
	return max(0, min(ipc.MaxICCProfile, (maxBody-initOverhead)/4*3))
}

// fail reports err to the host. Only a broken channel ends Serve.
func (s *server) fail(seq uint64, kind string, err error) error {
	s.logger.Debug("request failed", zap.String("kind", kind), zap.Error(err))
	return s.conn.Send(&ipc.ErrorReply{Seq: seq, Kind: kind, Message: err.Error()})
}

func (s *server) closeDocument() {
	if s.doc != nil {
		if err := s.doc.Close(); err != nil {
			s.logger.Debug("closing document", zap.Error(err))
		}
	}
	if s.input != nil {
		s.input.Close()
	}
}
