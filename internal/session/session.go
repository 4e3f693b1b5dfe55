package session

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/imgjail/format"
	"github.com/GriffinCanCode/imgjail/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/imgjail/internal/ipc"
	"github.com/GriffinCanCode/imgjail/internal/logging"
	"github.com/GriffinCanCode/imgjail/internal/sandbox"
	"github.com/GriffinCanCode/imgjail/internal/shared/errs"
	"github.com/GriffinCanCode/imgjail/internal/shared/id"
)

// Options bounds the exchanges of a session
type Options struct {
	RequestTimeout time.Duration
	MaxFrameBytes  uint64
	TerminateGrace time.Duration
	Metrics        *monitoring.Metrics
}

// Hints tell the worker how to open the document
type Hints struct {
	MimeType             string
	ApplyTransformations bool
	// BaseDir is the directory of the input, when the decoder may read
	// sibling files
	BaseDir string
}

// Session binds one worker to one document
type Session struct {
	id     id.SessionID
	engine *Engine
	worker *sandbox.Worker
	logger *logging.Logger
	opts   Options

	closeOnce sync.Once
}

// Open performs the handshake on a ready worker. The input is sent to the
// worker and stays owned by the caller. On failure the worker is gone.
func Open(ctx context.Context, w *sandbox.Worker, input *os.File, hints Hints, opts Options) (*Session, error) {
	s := &Session{
		id:     id.NewSessionID(),
		engine: NewEngine(w, opts),
		worker: w,
		opts:   opts,
	}
	s.logger = w.Logger().With(zap.String("session_id", s.id.String()))

	_, err := s.engine.Do(ctx, Request{
		Op:                   OpInit,
		Input:                input,
		MimeType:             hints.MimeType,
		ApplyTransformations: hints.ApplyTransformations,
		BaseDir:              hints.BaseDir,
	})
	if err != nil {
		w.Terminate(opts.TerminateGrace)
		return nil, err
	}

	opts.Metrics.IncSessions()
	info := s.engine.Info()
	s.logger.Debug("session opened",
		zap.String("mime_type", info.MimeType),
		zap.String("format", info.FormatName),
		zap.Uint32("width", info.Width),
		zap.Uint32("height", info.Height))
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() id.SessionID {
	return s.id
}

// Info returns the negotiated document info
func (s *Session) Info() Info {
	return s.engine.Info()
}

// Cursor returns the index of the next frame
func (s *Session) Cursor() uint32 {
	return s.engine.Cursor()
}

// State returns the protocol state
func (s *Session) State() State {
	return s.engine.State()
}

// Worker returns the worker process bound to the session
func (s *Session) Worker() *sandbox.Worker {
	return s.worker
}

// Next decodes the next frame. The first request after the last frame
// returns errs.EndOfDocument; later ones fail with a usage error.
func (s *Session) Next(ctx context.Context) (*Frame, error) {
	reply, err := s.engine.Do(ctx, Request{Op: OpFrame})
	if err != nil {
		return nil, err
	}
	if reply.End {
		s.logger.Debug("document finished", zap.Uint32("frames", s.Cursor()))
		return nil, errs.EndOfDocument
	}
	return reply.Frame, nil
}

// Close terminates the worker. It is safe to call more than once and
// while a request is in flight, which then fails.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.engine.Shutdown()
		s.worker.Terminate(s.opts.TerminateGrace)
		s.opts.Metrics.DecSessions()
	})
	return nil
}

// Frame is one decoded raster backed by a sealed read-only mapping
type Frame struct {
	Geometry
	Format format.MemoryFormat
	Index  uint32

	mapping *ipc.Mapping
}

// Bytes returns the pixel rows, or nil once the frame is closed. The
// final row is not padded to the stride.
func (f *Frame) Bytes() []byte {
	data := f.mapping.Bytes()
	if data == nil {
		return nil
	}
	return data[:f.Required:f.Required]
}

// Close unmaps the pixels
func (f *Frame) Close() error {
	return f.mapping.Close()
}
