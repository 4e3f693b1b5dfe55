package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/imgjail/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/imgjail/internal/ipc"
	"github.com/GriffinCanCode/imgjail/internal/logging"
	"github.com/GriffinCanCode/imgjail/internal/sandbox"
	"github.com/GriffinCanCode/imgjail/internal/shared/errs"
)

// crashWait bounds how long a failed exchange waits to learn whether the
// worker died
const crashWait = 500 * time.Millisecond

// Op is a request the engine can perform
type Op int

const (
	OpInit Op = iota
	OpFrame
)

// String returns the operation name used in errors and metrics
func (o Op) String() string {
	switch o {
	case OpInit:
		return "init"
	case OpFrame:
		return "next frame"
	default:
		return "unknown"
	}
}

// Request is one exchange with the worker
type Request struct {
	Op Op

	// Init only. Input is sent, not consumed.
	Input                *os.File
	MimeType             string
	ApplyTransformations bool
	BaseDir              string
}

// Reply is the result of a successful exchange
type Reply struct {
	Info  *Info
	Frame *Frame
	End   bool
}

// Engine drives one worker through the protocol. It is the only place
// that performs I/O for a session; blocking and callback callers both go
// through Do.
type Engine struct {
	worker  *sandbox.Worker
	conn    *ipc.Conn
	logger  *logging.Logger
	metrics *monitoring.Metrics

	timeout  time.Duration
	maxFrame uint64

	busy    atomic.Bool
	closing atomic.Bool
	mu      sync.Mutex
	machine *Machine
}

// NewEngine binds a ready worker to a fresh machine
func NewEngine(w *sandbox.Worker, opts Options) *Engine {
	return &Engine{
		worker:   w,
		conn:     w.Conn(),
		logger:   w.Logger(),
		metrics:  opts.Metrics,
		timeout:  opts.RequestTimeout,
		maxFrame: opts.MaxFrameBytes,
		machine:  NewMachine(),
	}
}

// State returns the protocol state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.State()
}

// Info returns the negotiated document info
func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Info()
}

// Cursor returns the number of frames delivered
func (e *Engine) Cursor() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Cursor()
}

// Do performs one request. Only one request may be in flight; a second
// concurrent call fails with a usage error. Any failure other than a
// per-frame decode error or a usage error ends the session and kills the
// worker.
func (e *Engine) Do(ctx context.Context, req Request) (Reply, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return Reply{}, errs.Newf(errs.KindUsage, req.Op.String(), "another request is in flight")
	}
	defer e.busy.Store(false)

	timer := monitoring.NewTimer(e.metrics, req.Op.String())
	defer timer.Stop()

	reply, err := e.do(ctx, req)
	if err != nil {
		e.metrics.RecordError(errs.KindOf(err).String())
	}
	return reply, err
}

func (e *Engine) do(ctx context.Context, req Request) (Reply, error) {
	if e.closing.Load() {
		return Reply{}, errs.Newf(errs.KindUsage, req.Op.String(), "session is closed")
	}
	msg, files, err := e.begin(req)
	if err != nil {
		return Reply{}, err
	}

	if err := ctx.Err(); err != nil {
		return Reply{}, e.fatal(errs.FromContext(req.Op.String(), ctx))
	}
	if err := e.worker.Acquire(); err != nil {
		return Reply{}, e.fatal(errs.New(errs.KindWorkerCrashed, req.Op.String(), err))
	}
	defer e.worker.Release()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	answer, received, err := e.exchange(ctx, msg, files)
	if err != nil {
		return Reply{}, e.fatal(e.classify(ctx, req.Op, err))
	}

	e.mu.Lock()
	event, err := e.machine.Receive(answer)
	e.mu.Unlock()

	if err != nil || event.Frame == nil {
		closeFiles(received)
		switch {
		case err == nil:
			return Reply{Info: event.Info, End: event.End}, nil
		case errs.Is(err, errs.KindProtocolViolation):
			return Reply{}, e.fatal(err)
		case req.Op == OpInit:
			// the decoder rejected the document
			return Reply{}, e.end(err)
		default:
			return Reply{}, err
		}
	}

	frame, err := e.mapFrame(event.Frame, received[0])
	if err != nil {
		return Reply{}, e.fatal(err)
	}
	e.metrics.RecordFrame(len(frame.Bytes()))
	return Reply{Frame: frame}, nil
}

// Shutdown makes an in-flight request fail as cancelled rather than as
// a crash once the worker is torn down underneath it
func (e *Engine) Shutdown() {
	e.closing.Store(true)
}

// begin produces the request message under the machine lock
func (e *Engine) begin(req Request) (ipc.Message, []*os.File, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch req.Op {
	case OpInit:
		if req.Input == nil {
			return nil, nil, errs.Newf(errs.KindUsage, "init", "no input")
		}
		msg, err := e.machine.BeginInit(req.MimeType, req.ApplyTransformations, req.BaseDir)
		return msg, []*os.File{req.Input}, err
	case OpFrame:
		msg, err := e.machine.BeginFrame()
		return msg, nil, err
	default:
		return nil, nil, errs.Newf(errs.KindUsage, req.Op.String(), "unknown operation")
	}
}

// exchange sends msg and waits for the reply. A context that ends while
// blocked interrupts the channel; the result is then discarded.
func (e *Engine) exchange(ctx context.Context, msg ipc.Message, files []*os.File) (ipc.Message, []*os.File, error) {
	if err := e.conn.ClearDeadlines(); err != nil {
		return nil, nil, err
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		e.conn.Interrupt()
		close(interrupted)
	})

	reply, received, err := e.roundTrip(msg, files)

	if !stop() {
		<-interrupted
		closeFiles(received)
		return nil, nil, ctx.Err()
	}
	return reply, received, err
}

func (e *Engine) roundTrip(msg ipc.Message, files []*os.File) (ipc.Message, []*os.File, error) {
	if err := e.conn.Send(msg, files...); err != nil {
		return nil, nil, fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return e.conn.Recv()
}

// classify turns a transport failure into a session error
func (e *Engine) classify(ctx context.Context, op Op, err error) error {
	switch {
	case ctx.Err() != nil:
		return errs.FromContext(op.String(), ctx)
	case e.closing.Load():
		return errs.Newf(errs.KindCancelled, op.String(), "session closed")
	case errs.Is(err, errs.KindProtocolViolation):
		return err
	}

	// the channel broke, so the worker is gone or going
	select {
	case <-e.worker.Done():
		err = fmt.Errorf("%w (%v)", err, e.worker.ExitErr())
	case <-time.After(crashWait):
	}
	return errs.New(errs.KindWorkerCrashed, op.String(), err)
}

// mapFrame maps and validates the buffer of a frame reply
func (e *Engine) mapFrame(reply *ipc.FrameReply, f *os.File) (*Frame, error) {
	mapping, err := ipc.MapSealed(f, e.maxFrame)
	if err != nil {
		return nil, err
	}

	geometry, err := ValidateFrame(reply, uint64(mapping.Len()), e.maxFrame)
	if err != nil {
		mapping.Close()
		return nil, err
	}

	return &Frame{
		Geometry: geometry,
		Format:   reply.Format,
		Index:    e.Cursor() - 1,
		mapping:  mapping,
	}, nil
}

// fatal ends the session and kills the worker
func (e *Engine) fatal(err error) error {
	e.mu.Lock()
	e.machine.Fail(err)
	e.mu.Unlock()

	if errs.Is(err, errs.KindProtocolViolation) {
		e.worker.MarkUnhealthy()
		e.metrics.RecordViolation()
		e.logger.Security("worker violated the protocol", zap.Error(err))
	} else if errs.Is(err, errs.KindTimeout) {
		e.worker.MarkUnhealthy()
		e.logger.Warn("worker request timed out", zap.Error(err))
	}

	e.worker.Abort()
	return err
}

// end ends the session while the worker is still well behaved
func (e *Engine) end(err error) error {
	e.mu.Lock()
	e.machine.Fail(err)
	e.mu.Unlock()
	return err
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
