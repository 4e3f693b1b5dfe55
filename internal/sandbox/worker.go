package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/imgjail/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/imgjail/internal/ipc"
	"github.com/GriffinCanCode/imgjail/internal/logging"
	"github.com/GriffinCanCode/imgjail/internal/shared/id"
)

// State is the lifecycle state of a worker process
type State int

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateTerminated
	StateCrashed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateTerminated:
		return "terminated"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateCrashed
}

const (
	terminateWriteTimeout = 100 * time.Millisecond
	maxStderrLine         = 64 * 1024
)

// Worker is one decoder process and the host end of its channel
type Worker struct {
	id        id.WorkerID
	spec      Spec
	mechanism Mechanism
	cmd       *exec.Cmd
	conn      *ipc.Conn
	logger    *logging.Logger

	decoder string

	mu      sync.Mutex
	state   State
	exitErr error

	done        chan struct{}
	terminating atomic.Bool
	unhealthy   atomic.Bool

	breaker *resilience.Breaker
	ticket  resilience.Ticket
	onExit  func(*Worker)
}

// ID returns the worker identifier
func (w *Worker) ID() id.WorkerID {
	return w.id
}

// Pid returns the process id of the spawned command
func (w *Worker) Pid() int {
	return w.cmd.Process.Pid
}

// Mechanism returns the isolation applied to the worker
func (w *Worker) Mechanism() Mechanism {
	return w.mechanism
}

// Decoder returns the name the worker announced during the hello exchange
func (w *Worker) Decoder() string {
	return w.decoder
}

// Spec returns the spec the worker was spawned from
func (w *Worker) Spec() Spec {
	return w.spec
}

// Conn returns the host end of the channel
func (w *Worker) Conn() *ipc.Conn {
	return w.conn
}

// Logger returns the worker-scoped logger
func (w *Worker) Logger() *logging.Logger {
	return w.logger
}

// State returns the current lifecycle state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done is closed once the process has exited and been reaped
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// ExitErr returns the wait error of an exited worker
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// Acquire marks the worker busy with a request
func (w *Worker) Acquire() error {
	return w.transition(StateReady, StateBusy)
}

// Release returns a busy worker to ready
func (w *Worker) Release() {
	_ = w.transition(StateBusy, StateReady)
}

// MarkUnhealthy records that the worker misbehaved without crashing, so
// its decoder counts against the crash breaker
func (w *Worker) MarkUnhealthy() {
	w.unhealthy.Store(true)
}

// arm makes the worker ready and attaches the breaker its exit reports to
func (w *Worker) arm(breaker *resilience.Breaker, ticket resilience.Ticket) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateStarting {
		return fmt.Errorf("worker %s is %s during startup", w.id, w.state)
	}
	w.state = StateReady
	w.breaker = breaker
	w.ticket = ticket
	return nil
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != from {
		return fmt.Errorf("worker %s is %s, not %s", w.id, w.state, from)
	}
	w.state = to
	return nil
}

// Terminate asks the worker to exit and kills it if it is still running
// after grace. It returns once the process has been reaped.
func (w *Worker) Terminate(grace time.Duration) {
	if w.terminating.Swap(true) {
		<-w.done
		return
	}

	_ = w.conn.SetWriteDeadline(time.Now().Add(terminateWriteTimeout))
	_ = w.conn.Send(&ipc.Terminate{})
	w.conn.Close()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		w.logger.Warn("worker ignored termination request, killing",
			zap.Duration("grace", grace))
		w.kill()
		<-w.done
	}
}

// Abort kills the worker immediately and waits for it to be reaped
func (w *Worker) Abort() {
	w.terminating.Store(true)
	w.conn.Close()
	w.kill()
	<-w.done
}

func (w *Worker) kill() {
	pid := w.cmd.Process.Pid
	// the command runs in its own process group
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = w.cmd.Process.Kill()
}

// monitor reaps the process and publishes its exit
func (w *Worker) monitor() {
	err := w.cmd.Wait()

	w.mu.Lock()
	w.exitErr = err
	switch {
	case w.state.Terminal():
	case w.terminating.Load():
		w.state = StateTerminated
	default:
		w.state = StateCrashed
	}
	state := w.state
	breaker, ticket := w.breaker, w.ticket
	w.mu.Unlock()

	if state == StateCrashed {
		w.logger.Warn("worker exited unexpectedly", zap.Error(err))
	} else {
		w.logger.Debug("worker exited", zap.NamedError("wait", err))
	}

	if breaker != nil {
		breaker.Record(ticket, state != StateCrashed && !w.unhealthy.Load())
	}

	close(w.done)
	if w.onExit != nil {
		w.onExit(w)
	}
}

// relay forwards the worker's stderr lines to the host log
func (w *Worker) relay(r *os.File) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxStderrLine)
	for scanner.Scan() {
		w.logger.Debug("worker output", zap.ByteString("line", scanner.Bytes()))
	}
	if scanner.Err() != nil {
		w.logger.Debug("dropping worker output", zap.Error(scanner.Err()))
		_, _ = io.Copy(io.Discard, r)
	}
}

// exitReason classifies how the worker left the process table
func (w *Worker) exitReason() string {
	switch {
	case w.State() == StateCrashed:
		return "crashed"
	case w.unhealthy.Load():
		return "killed"
	default:
		return "clean"
	}
}
