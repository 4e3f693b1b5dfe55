package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/imgjail/internal/infrastructure/config"
	"github.com/GriffinCanCode/imgjail/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/imgjail/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/imgjail/internal/ipc"
	"github.com/GriffinCanCode/imgjail/internal/logging"
	"github.com/GriffinCanCode/imgjail/internal/shared/errs"
	"github.com/GriffinCanCode/imgjail/internal/shared/id"
)

// exitWait bounds how long a failed start waits for the exit status
const exitWait = time.Second

var errManagerClosed = errors.New("manager is closed")

// Spec describes the decoder to run and how to isolate it
type Spec struct {
	// Name identifies the decoder for logging and quarantine
	Name string
	Exec string
	Args []string
	Env  []string

	// Selector is the caller's choice; Preferred is the decoder's default
	Selector  Mechanism
	Preferred Mechanism

	// BaseDir is exposed read-only to decoders that resolve sibling files
	BaseDir string
}

func (s Spec) key() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Exec
}

// Manager spawns decoder processes and keeps the table of live ones
type Manager struct {
	cfg      config.SandboxConfig
	maxBody  int
	chain    []Mechanism
	memLimit uint64
	logLevel string

	logger   *logging.Logger
	metrics  *monitoring.Metrics
	limiter  *rate.Limiter
	breakers *resilience.Set

	availability func(Mechanism) error
	probes       map[Mechanism]func() error

	workers sync.Map // id.WorkerID -> *Worker
	active  atomic.Int64
	closed  atomic.Bool
}

// Option customizes a Manager
type Option func(*Manager)

// WithAvailabilityCheck replaces mechanism availability detection
func WithAvailabilityCheck(check func(Mechanism) error) Option {
	return func(m *Manager) {
		m.availability = check
	}
}

// NewManager creates a manager from configuration
func NewManager(cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics, opts ...Option) (*Manager, error) {
	chain, err := ParseChain(cfg.Sandbox.Fallback)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.Sandbox.SpawnRate > 0 {
		limit = rate.Limit(cfg.Sandbox.SpawnRate)
	}

	m := &Manager{
		cfg:      cfg.Sandbox,
		maxBody:  cfg.Session.MaxMessageBytes,
		chain:    chain,
		memLimit: MemoryLimit(cfg.Sandbox.MemoryLimit),
		logLevel: cfg.Logging.Level,
		logger:   logger.Named("sandbox"),
		metrics:  metrics,
		limiter:  rate.NewLimiter(limit, max(cfg.Sandbox.SpawnBurst, 1)),
	}

	if threshold := cfg.Sandbox.CrashThreshold; threshold > 0 {
		m.breakers = resilience.NewSet(resilience.Settings{
			Timeout: cfg.Sandbox.QuarantineTimeout,
			ReadyToTrip: func(c resilience.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to resilience.State) {
				m.logger.Warn("decoder quarantine changed",
					zap.String("decoder", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		})
	}

	m.probes = map[Mechanism]func() error{
		Bwrap:        sync.OnceValue(func() error { return probeBwrap(cfg.Sandbox.BwrapPath) }),
		FlatpakSpawn: sync.OnceValue(func() error { return probeFlatpak(cfg.Sandbox.FlatpakSpawnPath) }),
		Namespaces:   sync.OnceValue(probeNamespaces),
		Seccomp:      sync.OnceValue(probeSeccomp),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.logger.Debug("sandbox manager ready",
		zap.Stringers("chain", chain),
		zap.Uint64("memory_limit", m.memLimit))
	return m, nil
}

// Chain returns the fallback chain used for Auto
func (m *Manager) Chain() []Mechanism {
	return append([]Mechanism(nil), m.chain...)
}

// Available reports why mech cannot be used here, or nil if it can
func (m *Manager) Available(mech Mechanism) error {
	switch mech {
	case Disabled:
		return nil
	case Auto:
		return errors.New("auto is a selector, not a mechanism")
	}
	if m.availability != nil {
		return m.availability(mech)
	}
	probe, ok := m.probes[mech]
	if !ok {
		return fmt.Errorf("unknown mechanism %s", mech)
	}
	return probe()
}

// Spawn starts a decoder and completes the hello exchange. Under Auto it
// walks the fallback chain until a mechanism works.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (*Worker, error) {
	if m.closed.Load() {
		return nil, errs.New(errs.KindSandboxSetupFailed, "spawn", errManagerClosed)
	}

	exe, err := resolveExec(spec.Exec)
	if err != nil {
		return nil, errs.New(errs.KindSandboxSetupFailed, "spawn", err)
	}
	spec.Exec = exe

	var (
		breaker *resilience.Breaker
		ticket  resilience.Ticket
	)
	if m.breakers != nil {
		breaker = m.breakers.Get(spec.key())
		if ticket, err = breaker.Allow(); err != nil {
			return nil, errs.New(errs.KindWorkerCrashed, "spawn", fmt.Errorf("%s: %w", spec.key(), err))
		}
	}
	cancel := func() {
		if breaker != nil {
			breaker.Cancel(ticket)
		}
	}

	if err := m.limiter.Wait(ctx); err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, errs.FromContext("spawn", ctx)
		}
		return nil, errs.New(errs.KindSandboxSetupFailed, "spawn", err)
	}

	var (
		failures []error
		launched bool
	)
	for _, mech := range Resolve(spec.Selector, spec.Preferred, m.chain) {
		if err := m.Available(mech); err != nil {
			failures = append(failures, fmt.Errorf("%s unavailable: %w", mech, err))
			if spec.Selector != Auto {
				break
			}
			m.skip(mech, err)
			continue
		}

		launched = true
		w, err := m.start(ctx, spec, mech, breaker, ticket)
		if err == nil {
			return w, nil
		}
		if ctx.Err() != nil {
			cancel()
			return nil, errs.FromContext("spawn", ctx)
		}
		if errors.Is(err, errManagerClosed) {
			cancel()
			return nil, errs.New(errs.KindSandboxSetupFailed, "spawn", err)
		}

		failures = append(failures, fmt.Errorf("%s: %w", mech, err))
		if spec.Selector != Auto {
			break
		}
		m.skip(mech, err)
	}

	// a decoder only counts against quarantine once a process was started
	if launched && breaker != nil {
		breaker.Record(ticket, false)
	} else {
		cancel()
	}
	return nil, errs.New(errs.KindSandboxSetupFailed, "spawn", errors.Join(failures...))
}

func (m *Manager) skip(mech Mechanism, err error) {
	m.logger.Warn("sandbox mechanism skipped",
		zap.Stringer("mechanism", mech),
		zap.Error(err))
	m.metrics.RecordSkip(mech.String())
}

// start launches one process under mech and waits for its hello
func (m *Manager) start(ctx context.Context, spec Spec, mech Mechanism, breaker *resilience.Breaker, ticket resilience.Ticket) (*Worker, error) {
	conn, channel, err := ipc.Pair(m.maxBody)
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		conn.Close()
		channel.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	l, err := m.command(spec, mech, channel, stderrW)
	if err != nil {
		conn.Close()
		channel.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, err
	}

	began := time.Now()
	err = l.cmd.Start()
	channel.Close()
	stderrW.Close()
	l.closeExtra()
	if err != nil {
		conn.Close()
		stderrR.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Exec, err)
	}

	workerID := id.NewWorkerID()
	w := &Worker{
		id:        workerID,
		spec:      spec,
		mechanism: mech,
		cmd:       l.cmd,
		conn:      conn,
		state:     StateStarting,
		done:      make(chan struct{}),
		onExit:    m.deregister,
		logger: m.logger.With(
			zap.String("worker_id", workerID.String()),
			zap.Int("pid", l.cmd.Process.Pid),
			zap.Stringer("mechanism", mech)),
	}

	m.register(w)
	go w.relay(stderrR)
	go w.monitor()

	// Close may have swept the table before this worker was stored
	if m.closed.Load() {
		w.Abort()
		return nil, errManagerClosed
	}

	if mech.directChild() && m.memLimit > 0 {
		lim := &unix.Rlimit{Cur: m.memLimit, Max: m.memLimit}
		if err := unix.Prlimit(w.Pid(), unix.RLIMIT_AS, lim, nil); err != nil {
			w.logger.Debug("prlimit failed, relying on worker", zap.Error(err))
		}
	}

	if err := m.hello(ctx, w); err != nil {
		w.Abort()
		return nil, err
	}

	if err := w.arm(breaker, ticket); err != nil {
		w.Abort()
		return nil, err
	}

	m.metrics.RecordSpawn(mech.String(), time.Since(began))
	w.logger.Debug("worker ready", zap.String("decoder", w.decoder))
	return w, nil
}

// hello performs the startup exchange, passing the restrictions the worker
// must apply before it accepts input
func (m *Manager) hello(ctx context.Context, w *Worker) error {
	_ = w.conn.SetReadDeadline(time.Now().Add(m.cfg.StartupTimeout))
	defer w.conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, w.conn.Interrupt)
	defer stop()

	limit := m.memLimit
	if w.mechanism == Disabled {
		limit = 0
	}
	req := &ipc.Hello{
		Version:     ipc.ProtocolVersion,
		MemoryLimit: limit,
		Seccomp:     w.mechanism.selfRestricted(),
		LogLevel:    m.logLevel,

		MaxMessageBytes: m.maxBody,
	}
	if err := w.conn.Send(req); err != nil {
		return m.startupFailure(w, fmt.Errorf("send hello: %w", err))
	}

	msg, files, err := w.conn.Recv()
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case ipc.IsTimeout(err):
		return fmt.Errorf("no hello within %s", m.cfg.StartupTimeout)
	case errs.Is(err, errs.KindProtocolViolation):
		w.logger.Security("malformed hello from worker", zap.Error(err))
		m.metrics.RecordViolation()
		return err
	default:
		return m.startupFailure(w, err)
	}
	for _, f := range files {
		f.Close()
	}

	switch reply := msg.(type) {
	case *ipc.HelloReply:
		if reply.Seq != req.Seq {
			m.metrics.RecordViolation()
			w.logger.Security("hello reply out of sequence", zap.Uint64("seq", reply.Seq))
			return errs.Newf(errs.KindProtocolViolation, "hello", "reply sequence %d, want %d", reply.Seq, req.Seq)
		}
		if reply.Version != ipc.ProtocolVersion {
			return fmt.Errorf("worker speaks protocol %d, host speaks %d", reply.Version, ipc.ProtocolVersion)
		}
		w.decoder = reply.Decoder
		return nil
	case *ipc.ErrorReply:
		return fmt.Errorf("worker could not restrict itself: %s", reply.Message)
	default:
		m.metrics.RecordViolation()
		w.logger.Security("unexpected message during hello", zap.Stringer("type", msg.Type()))
		return errs.Newf(errs.KindProtocolViolation, "hello", "unexpected %s", msg.Type())
	}
}

// startupFailure attaches the exit status of a worker that died early
func (m *Manager) startupFailure(w *Worker, err error) error {
	select {
	case <-w.Done():
		return fmt.Errorf("worker exited during startup: %w (%v)", err, w.ExitErr())
	case <-time.After(exitWait):
		return err
	}
}

func (m *Manager) register(w *Worker) {
	m.workers.Store(w.id, w)
	m.metrics.SetWorkersActive(int(m.active.Add(1)))
}

func (m *Manager) deregister(w *Worker) {
	if _, ok := m.workers.LoadAndDelete(w.id); !ok {
		return
	}
	m.metrics.SetWorkersActive(int(m.active.Add(-1)))
	m.metrics.RecordExit(w.exitReason())
}

// Active returns the number of processes not yet reaped
func (m *Manager) Active() int {
	return int(m.active.Load())
}

// Lookup finds a live worker by id
func (m *Manager) Lookup(workerID id.WorkerID) (*Worker, bool) {
	w, ok := m.workers.Load(workerID)
	if !ok {
		return nil, false
	}
	return w.(*Worker), true
}

// Close terminates every live worker and refuses further spawns
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	var g errgroup.Group
	m.workers.Range(func(_, value any) bool {
		w := value.(*Worker)
		g.Go(func() error {
			w.Terminate(m.cfg.TerminateGrace)
			return nil
		})
		return true
	})
	return g.Wait()
}

// TerminateGrace returns the configured grace period for teardown
func (m *Manager) TerminateGrace() time.Duration {
	return m.cfg.TerminateGrace
}

func resolveExec(path string) (string, error) {
	if path == "" {
		return "", errors.New("decoder executable is empty")
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("decoder executable: %w", err)
	}
	return filepath.Abs(resolved)
}
