package imgjail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/imgjail/internal/infrastructure/config"
	"github.com/GriffinCanCode/imgjail/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/imgjail/internal/logging"
	"github.com/GriffinCanCode/imgjail/internal/registry"
	"github.com/GriffinCanCode/imgjail/internal/sandbox"
	"github.com/GriffinCanCode/imgjail/internal/session"
)

// DecoderSpec registers an external decoder program
type DecoderSpec = registry.DecoderSpec

// Runtime owns what loads share: configuration, the decoder registry and
// the sandbox process table. Most programs use DefaultRuntime.
type Runtime struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	manager  *sandbox.Manager
	registry *registry.Registry
	selector SandboxSelector
}

type runtimeSettings struct {
	cfg        *config.Config
	logger     *logging.Logger
	decoders   []DecoderSpec
	dataDirs   []string
	noConfD    bool
	managerOpt []sandbox.Option
}

// RuntimeOption configures NewRuntime
type RuntimeOption func(*runtimeSettings)

// WithDecoder registers a decoder in addition to those found in conf.d.
// It replaces any registration for the same mime types.
func WithDecoder(spec DecoderSpec) RuntimeOption {
	return func(s *runtimeSettings) {
		s.decoders = append(s.decoders, spec)
	}
}

// WithDataDirs overrides the directories searched for imgjail/conf.d
func WithDataDirs(dirs ...string) RuntimeOption {
	return func(s *runtimeSettings) {
		s.dataDirs = dirs
	}
}

// WithoutConfD skips conf.d discovery so only WithDecoder registrations
// are used
func WithoutConfD() RuntimeOption {
	return func(s *runtimeSettings) {
		s.noConfD = true
	}
}

// WithFallbackChain sets the mechanisms Auto tries, in order
func WithFallbackChain(chain ...SandboxSelector) RuntimeOption {
	return func(s *runtimeSettings) {
		names := make([]string, 0, len(chain))
		for _, m := range chain {
			names = append(names, m.String())
		}
		s.cfg.Sandbox.Fallback = names
	}
}

// WithDefaultSandbox sets the selector used by loaders that do not pick one
func WithDefaultSandbox(selector SandboxSelector) RuntimeOption {
	return func(s *runtimeSettings) {
		s.cfg.Sandbox.Selector = selector.String()
	}
}

// WithRequestTimeout bounds every exchange with a worker
func WithRequestTimeout(d time.Duration) RuntimeOption {
	return func(s *runtimeSettings) {
		s.cfg.Session.RequestTimeout = d
	}
}

// WithMemoryLimit sets the address space limit of workers in bytes. Zero
// derives it from available memory and a negative value disables it.
func WithMemoryLimit(bytes int64) RuntimeOption {
	return func(s *runtimeSettings) {
		s.cfg.Sandbox.MemoryLimit = bytes
	}
}

// WithLogger makes the runtime log through logger
func WithLogger(logger *zap.Logger) RuntimeOption {
	return func(s *runtimeSettings) {
		s.logger = &logging.Logger{Logger: logger}
	}
}

func withConfig(cfg *config.Config) RuntimeOption {
	return func(s *runtimeSettings) {
		s.cfg = cfg
	}
}

func withManagerOptions(opts ...sandbox.Option) RuntimeOption {
	return func(s *runtimeSettings) {
		s.managerOpt = append(s.managerOpt, opts...)
	}
}

// NewRuntime builds a runtime from IMGJAIL_* environment configuration
// and the given options
func NewRuntime(ctx context.Context, opts ...RuntimeOption) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	settings := &runtimeSettings{cfg: cfg}
	for _, opt := range opts {
		opt(settings)
	}
	cfg = settings.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	selector, err := sandbox.ParseMechanism(cfg.Sandbox.Selector)
	if err != nil {
		return nil, err
	}

	logger := settings.logger
	if logger == nil {
		logCfg := logging.DefaultConfig()
		if cfg.Logging.Development {
			logCfg = logging.DevelopmentConfig()
		}
		if cfg.Logging.Level != "" {
			logCfg.Level = cfg.Logging.Level
		}
		logger, err = logging.New(logCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	logger = logger.Named("imgjail")

	reg := registry.New()
	if !settings.noConfD {
		dirs := settings.dataDirs
		if len(dirs) == 0 {
			dirs = cfg.Registry.DataDirs
		}
		if reg, err = registry.Load(ctx, logger, dirs...); err != nil {
			return nil, err
		}
	}
	for _, spec := range settings.decoders {
		if err := reg.Register(spec); err != nil {
			return nil, err
		}
	}

	metrics := monitoring.NewMetrics(cfg.Metrics.Namespace)
	manager, err := sandbox.NewManager(cfg, logger, metrics, settings.managerOpt...)
	if err != nil {
		return nil, err
	}

	logger.Debug("runtime ready",
		zap.Stringer("selector", selector),
		zap.Int("decoders", reg.Len()))

	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		manager:  manager,
		registry: reg,
		selector: selector,
	}, nil
}

var defaultRuntime = sync.OnceValues(func() (*Runtime, error) {
	return NewRuntime(context.Background())
})

// DefaultRuntime returns the process-wide runtime, built on first use
func DefaultRuntime() (*Runtime, error) {
	return defaultRuntime()
}

// MimeTypes lists every mime type a decoder is registered for
func (r *Runtime) MimeTypes() []string {
	return r.registry.MimeTypes()
}

// Decoder returns the decoder registered for mimeType
func (r *Runtime) Decoder(mimeType string) (DecoderSpec, bool) {
	return r.registry.Resolve(mimeType)
}

// ActiveWorkers returns the number of decoder processes alive
func (r *Runtime) ActiveWorkers() int {
	return r.manager.Active()
}

// Metrics exposes the runtime's collectors, or nil when metrics are
// disabled
func (r *Runtime) Metrics() prometheus.Gatherer {
	if !r.cfg.Metrics.Enabled {
		return nil
	}
	return r.metrics.Registry()
}

// Close kills every live worker. Images still open fail on their next
// request.
func (r *Runtime) Close() error {
	err := r.manager.Close()
	_ = r.logger.Sync()
	return err
}

func (r *Runtime) sessionOptions() session.Options {
	return session.Options{
		RequestTimeout: r.cfg.Session.RequestTimeout,
		MaxFrameBytes:  r.cfg.Session.MaxFrameBytes,
		TerminateGrace: r.cfg.Sandbox.TerminateGrace,
		Metrics:        r.metrics,
	}
}
