package imgjail

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/imgjail/internal/registry"
	"github.com/GriffinCanCode/imgjail/internal/session"
	"github.com/GriffinCanCode/imgjail/internal/shared/errs"
)

// Loader describes one load: an input, how to isolate its decoder and
// hints for the decoder. A Loader serves a single Load.
type Loader struct {
	src                  Source
	mimeType             string
	applyTransformations bool
	selector             SandboxSelector
	selectorSet          bool
	runtime              *Runtime

	used atomic.Bool
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithMimeType skips content sniffing and uses mimeType to pick the decoder
func WithMimeType(mimeType string) LoaderOption {
	return func(l *Loader) {
		l.mimeType = mimeType
	}
}

// WithApplyTransformations controls whether decoders apply orientation
// metadata such as EXIF rotation. It is on by default.
func WithApplyTransformations(apply bool) LoaderOption {
	return func(l *Loader) {
		l.applyTransformations = apply
	}
}

// WithSandboxSelector overrides the runtime's default selector
func WithSandboxSelector(selector SandboxSelector) LoaderOption {
	return func(l *Loader) {
		l.selector = selector
		l.selectorSet = true
	}
}

// WithRuntime loads through rt instead of DefaultRuntime
func WithRuntime(rt *Runtime) LoaderOption {
	return func(l *Loader) {
		l.runtime = rt
	}
}

// NewLoader creates a loader for src
func NewLoader(src Source, opts ...LoaderOption) *Loader {
	l := &Loader{
		src:                  src,
		applyTransformations: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load starts a sandboxed decoder for the input and opens the document.
// A second call fails with a usage error.
func (l *Loader) Load(ctx context.Context) (*Image, error) {
	if !l.used.CompareAndSwap(false, true) {
		return nil, errs.Newf(errs.KindUsage, "load", "loader was already used")
	}
	if l.src == nil {
		return nil, errs.Newf(errs.KindUsage, "load", "no source")
	}

	rt := l.runtime
	if rt == nil {
		var err error
		if rt, err = DefaultRuntime(); err != nil {
			return nil, errs.New(errs.KindSandboxSetupFailed, "load", err)
		}
	}

	in, err := l.src.open()
	if err != nil {
		return nil, errs.New(errs.KindUsage, "open input", err)
	}
	defer in.close()

	mimeType := registry.Normalize(l.mimeType)
	if mimeType == "" {
		mimeType = registry.Sniff(in.head, in.name)
	}
	decoder, ok := rt.registry.Resolve(mimeType)
	if !ok {
		return nil, errs.Newf(errs.KindUnsupportedFormat, "load", "no decoder for %s", mimeType)
	}

	selector := rt.selector
	if l.selectorSet {
		selector = l.selector
	}

	var baseDir string
	if decoder.ExposeBaseDir {
		baseDir = in.baseDir
	}

	w, err := rt.manager.Spawn(ctx, decoder.SandboxSpec(selector, baseDir))
	if err != nil {
		return nil, err
	}
	stopInput := in.start()

	s, err := session.Open(ctx, w, in.file, session.Hints{
		MimeType:             mimeType,
		ApplyTransformations: l.applyTransformations,
		BaseDir:              baseDir,
	}, rt.sessionOptions())
	if err != nil {
		stopInput()
		return nil, err
	}

	rt.logger.Debug("image loaded",
		zap.String("session_id", s.ID().String()),
		zap.String("worker_id", w.ID().String()),
		zap.Stringer("sandbox", w.Mechanism()),
		zap.String("mime_type", mimeType))
	return newImage(s, rt, stopInput), nil
}

// LoadAsync runs Load on its own goroutine and delivers the result to fn
// on loop, or on DefaultLoop when loop is nil. If the loop is closed
// before the result arrives the image is closed.
func (l *Loader) LoadAsync(ctx context.Context, loop *Loop, fn func(*Image, error)) {
	loop = resolveLoop(loop)
	go func() {
		img, err := l.Load(ctx)
		if !loop.Post(func() { fn(img, err) }) && img != nil {
			img.Close()
		}
	}()
}
