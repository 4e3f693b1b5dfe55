package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/GriffinCanCode/imgjail/internal/sandbox"
)

// DecoderSpec describes an external decoder program and the mime types
// it handles
type DecoderSpec struct {
	Name          string   `toml:"name" yaml:"name"`
	MimeTypes     []string `toml:"mime_types" yaml:"mime_types"`
	Exec          string   `toml:"exec" yaml:"exec"`
	Args          []string `toml:"args" yaml:"args"`
	Env           []string `toml:"env" yaml:"env"`
	Sandbox       string   `toml:"sandbox" yaml:"sandbox"`
	ExposeBaseDir bool     `toml:"expose_base_dir" yaml:"expose_base_dir"`

	// Source is the file the spec was read from, empty when registered
	// in code
	Source string `toml:"-" yaml:"-"`
}

// Mechanism returns the decoder's default sandbox mechanism
func (d DecoderSpec) Mechanism() sandbox.Mechanism {
	m, err := sandbox.ParseMechanism(d.Sandbox)
	if err != nil {
		return sandbox.Auto
	}
	return m
}

// SandboxSpec returns the spawn parameters for this decoder
func (d DecoderSpec) SandboxSpec(selector sandbox.Mechanism, baseDir string) sandbox.Spec {
	spec := sandbox.Spec{
		Name:      d.name(),
		Exec:      d.Exec,
		Args:      slices.Clone(d.Args),
		Env:       slices.Clone(d.Env),
		Selector:  selector,
		Preferred: d.Mechanism(),
	}
	if d.ExposeBaseDir {
		spec.BaseDir = baseDir
	}
	return spec
}

func (d DecoderSpec) name() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Exec
}

// Validate checks that the spec can be spawned
func (d DecoderSpec) Validate() error {
	var errs []error
	if d.Exec == "" {
		errs = append(errs, errors.New("exec is required"))
	}
	if len(d.MimeTypes) == 0 {
		errs = append(errs, errors.New("at least one mime type is required"))
	}
	for _, mt := range d.MimeTypes {
		if Normalize(mt) == "" {
			errs = append(errs, fmt.Errorf("invalid mime type %q", mt))
		}
	}
	if _, err := sandbox.ParseMechanism(d.Sandbox); err != nil {
		errs = append(errs, err)
	}
	for _, kv := range d.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("env entry %q is not KEY=VALUE", kv))
		}
	}
	return errors.Join(errs...)
}

// Registry maps mime types to decoders
type Registry struct {
	mu     sync.RWMutex
	byMime map[string]DecoderSpec
}

// New creates an empty registry
func New() *Registry {
	return &Registry{byMime: make(map[string]DecoderSpec)}
}

// Register adds a decoder. It replaces any decoder already registered for
// the same mime types.
func (r *Registry) Register(spec DecoderSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("decoder %s: %w", spec.name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mt := range spec.MimeTypes {
		r.byMime[Normalize(mt)] = spec
	}
	return nil
}

// Resolve returns the decoder for a mime type. Parameters and case are
// ignored.
func (r *Registry) Resolve(mimeType string) (DecoderSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.byMime[Normalize(mimeType)]
	return spec, ok
}

// MimeTypes lists every mime type with a decoder, sorted
func (r *Registry) MimeTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byMime))
	for mt := range r.byMime {
		types = append(types, mt)
	}
	slices.Sort(types)
	return types
}

// Len returns the number of registered mime types
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byMime)
}

// Normalize lowercases a mime type and strips its parameters. It returns
// an empty string if the input is not a type/subtype pair.
func Normalize(mimeType string) string {
	mt, _, _ := strings.Cut(mimeType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	major, minor, ok := strings.Cut(mt, "/")
	if !ok || major == "" || minor == "" || strings.ContainsAny(minor, "/ \t") {
		return ""
	}
	return mt
}
