package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/imgjail/internal/sandbox"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"image/png", "image/png"},
		{"IMAGE/PNG", "image/png"},
		{" image/svg+xml; charset=utf-8", "image/svg+xml"},
		{"image", ""},
		{"image/", ""},
		{"/png", ""},
		{"image/png/x", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(DecoderSpec{
		Name:      "stock",
		MimeTypes: []string{"image/png", "Image/JPEG"},
		Exec:      "/usr/libexec/imgjail-loader",
	}))

	spec, ok := r.Resolve("image/jpeg; q=1")
	require.True(t, ok)
	assert.Equal(t, "stock", spec.Name)

	_, ok = r.Resolve("image/webp")
	assert.False(t, ok)

	assert.Equal(t, []string{"image/jpeg", "image/png"}, r.MimeTypes())

	require.NoError(t, r.Register(DecoderSpec{
		Name:      "png-only",
		MimeTypes: []string{"image/png"},
		Exec:      "/opt/png",
	}))
	spec, _ = r.Resolve("image/png")
	assert.Equal(t, "png-only", spec.Name)
	spec, _ = r.Resolve("image/jpeg")
	assert.Equal(t, "stock", spec.Name)
}

func TestRegisterValidates(t *testing.T) {
	tests := []struct {
		name string
		spec DecoderSpec
	}{
		{"no exec", DecoderSpec{MimeTypes: []string{"image/png"}}},
		{"no mime types", DecoderSpec{Exec: "/bin/true"}},
		{"bad mime type", DecoderSpec{Exec: "/bin/true", MimeTypes: []string{"png"}}},
		{"bad sandbox", DecoderSpec{Exec: "/bin/true", MimeTypes: []string{"image/png"}, Sandbox: "chroot"}},
		{"bad env", DecoderSpec{Exec: "/bin/true", MimeTypes: []string{"image/png"}, Env: []string{"NOVALUE"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			assert.Error(t, r.Register(tt.spec))
			assert.Zero(t, r.Len())
		})
	}
}

func TestSandboxSpec(t *testing.T) {
	d := DecoderSpec{
		Name:          "svg",
		MimeTypes:     []string{"image/svg+xml"},
		Exec:          "/usr/libexec/svg",
		Args:          []string{"--safe"},
		Sandbox:       "seccomp",
		ExposeBaseDir: true,
	}

	spec := d.SandboxSpec(sandbox.Auto, "/home/user/pics")
	assert.Equal(t, "svg", spec.Name)
	assert.Equal(t, sandbox.Seccomp, spec.Preferred)
	assert.Equal(t, sandbox.Auto, spec.Selector)
	assert.Equal(t, "/home/user/pics", spec.BaseDir)

	d.ExposeBaseDir = false
	assert.Empty(t, d.SandboxSpec(sandbox.Bwrap, "/home/user/pics").BaseDir)

	d.Sandbox = ""
	assert.Equal(t, sandbox.Auto, d.Mechanism())
}

func TestDefaultMimeTypes(t *testing.T) {
	types := DefaultMimeTypes()
	assert.Contains(t, types, "image/jpeg")
	assert.Contains(t, types, "image/jxl")
	for _, mt := range types {
		assert.Equal(t, mt, Normalize(mt))
	}

	// callers get a copy
	types[0] = "x/y"
	assert.Equal(t, "image/jpeg", DefaultMimeTypes()[0])
}
