package imgjail

import "github.com/GriffinCanCode/imgjail/internal/sandbox"

// SandboxSelector picks how decoder processes are isolated
type SandboxSelector = sandbox.Mechanism

const (
	// SandboxAuto tries the configured fallback chain, strongest first
	SandboxAuto = sandbox.Auto
	// SandboxBwrap uses bubblewrap with a seccomp filter
	SandboxBwrap = sandbox.Bwrap
	// SandboxFlatpakSpawn escapes a Flatpak into a fresh sandbox
	SandboxFlatpakSpawn = sandbox.FlatpakSpawn
	// SandboxNamespaces uses unprivileged namespaces directly
	SandboxNamespaces = sandbox.Namespaces
	// SandboxSeccomp only filters system calls
	SandboxSeccomp = sandbox.Seccomp
	// SandboxDisabled runs decoders without isolation
	SandboxDisabled = sandbox.Disabled
)

// ParseSandboxSelector converts a name such as "bwrap" or "auto"
func ParseSandboxSelector(name string) (SandboxSelector, error) {
	return sandbox.ParseMechanism(name)
}
