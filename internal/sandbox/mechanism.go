package sandbox

import (
	"fmt"

	"github.com/GriffinCanCode/imgjail/internal/infrastructure/config"
)

// Mechanism is a concrete isolation strategy for a decoder process. Auto
// is only valid as a selector and resolves to the first usable entry of
// the configured fallback chain.
type Mechanism uint8

const (
	Auto Mechanism = iota
	Bwrap
	FlatpakSpawn
	Namespaces
	Seccomp
	Disabled
)

// String returns the configuration name of the mechanism
func (m Mechanism) String() string {
	switch m {
	case Auto:
		return "auto"
	case Bwrap:
		return "bwrap"
	case FlatpakSpawn:
		return "flatpak-spawn"
	case Namespaces:
		return "namespaces"
	case Seccomp:
		return "seccomp"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("mechanism(%d)", uint8(m))
	}
}

// ParseMechanism converts a configuration name to a Mechanism
func ParseMechanism(name string) (Mechanism, error) {
	canonical, _ := config.MechanismName(name)
	switch canonical {
	case "auto":
		return Auto, nil
	case "bwrap":
		return Bwrap, nil
	case "flatpak-spawn":
		return FlatpakSpawn, nil
	case "namespaces":
		return Namespaces, nil
	case "seccomp":
		return Seccomp, nil
	case "disabled":
		return Disabled, nil
	default:
		return Auto, fmt.Errorf("unknown sandbox mechanism %q", name)
	}
}

// ParseChain converts the configured fallback list. Disabled and Auto
// may not appear in a chain.
func ParseChain(names []string) ([]Mechanism, error) {
	chain := make([]Mechanism, 0, len(names))
	for _, name := range names {
		m, err := ParseMechanism(name)
		if err != nil {
			return nil, err
		}
		if m == Auto || m == Disabled {
			return nil, fmt.Errorf("%s is not allowed in the fallback chain", m)
		}
		chain = appendUnique(chain, m)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("fallback chain is empty")
	}
	return chain, nil
}

// Resolve returns the mechanisms to attempt, in order. An explicit
// selector yields exactly that mechanism. Under Auto a decoder's preferred
// mechanism goes first unless it would silently drop isolation.
func Resolve(selector, preferred Mechanism, chain []Mechanism) []Mechanism {
	if selector != Auto {
		return []Mechanism{selector}
	}

	plan := make([]Mechanism, 0, len(chain)+1)
	if preferred != Auto && preferred != Disabled {
		plan = append(plan, preferred)
	}
	for _, m := range chain {
		plan = appendUnique(plan, m)
	}
	return plan
}

// selfRestricted reports whether the worker must install its own seccomp
// filter because nothing outside it does
func (m Mechanism) selfRestricted() bool {
	return m == Namespaces || m == Seccomp
}

// directChild reports whether the spawned pid is the decoder itself, so
// host-side prlimit reaches it
func (m Mechanism) directChild() bool {
	return m == Namespaces || m == Seccomp || m == Disabled
}

func appendUnique(list []Mechanism, m Mechanism) []Mechanism {
	for _, existing := range list {
		if existing == m {
			return list
		}
	}
	return append(list, m)
}
