package sandbox

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// seccompFd is the descriptor number bwrap reads the filter from. It is
// the first entry of ExtraFiles.
const seccompFd = 3

// systemSetup describes how library directories must be exposed inside
// the sandbox on this host
type systemSetup struct {
	// /lib64 -> usr/lib64 style links on merged-/usr systems
	libSymlinks [][2]string
	// real directories on hosts without a merged /usr
	libDirs []string
}

var (
	setupOnce sync.Once
	setup     systemSetup
)

func cachedSystemSetup() systemSetup {
	setupOnce.Do(func() {
		setup = scanSystemSetup("/")
	})
	return setup
}

// scanSystemSetup inspects the lib* entries in root
func scanSystemSetup(root string) systemSetup {
	var s systemSetup

	entries, err := os.ReadDir(root)
	if err != nil {
		return s
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "lib") {
			continue
		}
		path := filepath.Join("/", e.Name())
		full := filepath.Join(root, e.Name())

		info, err := os.Lstat(full)
		if err != nil {
			continue
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				continue
			}
			resolved := target
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join("/", resolved)
			}
			if strings.HasPrefix(resolved, "/usr/") {
				s.libSymlinks = append(s.libSymlinks, [2]string{target, path})
			}
		case info.IsDir():
			s.libDirs = append(s.libDirs, path)
		}
	}
	return s
}

// bwrapArgs returns the bubblewrap arguments preceding the decoder command.
// The memory limit is applied by the worker itself during the hello
// exchange since the spawned pid is bwrap, not the decoder.
func bwrapArgs(spec Spec, setup systemSetup) []string {
	args := []string{
		"--unshare-all",
		"--clearenv",
		"--die-with-parent",
		"--chdir", "/",
		"--ro-bind", "/usr", "/usr",
		"--dev", "/dev",
		"--ro-bind-try", "/etc/ld.so.cache", "/etc/ld.so.cache",
		"--tmpfs", "/tmp-home",
		"--setenv", "HOME", "/tmp-home",
		"--tmpfs", "/tmp-run",
		"--setenv", "XDG_RUNTIME_DIR", "/tmp-run",
		"--ro-bind-try", "/etc/fonts", "/etc/fonts",
		"--ro-bind-try", "/var/cache/fontconfig", "/var/cache/fontconfig",
	}

	for _, link := range setup.libSymlinks {
		args = append(args, "--symlink", link[0], link[1])
	}
	for _, dir := range setup.libDirs {
		args = append(args, "--ro-bind", dir, dir)
	}

	if spec.BaseDir != "" {
		args = append(args, "--ro-bind", spec.BaseDir, spec.BaseDir)
	}
	if !strings.HasPrefix(spec.Exec, "/usr/") {
		args = append(args, "--ro-bind", spec.Exec, spec.Exec)
	}

	for _, kv := range spec.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			args = append(args, "--setenv", k, v)
		}
	}
	args = append(args, "--seccomp", strconv.Itoa(seccompFd), "--")
	args = append(args, spec.Exec)
	return append(args, spec.Args...)
}

// flatpakArgs returns the flatpak-spawn arguments preceding the decoder
// command. The portal applies its own seccomp profile; prlimit enforces
// the memory limit since no pre-exec hook crosses the portal.
func flatpakArgs(spec Spec, memoryLimit uint64) []string {
	args := []string{
		"--sandbox",
		"--no-network",
		"--clear-env",
		"--watch-bus",
		"--directory=/",
	}
	if spec.BaseDir != "" {
		args = append(args, "--sandbox-expose-path-ro="+spec.BaseDir)
	}
	for _, kv := range spec.Env {
		args = append(args, "--env="+kv)
	}
	if memoryLimit > 0 {
		args = append(args, "prlimit", "--as="+strconv.FormatUint(memoryLimit, 10))
	}
	args = append(args, spec.Exec)
	return append(args, spec.Args...)
}
