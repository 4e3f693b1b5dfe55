package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const probeTimeout = 5 * time.Second

// probeSeccomp checks that this architecture has a syscall list and the
// kernel exposes seccomp
func probeSeccomp() error {
	if _, err := allowList(ProfileStrict); err != nil {
		return err
	}

	f, err := os.Open("/proc/self/status")
	if err != nil {
		return fmt.Errorf("read process status: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "Seccomp:") {
			return nil
		}
	}
	return errors.New("kernel does not support seccomp")
}

// probeNamespaces checks that unprivileged user namespaces can be created
func probeNamespaces() error {
	if err := probeSeccomp(); err != nil {
		return err
	}

	if v, ok := readSysctl("/proc/sys/kernel/unprivileged_userns_clone"); ok && v == 0 {
		return errors.New("unprivileged user namespaces are disabled")
	}
	if v, ok := readSysctl("/proc/sys/user/max_user_namespaces"); ok && v == 0 {
		return errors.New("user namespaces are limited to zero")
	}
	if v, ok := readSysctl("/proc/sys/kernel/apparmor_restrict_unprivileged_userns"); ok && v == 1 {
		return errors.New("apparmor restricts unprivileged user namespaces")
	}

	trueBin, err := exec.LookPath("true")
	if err != nil {
		// nothing to try it with; the sysctls did not object
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, trueBin)
	cmd.SysProcAttr = namespaceAttrs()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("create namespaces: %w", err)
	}
	return nil
}

// probeBwrap checks that bubblewrap is installed and allowed to build a
// sandbox here
func probeBwrap(path string) error {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return fmt.Errorf("bwrap not found: %w", err)
	}
	if _, err := FilterProgram(ProfileExec); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, resolved,
		"--unshare-all", "--die-with-parent", "--ro-bind", "/", "/", resolved, "--version")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("bwrap cannot create a sandbox: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// probeFlatpak checks that we run inside a flatpak with the spawn portal
func probeFlatpak(path string) error {
	if _, err := os.Stat("/.flatpak-info"); err != nil {
		return errors.New("not running inside flatpak")
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("flatpak-spawn not found: %w", err)
	}
	return nil
}

func readSysctl(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return v, true
}

// namespaceAttrs isolates the child in fresh user, mount, pid, network,
// ipc and uts namespaces, mapping only the caller's ids
func namespaceAttrs() *syscall.SysProcAttr {
	uid, gid := os.Getuid(), os.Getgid()
	return &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
			syscall.CLONE_NEWNET | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS,
		UidMappings:                []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}},
		GidMappings:                []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}},
		GidMappingsEnableSetgroups: false,
	}
}
