package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// defaultPath is the only inherited environment besides the decoder's own
const defaultPath = "PATH=/usr/local/bin:/usr/bin:/bin"

// launch is a prepared command plus descriptors to drop once it started
type launch struct {
	cmd     *exec.Cmd
	release []*os.File
}

func (l *launch) closeExtra() {
	for _, f := range l.release {
		f.Close()
	}
	l.release = nil
}

// command prepares the process for spec under mechanism. The channel end
// becomes stdin; stderr is relayed to the host log.
func (m *Manager) command(spec Spec, mech Mechanism, channel, stderr *os.File) (*launch, error) {
	var cmd *exec.Cmd
	l := &launch{}

	switch mech {
	case Bwrap:
		program, err := FilterProgram(ProfileExec)
		if err != nil {
			return nil, err
		}
		filter, err := sealedFile("imgjail-seccomp", program)
		if err != nil {
			return nil, err
		}
		l.release = append(l.release, filter)

		cmd = exec.Command(m.cfg.BwrapPath, bwrapArgs(spec, cachedSystemSetup())...)
		cmd.ExtraFiles = []*os.File{filter}
		cmd.SysProcAttr = &syscall.SysProcAttr{}

	case FlatpakSpawn:
		cmd = exec.Command(m.cfg.FlatpakSpawnPath, flatpakArgs(spec, m.memLimit)...)
		cmd.SysProcAttr = &syscall.SysProcAttr{}

	case Namespaces:
		cmd = exec.Command(spec.Exec, spec.Args...)
		cmd.SysProcAttr = namespaceAttrs()

	case Seccomp, Disabled:
		cmd = exec.Command(spec.Exec, spec.Args...)
		cmd.SysProcAttr = &syscall.SysProcAttr{}

	default:
		return nil, fmt.Errorf("cannot launch with %s", mech)
	}

	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
	cmd.Env = append([]string{defaultPath}, spec.Env...)
	cmd.Dir = "/"
	cmd.Stdin = channel
	cmd.Stderr = stderr

	l.cmd = cmd
	return l, nil
}

// sealedFile stores data in a memfd positioned at offset zero
func sealedFile(name string, data []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_WRITE|unix.F_SEAL_SEAL)
	return f, nil
}
