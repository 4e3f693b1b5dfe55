package sandbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"
)

// ErrSeccompUnsupported is returned on architectures without a syscall list
var ErrSeccompUnsupported = errors.New("seccomp filtering is not supported on this architecture")

// Syscalls every decoder may use, named identically on all supported
// architectures. Anything else fails with EPERM.
var baseSyscalls = []string{
	"brk",
	"capget",
	"capset",
	"chdir",
	"clock_getres",
	"clock_gettime",
	"clock_nanosleep",
	"clone",
	"close",
	"dup",
	"dup3",
	"epoll_create1",
	"epoll_ctl",
	"epoll_pwait",
	"eventfd2",
	"execve",
	"exit",
	"exit_group",
	"faccessat",
	"fadvise64",
	"fchdir",
	"fcntl",
	"fstat",
	"fstatfs",
	"ftruncate",
	"futex",
	"get_mempolicy",
	"getcwd",
	"getdents64",
	"getegid",
	"geteuid",
	"getgid",
	"getpid",
	"getppid",
	"getrandom",
	"getrlimit",
	"gettid",
	"gettimeofday",
	"getuid",
	"ioctl",
	"lseek",
	"madvise",
	"membarrier",
	"memfd_create",
	"mincore",
	"mmap",
	"mprotect",
	"mremap",
	"munmap",
	"nanosleep",
	"newfstatat",
	"openat",
	"pipe2",
	"ppoll",
	"prctl",
	"pread64",
	"prlimit64",
	"pselect6",
	"read",
	"readlinkat",
	"readv",
	"recvfrom",
	"recvmsg",
	"restart_syscall",
	"rt_sigaction",
	"rt_sigprocmask",
	"rt_sigreturn",
	"sched_getaffinity",
	"sched_yield",
	"sendmsg",
	"sendto",
	"set_mempolicy",
	"set_robust_list",
	"set_tid_address",
	"setrlimit",
	"sigaltstack",
	"signalfd4",
	"statfs",
	"statx",
	"sysinfo",
	"tgkill",
	"timerfd_create",
	"timerfd_settime",
	"tkill",
	"uname",
	"wait4",
	"write",
	"writev",
}

// Syscalls that reach the filesystem namespace or replace the process
// image. A worker that restricts itself after startup drops these, since
// it only ever reads from descriptors it was handed.
var pathSyscalls = []string{
	"capset",
	"chdir",
	"execve",
	"faccessat",
	"fchdir",
	"getdents64",
	"openat",
	"readlinkat",
	"statfs",
}

// Profile selects which allow-list a filter uses
type Profile int

const (
	// ProfileExec is installed before exec, so it must allow the dynamic
	// loader and runtime start-up to open files.
	ProfileExec Profile = iota
	// ProfileStrict is installed by a running worker on itself.
	ProfileStrict
)

// allowList returns the syscall names for the profile on this architecture
func allowList(p Profile) ([]string, error) {
	if archSyscalls == nil {
		return nil, ErrSeccompUnsupported
	}

	names := slices.Concat(baseSyscalls, archSyscalls)
	if p == ProfileStrict {
		names = slices.DeleteFunc(names, func(name string) bool {
			return slices.Contains(pathSyscalls, name) || slices.Contains(archPathSyscalls, name)
		})
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// policy builds the seccomp policy for the profile
func policy(p Profile) (*seccomp.Policy, error) {
	names, err := allowList(p)
	if err != nil {
		return nil, err
	}
	return &seccomp.Policy{
		DefaultAction: seccomp.ActionErrno,
		Syscalls: []seccomp.SyscallGroup{
			{Action: seccomp.ActionAllow, Names: names},
		},
	}, nil
}

// FilterProgram assembles the profile into the raw sock_filter array that
// bwrap reads from its --seccomp descriptor.
func FilterProgram(p Profile) ([]byte, error) {
	pol, err := policy(p)
	if err != nil {
		return nil, err
	}

	insts, err := pol.Assemble()
	if err != nil {
		return nil, fmt.Errorf("assemble seccomp policy: %w", err)
	}
	raw, err := bpf.Assemble(insts)
	if err != nil {
		return nil, fmt.Errorf("assemble bpf: %w", err)
	}

	var buf bytes.Buffer
	for _, ins := range raw {
		// struct sock_filter { __u16 code; __u8 jt; __u8 jf; __u32 k; }
		_ = binary.Write(&buf, binary.NativeEndian, ins.Op)
		buf.WriteByte(ins.Jt)
		buf.WriteByte(ins.Jf)
		_ = binary.Write(&buf, binary.NativeEndian, ins.K)
	}
	return buf.Bytes(), nil
}

// RestrictSelf installs the strict profile on the calling process and all
// of its threads. It also sets no_new_privs.
func RestrictSelf() error {
	pol, err := policy(ProfileStrict)
	if err != nil {
		return err
	}
	return seccomp.LoadFilter(seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     *pol,
	})
}
