package sandbox

// Legacy syscalls that only exist on x86-64
var archSyscalls = []string{
	"access",
	"arch_prctl",
	"dup2",
	"epoll_create",
	"epoll_wait",
	"eventfd",
	"lstat",
	"open",
	"pipe",
	"poll",
	"readlink",
	"select",
	"stat",
	"time",
}

var archPathSyscalls = []string{
	"access",
	"lstat",
	"open",
	"readlink",
	"stat",
}
