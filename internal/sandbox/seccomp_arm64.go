package sandbox

// arm64 uses the generic syscall table only
var archSyscalls = []string{}

var archPathSyscalls = []string{}
