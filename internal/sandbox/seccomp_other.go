//go:build !amd64 && !arm64

package sandbox

// No syscall list is maintained for this architecture
var archSyscalls []string

var archPathSyscalls []string
