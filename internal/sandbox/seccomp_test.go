package sandbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowList(t *testing.T) {
	exec, err := allowList(ProfileExec)
	if errors.Is(err, ErrSeccompUnsupported) {
		t.Skip(err)
	}
	require.NoError(t, err)

	strict, err := allowList(ProfileStrict)
	require.NoError(t, err)

	assert.Contains(t, exec, "openat")
	assert.Contains(t, exec, "execve")
	assert.NotContains(t, strict, "openat")
	assert.NotContains(t, strict, "execve")
	assert.Contains(t, strict, "recvmsg")
	assert.Contains(t, strict, "memfd_create")
	assert.IsIncreasing(t, strict)
	assert.NotContains(t, exec, "socket")
	assert.NotContains(t, exec, "connect")
}

func TestFilterProgram(t *testing.T) {
	program, err := FilterProgram(ProfileExec)
	if errors.Is(err, ErrSeccompUnsupported) {
		t.Skip(err)
	}
	require.NoError(t, err)

	// one sock_filter is eight bytes
	assert.NotEmpty(t, program)
	assert.Zero(t, len(program)%8)

	strict, err := FilterProgram(ProfileStrict)
	require.NoError(t, err)
	assert.Zero(t, len(strict)%8)
}
