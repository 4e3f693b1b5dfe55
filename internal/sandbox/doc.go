/*
Package sandbox launches decoder processes under an isolation mechanism
and owns their lifecycle.

# Mechanisms

  - bwrap: bubblewrap with fresh namespaces, a read-only /usr, tmpfs home
    and runtime dirs, and a seccomp filter passed on descriptor 3
  - flatpak-spawn: the Flatpak portal sandbox, used inside a Flatpak
  - namespaces: unprivileged user, mount, pid, net, ipc and uts namespaces
    created by the host; the worker installs its own seccomp filter
  - seccomp: no namespaces, only the worker's own seccomp filter
  - disabled: no isolation at all; only ever used when asked for

Auto tries the decoder's preferred mechanism, then the configured chain,
skipping mechanisms whose probe fails on this host. Every skip is logged
at warn level and counted.

# Startup

The host end of a SOCK_SEQPACKET pair stays with the Manager; the worker
end becomes the child's stdin. Before the decoder sees any input the host
sends Hello with the memory limit and whether to self-restrict, and waits
for HelloReply within the startup timeout.

# Teardown

Workers run in their own process group with PDEATHSIG set. Terminate asks
politely, then kills the group after the grace period. Every worker is
reaped by its monitor goroutine.
*/
package sandbox
