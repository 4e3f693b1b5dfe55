/*
Package session implements the decode protocol between the host and one
worker.

Machine is the pure protocol state:

	Handshaking -> Idle -> AwaitingFrame -> Idle -> ... -> Finished
	                 any non-terminal state -> Crashed | Failed

Engine owns the I/O. Every request runs under a deadline, and a context
that ends interrupts the blocked read. Failures that leave the worker in
an unknown state (crashes, timeouts, protocol violations, cancellation)
kill it; a frame the decoder could not decode does not.

Frame buffers arrive as memfds. They are sealed and mapped read-only
before any reported geometry is checked against the mapped size.
*/
package session
