/*
Package resilience quarantines decoders that keep failing.

# Overview

A decoder that crashes or violates the protocol on every input is either
broken or under attack. Each decoder executable gets a circuit breaker:
after enough consecutive unhealthy sessions the breaker opens and new
loads for that decoder fail fast until the timeout elapses, after which a
limited number of probe sessions decide whether to close it again.

# Usage

	set := resilience.NewSet(resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	b := set.Get(spec.Exec)
	ticket, err := b.Allow()
	if err != nil {
		return err
	}
	// ... run the session ...
	b.Record(ticket, !crashed)
*/
package resilience
