package imgjail

import "sync"

// Loop runs continuations of the *Async methods one at a time on a single
// goroutine, in the order their results arrived.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoop starts a loop. Close stops it.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

var defaultLoop = sync.OnceValue(NewLoop)

// DefaultLoop returns the loop used when an *Async method is given nil.
// It is never closed.
func DefaultLoop() *Loop {
	return defaultLoop()
}

// Post queues fn. It returns false once the loop is closed, in which case
// fn never runs.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Close runs what is already queued and stops the loop. It must not be
// called from a continuation.
func (l *Loop) Close() {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	l.mu.Unlock()

	if !already {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch, closed := l.queue, l.closed
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

func resolveLoop(l *Loop) *Loop {
	if l == nil {
		return DefaultLoop()
	}
	return l
}
