package core

import "sync"

// Loop is the owner-goroutine mailbox. I/O goroutines Post closures;
// the owner runs them from Drain, so session and roster state is only
// ever touched by one goroutine.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post is safe from any goroutine.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

const maxDrainRounds = 4

// Drain runs queued closures on the caller, including ones posted while
// draining, up to maxDrainRounds batches. Returns how many ran.
func (l *Loop) Drain() int {
	n := 0
	for round := 0; round < maxDrainRounds; round++ {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
			n++
		}
	}
	return n
}

// Wake fires after a Post so an idle owner can drain early.
func (l *Loop) Wake() <-chan struct{} { return l.wake }

func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
