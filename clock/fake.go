package clock

import (
	"sync"
	"time"
)

type waiter struct {
	deadline time.Time
	interval time.Duration
	ch       chan time.Time
	stopped  bool
}

// Fake is a Clock whose time only moves when Advance is called. Timers and
// tickers registered against it fire synchronously inside Advance.
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current time.Time
	waiters []*waiter
}

func NewFake(initial time.Time) *Fake {
	f := &Fake{current: initial}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) CurrentTimeMs() uint64 {
	return uint64(f.Now().UnixMilli())
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	return f.add(d, 0).ch
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	w := f.add(d, d)
	return &Ticker{C: w.ch, stopFunc: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.stopped = true
		f.prune()
	}}
}

// Advance moves the clock forward and fires every waiter whose deadline has
// passed. A ticker fires at most once per call, like a slow reader of a
// time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
	for _, w := range f.waiters {
		if w.stopped || w.deadline.After(f.current) {
			continue
		}
		select {
		case w.ch <- f.current:
		default:
		}
		if w.interval == 0 {
			w.stopped = true
			continue
		}
		for !w.deadline.After(f.current) {
			w.deadline = w.deadline.Add(w.interval)
		}
	}
	f.prune()
}

// WaitForWaiters blocks until at least n timers or tickers are registered.
// Tests use it to sync with goroutines that arm the clock asynchronously.
func (f *Fake) WaitForWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.waiters) < n {
		f.cond.Wait()
	}
}

func (f *Fake) add(d, interval time.Duration) *waiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &waiter{
		deadline: f.current.Add(d),
		interval: interval,
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 && interval == 0 {
		w.ch <- f.current
		return w
	}
	f.waiters = append(f.waiters, w)
	f.cond.Broadcast()
	return w
}

func (f *Fake) prune() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(f.waiters); i++ {
		f.waiters[i] = nil
	}
	f.waiters = live
}
