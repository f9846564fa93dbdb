// Package monitor runs the periodic background tasks of the pool, lease and
// transaction managers: one goroutine per loop, stopped explicitly.
package monitor

import (
	"sync"
	"time"
)

// Loop calls a function on a fixed interval until stopped.
type Loop struct {
	name     string
	interval time.Duration
	fn       func(now time.Time)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start launches fn every interval in a background goroutine. A non-positive
// interval returns a loop that never ticks; Stop is still safe to call.
func Start(name string, interval time.Duration, fn func(now time.Time)) *Loop {
	l := &Loop{
		name:     name,
		interval: interval,
		fn:       fn,
		stopCh:   make(chan struct{}),
	}
	if interval <= 0 || fn == nil {
		return l
	}

	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			l.fn(now)
		}
	}
}

// Name returns the loop name given at Start.
func (l *Loop) Name() string { return l.name }

// Interval returns the tick interval.
func (l *Loop) Interval() time.Duration { return l.interval }

// Stop signals the loop and waits for an in-flight tick to finish. Idempotent.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}
