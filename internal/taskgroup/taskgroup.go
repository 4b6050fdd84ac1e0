// Package taskgroup supervises a set of ticker-driven background loops
// that share a single stop signal.
package taskgroup

import (
	"sync"
	"time"
)

// Group runs a collection of loops and stops them all together.
type Group struct {
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
}

// New returns an empty, running Group.
func New() *Group {
	return &Group{stopCh: make(chan struct{})}
}

// Go runs fn in its own goroutine. fn must return when the group's stop
// channel closes.
func (g *Group) Go(fn func(stopCh <-chan struct{})) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.stopCh)
	}()
}

// Ticker runs fn every interval until the group stops.
func (g *Group) Ticker(interval time.Duration, fn func()) {
	g.Go(func(stopCh <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stopCh:
				return
			}
		}
	})
}

// Stop closes the stop channel and waits for every loop to return. Safe to
// call more than once.
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
}

// StopCh exposes the group's stop signal for loops that need to select on
// it directly alongside other channels.
func (g *Group) StopCh() <-chan struct{} {
	return g.stopCh
}
