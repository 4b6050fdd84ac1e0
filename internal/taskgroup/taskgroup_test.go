package taskgroup

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTickerFiresUntilStopped(t *testing.T) {
	g := New()
	var ticks int64
	g.Ticker(5*time.Millisecond, func() {
		atomic.AddInt64(&ticks, 1)
	})

	time.Sleep(40 * time.Millisecond)
	g.Stop()

	if atomic.LoadInt64(&ticks) == 0 {
		t.Fatal("expected at least one tick before stop")
	}

	afterStop := atomic.LoadInt64(&ticks)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&ticks) != afterStop {
		t.Error("ticker kept firing after Stop()")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	g := New()
	g.Go(func(stopCh <-chan struct{}) { <-stopCh })

	g.Stop()
	g.Stop() // must not panic on double close
}

func TestGoReturnsOnStop(t *testing.T) {
	g := New()
	done := make(chan struct{})
	g.Go(func(stopCh <-chan struct{}) {
		<-stopCh
		close(done)
	})

	g.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not observe stop signal")
	}
}
