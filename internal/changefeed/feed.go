// Package changefeed maintains an ordered log of instance mutations with
// both a pull interface (changes since a version) and a best-effort push
// interface (subscriber fan-out).
package changefeed

import (
	"sync"

	"meshctl/internal/core"
	"meshctl/internal/store"
)

// subscriberBuffer is the bounded per-subscriber channel depth. A full
// buffer means the subscriber is slow; the feed drops further sends for it
// rather than blocking, and the subscriber is expected to reconcile by
// pulling.
const subscriberBuffer = 64

// Feed observes a store.Store's mutations and serves both delivery modes.
type Feed struct {
	st store.Store

	mu        sync.RWMutex
	retention int
	log       []core.ServiceChangeEvent // ordered by version, bounded by retention
	oldest    uint64
	truncated bool // true once retention has ever dropped an entry

	subMu  sync.Mutex
	subs   map[int]chan core.ServiceChangeEvent
	nextID int

	onDrop func() // optional hook for metrics, called whenever a push is dropped
}

// New attaches a Feed to a store, subscribing to its mutation stream.
// retention bounds how many historical events the pull log keeps; once a
// caller's requested version falls before the oldest retained entry,
// ChangesSince reports fullReset with no records and the caller must re-sync
// from a full snapshot and reset its cursor.
func New(st store.Store, retention int) *Feed {
	if retention <= 0 {
		retention = 1000
	}
	f := &Feed{
		st:        st,
		retention: retention,
		subs:      make(map[int]chan core.ServiceChangeEvent),
	}
	st.Subscribe(f.onEvent)
	return f
}

// OnDrop registers fn to be called every time fanOut drops an event for a
// slow subscriber, mirroring circuitbreaker.Config's OnStateChange hook.
func (f *Feed) OnDrop(fn func()) {
	f.onDrop = fn
}

func (f *Feed) onEvent(evt core.ServiceChangeEvent) {
	f.mu.Lock()
	f.log = append(f.log, evt)
	if len(f.log) > f.retention {
		drop := len(f.log) - f.retention
		f.log = f.log[drop:]
		f.truncated = true
	}
	if len(f.log) > 0 {
		f.oldest = f.log[0].Version
	}
	f.mu.Unlock()

	f.fanOut(evt)
}

func (f *Feed) fanOut(evt core.ServiceChangeEvent) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber: drop. It reconciles via ChangesSince.
			if f.onDrop != nil {
				f.onDrop()
			}
		}
	}
}

// ChangesSince returns the current version plus, for every id mutated
// since v, its latest record (or a removal marker). Coalescing happens here
// by keeping only the newest event per id among those with version > v.
//
// If v is older than the oldest retained version, fullReset is true and
// the caller must discard its cursor and re-sync from a full snapshot.
func (f *Feed) ChangesSince(v uint64) (current uint64, upserts []*core.InstanceRecord, removed []string, fullReset bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.truncated && v < f.oldest {
		return f.currentVersionLocked(), nil, nil, true
	}

	latest := make(map[string]core.ServiceChangeEvent)
	for _, evt := range f.log {
		if evt.Version <= v {
			continue
		}
		if prior, ok := latest[evt.InstanceID]; !ok || evt.Version > prior.Version {
			latest[evt.InstanceID] = evt
		}
	}

	for _, evt := range latest {
		switch evt.Kind {
		case core.EventUpsert:
			upserts = append(upserts, evt.Record)
		case core.EventRemove:
			removed = append(removed, evt.InstanceID)
		}
	}

	return f.currentVersionLocked(), upserts, removed, false
}

func (f *Feed) currentVersionLocked() uint64 {
	if len(f.log) == 0 {
		return f.oldest
	}
	return f.log[len(f.log)-1].Version
}

// Subscribe registers a push listener and returns a channel of events plus
// an unsubscribe function. Delivery is best-effort.
func (f *Feed) Subscribe() (<-chan core.ServiceChangeEvent, func()) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan core.ServiceChangeEvent, subscriberBuffer)
	f.subs[id] = ch

	unsubscribe := func() {
		f.subMu.Lock()
		defer f.subMu.Unlock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}
