// Package loadbalancer selects one healthy instance from a discovery cache
// snapshot for a service, using round-robin, weighted round-robin, random,
// or least-in-flight.
package loadbalancer

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"meshctl/internal/core"
	"meshctl/pkg/errors"
)

// Balancer selects one instance from a candidate list. Implementations
// receive only healthy instances; an empty list means no healthy instance
// exists for the service.
type Balancer interface {
	Select(instances []*core.InstanceRecord) (*core.InstanceRecord, error)
}

func errNoHealthy() error {
	return errors.NewError(errors.ErrorTypeUnavailable, "no healthy instances")
}

// selectable drops weight-0 instances: a weight of 0 means "registered but
// do not select", binding on every strategy below, not just the weighted
// ones.
func selectable(instances []*core.InstanceRecord) []*core.InstanceRecord {
	out := make([]*core.InstanceRecord, 0, len(instances))
	for _, inst := range instances {
		if inst.Weight == 0 {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// RoundRobinBalancer cycles through candidates in list order.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

func (b *RoundRobinBalancer) Select(instances []*core.InstanceRecord) (*core.InstanceRecord, error) {
	instances = selectable(instances)
	if len(instances) == 0 {
		return nil, errNoHealthy()
	}
	idx := b.counter.Add(1) % uint64(len(instances))
	return instances[idx], nil
}

// weightedEntry tracks smooth-weighted-round-robin bookkeeping per instance.
type weightedEntry struct {
	instanceID    string
	weight        int
	currentWeight int
}

// WeightedRoundRobinBalancer implements Nginx-style smooth weighted
// round-robin: each tick every entry's current weight grows by its
// configured weight, the highest current weight is picked, then reduced by
// the total weight.
type WeightedRoundRobinBalancer struct {
	mu      sync.Mutex
	entries map[string]*weightedEntry
}

func NewWeightedRoundRobinBalancer() *WeightedRoundRobinBalancer {
	return &WeightedRoundRobinBalancer{entries: make(map[string]*weightedEntry)}
}

func weightOf(inst *core.InstanceRecord) int {
	if inst.Weight > 0 {
		return inst.Weight
	}
	return 1
}

func (b *WeightedRoundRobinBalancer) Select(instances []*core.InstanceRecord) (*core.InstanceRecord, error) {
	instances = selectable(instances)
	if len(instances) == 0 {
		return nil, errNoHealthy()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	live := make(map[string]bool, len(instances))
	total := 0
	var selected *weightedEntry
	var selectedInstance *core.InstanceRecord

	for _, inst := range instances {
		live[inst.InstanceID] = true
		w := weightOf(inst)

		e, ok := b.entries[inst.InstanceID]
		if !ok {
			e = &weightedEntry{instanceID: inst.InstanceID, weight: w}
			b.entries[inst.InstanceID] = e
		}
		e.weight = w
		e.currentWeight += w
		total += w

		if selected == nil || e.currentWeight > selected.currentWeight {
			selected = e
			selectedInstance = inst
		}
	}

	for id := range b.entries {
		if !live[id] {
			delete(b.entries, id)
		}
	}

	selected.currentWeight -= total
	return selectedInstance, nil
}

// RandomBalancer picks uniformly at random among candidates weighted by
// their configured weight.
type RandomBalancer struct{}

func NewRandomBalancer() *RandomBalancer {
	return &RandomBalancer{}
}

func (b *RandomBalancer) Select(instances []*core.InstanceRecord) (*core.InstanceRecord, error) {
	instances = selectable(instances)
	if len(instances) == 0 {
		return nil, errNoHealthy()
	}

	total := 0
	for _, inst := range instances {
		total += weightOf(inst)
	}

	target := rand.IntN(total)
	running := 0
	for _, inst := range instances {
		running += weightOf(inst)
		if target < running {
			return inst, nil
		}
	}
	return instances[len(instances)-1], nil
}

// LeastInFlightBalancer tracks per-instance in-flight request counts and
// always picks the instance with the fewest outstanding requests. Callers
// must call Release once the selected instance's request completes.
type LeastInFlightBalancer struct {
	mu        sync.Mutex
	inFlight  map[string]*atomic.Int64
	rrCounter atomic.Uint64
}

func NewLeastInFlightBalancer() *LeastInFlightBalancer {
	return &LeastInFlightBalancer{inFlight: make(map[string]*atomic.Int64)}
}

func (b *LeastInFlightBalancer) counterFor(id string) *atomic.Int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.inFlight[id]
	if !ok {
		c = &atomic.Int64{}
		b.inFlight[id] = c
	}
	return c
}

// Select picks the instance with the fewest outstanding requests. Ties at
// the minimum are broken by round-robin rather than always favoring the
// first tied instance in list order, so that under sustained ties (e.g.
// all instances idle) load still rotates across every candidate.
func (b *LeastInFlightBalancer) Select(instances []*core.InstanceRecord) (*core.InstanceRecord, error) {
	instances = selectable(instances)
	if len(instances) == 0 {
		return nil, errNoHealthy()
	}

	var min int64 = -1
	tied := make([]*core.InstanceRecord, 0, len(instances))

	for _, inst := range instances {
		count := b.counterFor(inst.InstanceID).Load()
		switch {
		case min == -1 || count < min:
			min = count
			tied = tied[:0]
			tied = append(tied, inst)
		case count == min:
			tied = append(tied, inst)
		}
	}

	idx := b.rrCounter.Add(1) % uint64(len(tied))
	selected := tied[idx]

	b.counterFor(selected.InstanceID).Add(1)
	return selected, nil
}

// Release decrements the in-flight counter for instanceID once its request
// has completed. Safe to call even if Select was never called for this id.
func (b *LeastInFlightBalancer) Release(instanceID string) {
	b.counterFor(instanceID).Add(-1)
}

// InFlight returns the current outstanding-request count for instanceID.
func (b *LeastInFlightBalancer) InFlight(instanceID string) int64 {
	return b.counterFor(instanceID).Load()
}

// Releaser is satisfied by balancers that track per-request state (today
// only LeastInFlightBalancer) and must be notified when a selected
// instance's request has completed. Callers select via Balancer.Select and
// should check for this interface to release afterward.
type Releaser interface {
	Release(instanceID string)
}
