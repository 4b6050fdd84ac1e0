// Package store implements the Instance Store: the authoritative,
// versioned catalog of service instances that every other control-plane
// component reads from or mutates through.
package store

import (
	"context"
	"time"

	"meshctl/internal/core"
)

// Store is the contract every Instance Store implementation (in-memory or
// durable) must satisfy. All operations are atomic with respect to each
// other; any mutation that changes observable state increments the global
// version exactly once and emits one event into the change feed before
// returning.
type Store interface {
	Upsert(ctx context.Context, rec *core.InstanceRecord) (uint64, error)
	Remove(ctx context.Context, instanceID string) (bool, uint64, error)
	Touch(ctx context.Context, instanceID, serviceName string) (bool, error)
	SetStatus(ctx context.Context, instanceID string, status core.Status) (bool, error)
	Get(ctx context.Context, instanceID string) (*core.InstanceRecord, error)
	ListByService(ctx context.Context, serviceName string) ([]*core.InstanceRecord, error)
	ListAllNames(ctx context.Context) ([]string, error)
	ListAll(ctx context.Context) ([]*core.InstanceRecord, error)
	// ListExpired returns every record whose LastHeartbeat is older than
	// the given threshold, measured against now. The Redis store always
	// returns none and leaves expiry to its key TTL.
	ListExpired(ctx context.Context, threshold time.Duration, now time.Time) ([]*core.InstanceRecord, error)
	Version(ctx context.Context) (uint64, error)

	// Subscribe registers a listener invoked every time a mutation emits an
	// event. The in-memory store calls it synchronously before the mutating
	// call returns; the Redis store calls it from a goroutine reading its
	// pub/sub channel. It is the seam the change feed hooks into; it must
	// never block for long.
	Subscribe(listener func(core.ServiceChangeEvent))
}
