package store

import (
	"context"
	"sync"
	"time"

	"meshctl/internal/core"
	"meshctl/pkg/errors"
)

// MemoryStore is the default, in-process Instance Store. It generalizes the
// map-of-maps-plus-RWMutex shape used for static service catalogs into a
// read-write authoritative store with a monotonic version counter and a
// secondary service-name index.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*core.InstanceRecord // instanceID -> record
	byService map[string]map[string]struct{}  // serviceName -> set of instanceID
	version   uint64

	listenersMu sync.RWMutex
	listeners   []func(core.ServiceChangeEvent)
}

// NewMemoryStore creates an empty in-memory Instance Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*core.InstanceRecord),
		byService: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Subscribe(listener func(core.ServiceChangeEvent)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *MemoryStore) emit(evt core.ServiceChangeEvent) {
	s.listenersMu.RLock()
	listeners := make([]func(core.ServiceChangeEvent), len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(evt)
	}
}

// Upsert inserts or updates a record, bumping the store version exactly
// once. Re-targeting an existing instance ID at a different service is
// rejected with ErrorTypeConflict.
func (s *MemoryStore) Upsert(ctx context.Context, rec *core.InstanceRecord) (uint64, error) {
	s.mu.Lock()

	if existing, ok := s.instances[rec.InstanceID]; ok && existing.ServiceName != rec.ServiceName {
		s.mu.Unlock()
		return 0, errors.NewError(errors.ErrorTypeConflict, "ServiceBindingChanged").
			WithDetail("instanceId", rec.InstanceID).
			WithDetail("existingService", existing.ServiceName).
			WithDetail("requestedService", rec.ServiceName)
	}

	s.version++
	stored := rec.Clone()
	stored.SetVersion(s.version)
	s.instances[stored.InstanceID] = stored

	set, ok := s.byService[stored.ServiceName]
	if !ok {
		set = make(map[string]struct{})
		s.byService[stored.ServiceName] = set
	}
	set[stored.InstanceID] = struct{}{}

	v := s.version
	evt := core.ServiceChangeEvent{
		InstanceID:  stored.InstanceID,
		ServiceName: stored.ServiceName,
		Kind:        core.EventUpsert,
		Version:     v,
		Record:      stored.Clone(),
	}
	s.mu.Unlock()

	s.emit(evt)
	return v, nil
}

// Remove deletes an instance. It is idempotent: removing an absent ID
// returns (false, currentVersion, nil) without mutating state.
func (s *MemoryStore) Remove(ctx context.Context, instanceID string) (bool, uint64, error) {
	s.mu.Lock()

	rec, ok := s.instances[instanceID]
	if !ok {
		v := s.version
		s.mu.Unlock()
		return false, v, nil
	}

	delete(s.instances, instanceID)
	if set, ok := s.byService[rec.ServiceName]; ok {
		delete(set, instanceID)
		if len(set) == 0 {
			delete(s.byService, rec.ServiceName)
		}
	}

	s.version++
	v := s.version
	evt := core.ServiceChangeEvent{
		InstanceID:  instanceID,
		ServiceName: rec.ServiceName,
		Kind:        core.EventRemove,
		Version:     v,
	}
	s.mu.Unlock()

	s.emit(evt)
	return true, v, nil
}

// Touch refreshes LastHeartbeat and raises Status to Healthy. It fails if
// the instance is absent or bound to a different service, preventing
// cross-service heartbeat poisoning.
func (s *MemoryStore) Touch(ctx context.Context, instanceID, serviceName string) (bool, error) {
	s.mu.Lock()

	rec, ok := s.instances[instanceID]
	if !ok || rec.ServiceName != serviceName {
		s.mu.Unlock()
		return false, nil
	}

	rec.LastHeartbeat = time.Now().UTC()
	rec.Status = core.StatusHealthy
	s.version++
	rec.SetVersion(s.version)

	v := s.version
	evt := core.ServiceChangeEvent{
		InstanceID:  rec.InstanceID,
		ServiceName: rec.ServiceName,
		Kind:        core.EventUpsert,
		Version:     v,
		Record:      rec.Clone(),
	}
	s.mu.Unlock()

	s.emit(evt)
	return true, nil
}

// SetStatus performs an idempotent status transition.
func (s *MemoryStore) SetStatus(ctx context.Context, instanceID string, status core.Status) (bool, error) {
	s.mu.Lock()

	rec, ok := s.instances[instanceID]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if rec.Status == status {
		s.mu.Unlock()
		return true, nil
	}

	rec.Status = status
	s.version++
	rec.SetVersion(s.version)

	v := s.version
	evt := core.ServiceChangeEvent{
		InstanceID:  rec.InstanceID,
		ServiceName: rec.ServiceName,
		Kind:        core.EventUpsert,
		Version:     v,
		Record:      rec.Clone(),
	}
	s.mu.Unlock()

	s.emit(evt)
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, instanceID string) (*core.InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.instances[instanceID]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// ListByService returns a snapshot; callers must not assume liveness.
func (s *MemoryStore) ListByService(ctx context.Context, serviceName string) ([]*core.InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byService[serviceName]
	out := make([]*core.InstanceRecord, 0, len(set))
	for id := range set {
		if rec, ok := s.instances[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAllNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.byService))
	for name := range s.byService {
		names = append(names, name)
	}
	return names, nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]*core.InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.InstanceRecord, 0, len(s.instances))
	for _, rec := range s.instances {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, threshold time.Duration, now time.Time) ([]*core.InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.InstanceRecord
	for _, rec := range s.instances {
		if now.Sub(rec.LastHeartbeat) > threshold {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Version(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}
