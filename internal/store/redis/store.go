// Package redis implements the optional durable Instance Store: keys
// instance:{id} (TTL 5m, renewed by heartbeat), service:{name} (a set of
// ids) and a version counter, with change notifications over a pub/sub
// channel instance:changes. It satisfies the same store.Store contract as
// the in-memory implementation.
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"meshctl/internal/core"
	"meshctl/pkg/errors"
)

const (
	instanceTTL  = 5 * time.Minute
	changesTopic = "instance:changes"
	versionKey   = "version"

	// maxCASAttempts bounds the optimistic-concurrency retry loop every
	// write below runs: each attempt reads the current record, builds the
	// new value against that snapshot, then tries to commit it atomically
	// only if nothing else has touched the key meanwhile. A handful of
	// instances hammering heartbeats for the same ID is the only realistic
	// source of contention, so this is generous headroom, not a tight cap.
	maxCASAttempts = 8
)

// casWriteScript atomically compares the instance key's current raw value
// against what the caller last read (or, for a fresh register, asserts the
// key is still absent), and only then commits the write, touches the
// service-set index, and bumps the global version counter. Redis runs the
// whole script single-threaded, so this closes the exact Get-then-Set race
// window a plain sequence of commands leaves open.
//
// KEYS: [1] instance key, [2] version key
// ARGV: [1] "1" if the caller expects the key to already hold ARGV[2], "0"
// if the caller expects the key to be absent; [2] the expected current raw
// value (ignored when ARGV[1] is "0"); [3] "remove" or "upsert"; [4] the new
// raw value to store (ignored for "remove"); [5] TTL in seconds; [6] the
// service-set key to SREM from ("" to skip); [7] the service-set key to SADD
// to ("" to skip); [8] the instance ID to add/remove from those sets.
// Returns {0, 0} on a lost race, {1, newVersion} on success.
const casWriteScript = `
local instKey = KEYS[1]
local versionKey = KEYS[2]

local expectExists = ARGV[1]
local expectRaw = ARGV[2]
local op = ARGV[3]
local newValue = ARGV[4]
local ttl = tonumber(ARGV[5])
local oldServiceKey = ARGV[6]
local newServiceKey = ARGV[7]
local instanceID = ARGV[8]

local current = redis.call('GET', instKey)
if expectExists == '1' then
	if current == false or current ~= expectRaw then
		return {0, 0}
	end
else
	if current ~= false then
		return {0, 0}
	end
end

local version = redis.call('INCR', versionKey)

if op == 'remove' then
	redis.call('DEL', instKey)
else
	redis.call('SET', instKey, newValue, 'EX', ttl)
end

if oldServiceKey ~= '' then
	redis.call('SREM', oldServiceKey, instanceID)
end
if newServiceKey ~= '' then
	redis.call('SADD', newServiceKey, instanceID)
end

return {1, version}
`

// Store is the Redis-backed durable Instance Store.
type Store struct {
	client Client
}

// NewStore wraps a Client into a durable Instance Store.
func NewStore(client Client) *Store {
	return &Store{client: client}
}

func instanceKey(id string) string  { return "instance:" + id }
func serviceKey(name string) string { return "service:" + name }

// casWrite runs casWriteScript and reports whether the write committed and,
// if so, the version it committed at.
func (s *Store) casWrite(ctx context.Context, instKey string, expectExists bool, expectRaw, op, newValue string, ttl time.Duration, oldServiceKey, newServiceKey, instanceID string) (bool, uint64, error) {
	existsArg := "0"
	if expectExists {
		existsArg = "1"
	}
	res, err := s.client.Eval(ctx, casWriteScript, []string{instKey, versionKey},
		existsArg, expectRaw, op, newValue, strconv.Itoa(int(ttl/time.Second)), oldServiceKey, newServiceKey, instanceID)
	if err != nil {
		return false, 0, errors.Wrap(err, "running atomic write")
	}
	row, ok := res.([]interface{})
	if !ok || len(row) != 2 {
		return false, 0, errors.NewError(errors.ErrorTypeInternal, "unexpected script result").WithDetail("result", res)
	}
	committed, _ := toInt64(row[0])
	version, _ := toInt64(row[1])
	return committed == 1, uint64(version), nil
}

func toInt64(v interface{}) (int64, bool) {
	n, ok := v.(int64)
	return n, ok
}

func (s *Store) Upsert(ctx context.Context, rec *core.InstanceRecord) (uint64, error) {
	svcKey := serviceKey(rec.ServiceName)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, err := s.client.Get(ctx, instanceKey(rec.InstanceID))
		if err != nil {
			return 0, errors.Wrap(err, "reading existing instance")
		}
		existed := raw != ""
		oldSvcKey := ""
		if existed {
			var existing core.InstanceRecord
			if err := json.Unmarshal([]byte(raw), &existing); err == nil {
				if existing.ServiceName != rec.ServiceName {
					return 0, errors.NewError(errors.ErrorTypeConflict, "ServiceBindingChanged").
						WithDetail("instanceId", rec.InstanceID)
				}
			}
			oldSvcKey = svcKey
		}

		stored := rec.Clone()
		data, err := json.Marshal(stored)
		if err != nil {
			return 0, errors.Wrap(err, "encoding instance")
		}

		ok, version, err := s.casWrite(ctx, instanceKey(rec.InstanceID), existed, raw, "upsert", string(data), instanceTTL, oldSvcKey, svcKey, rec.InstanceID)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue // a concurrent writer touched this instance between our Get and the commit; retry against fresh state
		}

		stored.SetVersion(version)
		s.publish(ctx, core.ServiceChangeEvent{
			InstanceID:  stored.InstanceID,
			ServiceName: stored.ServiceName,
			Kind:        core.EventUpsert,
			Version:     version,
			Record:      stored,
		})
		return version, nil
	}
	return 0, errors.NewError(errors.ErrorTypeInternal, "ConcurrentWriteConflict").
		WithDetail("instanceId", rec.InstanceID)
}

func (s *Store) Remove(ctx context.Context, instanceID string) (bool, uint64, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, err := s.client.Get(ctx, instanceKey(instanceID))
		if err != nil {
			return false, 0, errors.Wrap(err, "reading instance")
		}
		if raw == "" {
			v, _ := s.Version(ctx)
			return false, v, nil
		}

		var rec core.InstanceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return false, 0, errors.Wrap(err, "decoding instance")
		}

		ok, version, err := s.casWrite(ctx, instanceKey(instanceID), true, raw, "remove", "", 0, serviceKey(rec.ServiceName), "", instanceID)
		if err != nil {
			return false, 0, err
		}
		if !ok {
			continue // the record changed (or was already removed) since our Get; reread and retry
		}

		s.publish(ctx, core.ServiceChangeEvent{
			InstanceID:  instanceID,
			ServiceName: rec.ServiceName,
			Kind:        core.EventRemove,
			Version:     version,
		})
		return true, version, nil
	}
	return false, 0, errors.NewError(errors.ErrorTypeInternal, "ConcurrentWriteConflict").
		WithDetail("instanceId", instanceID)
}

// Touch and SetStatus each read-mutate-write a single field through
// casWrite rather than delegating to Upsert: delegating would re-Get inside
// Upsert, widening rather than closing the race window a concurrent Remove
// can land in. Losing the CAS here means either a concurrent writer updated
// the same record (retry against its value) or a concurrent Remove deleted
// it out from under us — heartbeats and probes must never resurrect a
// deregistered instance — so a retry that finds the key gone correctly
// reports "not found" instead of recreating it.

func (s *Store) Touch(ctx context.Context, instanceID, serviceName string) (bool, error) {
	svcKey := serviceKey(serviceName)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, err := s.client.Get(ctx, instanceKey(instanceID))
		if err != nil {
			return false, errors.Wrap(err, "reading instance")
		}
		if raw == "" {
			return false, nil
		}
		var rec core.InstanceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return false, errors.Wrap(err, "decoding instance")
		}
		if rec.ServiceName != serviceName {
			return false, nil
		}

		rec.LastHeartbeat = time.Now().UTC()
		rec.Status = core.StatusHealthy
		data, err := json.Marshal(&rec)
		if err != nil {
			return false, errors.Wrap(err, "encoding instance")
		}

		ok, version, err := s.casWrite(ctx, instanceKey(instanceID), true, raw, "upsert", string(data), instanceTTL, svcKey, svcKey, instanceID)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		rec.SetVersion(version)
		s.publish(ctx, core.ServiceChangeEvent{
			InstanceID:  instanceID,
			ServiceName: serviceName,
			Kind:        core.EventUpsert,
			Version:     version,
			Record:      &rec,
		})
		return true, nil
	}
	return false, errors.NewError(errors.ErrorTypeInternal, "ConcurrentWriteConflict").
		WithDetail("instanceId", instanceID)
}

func (s *Store) SetStatus(ctx context.Context, instanceID string, status core.Status) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, err := s.client.Get(ctx, instanceKey(instanceID))
		if err != nil {
			return false, errors.Wrap(err, "reading instance")
		}
		if raw == "" {
			return false, nil
		}
		var rec core.InstanceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return false, errors.Wrap(err, "decoding instance")
		}
		if rec.Status == status {
			return true, nil
		}

		rec.Status = status
		data, err := json.Marshal(&rec)
		if err != nil {
			return false, errors.Wrap(err, "encoding instance")
		}

		svcKey := serviceKey(rec.ServiceName)
		ok, version, err := s.casWrite(ctx, instanceKey(instanceID), true, raw, "upsert", string(data), instanceTTL, svcKey, svcKey, instanceID)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		rec.SetVersion(version)
		s.publish(ctx, core.ServiceChangeEvent{
			InstanceID:  instanceID,
			ServiceName: rec.ServiceName,
			Kind:        core.EventUpsert,
			Version:     version,
			Record:      &rec,
		})
		return true, nil
	}
	return false, errors.NewError(errors.ErrorTypeInternal, "ConcurrentWriteConflict").
		WithDetail("instanceId", instanceID)
}

func (s *Store) Get(ctx context.Context, instanceID string) (*core.InstanceRecord, error) {
	raw, err := s.client.Get(ctx, instanceKey(instanceID))
	if err != nil {
		return nil, errors.Wrap(err, "reading instance")
	}
	if raw == "" {
		return nil, nil
	}
	var rec core.InstanceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, errors.Wrap(err, "decoding instance")
	}
	return &rec, nil
}

func (s *Store) ListByService(ctx context.Context, serviceName string) ([]*core.InstanceRecord, error) {
	ids, err := s.client.SMembers(ctx, serviceKey(serviceName))
	if err != nil {
		return nil, errors.Wrap(err, "listing service index")
	}
	out := make([]*core.InstanceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListAll is a best-effort scan: the durable backend indexes by service
// name, not globally, so it walks every service index and fans out to
// ListByService rather than supporting a single direct lookup.
func (s *Store) ListAll(ctx context.Context) ([]*core.InstanceRecord, error) {
	names, err := s.ListAllNames(ctx)
	if err != nil {
		return nil, err
	}
	var out []*core.InstanceRecord
	for _, name := range names {
		recs, err := s.ListByService(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// ListAllNames scans every service:{name} index key rather than
// ListAll's "walk every record" approach.
func (s *Store) ListAllNames(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, "service:*")
	if err != nil {
		return nil, errors.Wrap(err, "scanning service index keys")
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k[len("service:"):])
	}
	return names, nil
}

// ListExpired always returns empty: the durable backend relies on Redis's
// own TTL to evict stale instance keys, so there is nothing left for the
// reaper's evict sweep to find.
func (s *Store) ListExpired(ctx context.Context, threshold time.Duration, now time.Time) ([]*core.InstanceRecord, error) {
	return nil, nil
}

func (s *Store) Version(ctx context.Context) (uint64, error) {
	raw, err := s.client.Get(ctx, versionKey)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.NewError(errors.ErrorTypeInternal, "invalid version value").WithCause(err)
	}
	return v, nil
}

func (s *Store) Subscribe(listener func(core.ServiceChangeEvent)) {
	ctx := context.Background()
	msgs, _ := s.client.Subscribe(ctx, changesTopic)
	go func() {
		for payload := range msgs {
			var evt core.ServiceChangeEvent
			if err := json.Unmarshal([]byte(payload), &evt); err == nil {
				listener(evt)
			}
		}
	}()
}

func (s *Store) publish(ctx context.Context, evt core.ServiceChangeEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = s.client.Publish(ctx, changesTopic, string(data))
}

func (s *Store) Close() error {
	return s.client.Close()
}
