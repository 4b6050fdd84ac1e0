// Package discovery implements a process-local, eventually-consistent
// mirror of the registry's Instance Store, converged by an incremental
// pull loop and a best-effort WebSocket push feed.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meshctl/internal/core"
	"meshctl/internal/taskgroup"
)

// Config configures the cache's convergence behavior.
type Config struct {
	RegistryURL        string
	SyncInterval       time.Duration
	BatchInterval      time.Duration
	BatchMaxQueueDepth int
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Second
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 100 * time.Millisecond
	}
	if c.BatchMaxQueueDepth <= 0 {
		c.BatchMaxQueueDepth = 100
	}
	return c
}

// Cache is the Discovery Cache. Construct with New, call Start to launch
// its background loops, and Stop to tear them down.
type Cache struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	group  *taskgroup.Group

	mu             sync.RWMutex
	instances      map[string]*core.InstanceRecord
	byService      map[string]map[string]struct{}
	appliedVersion map[string]uint64 // highest event version ever applied per instance id
	localVersion   uint64

	subMu       sync.Mutex
	subscribers map[string][]func()
	healthySnap map[string][]string

	queue chan core.ServiceChangeEvent
	flush chan struct{}
}

// New builds a not-yet-started Cache.
func New(cfg Config, logger *slog.Logger) *Cache {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:            cfg,
		client:         &http.Client{Timeout: 10 * time.Second},
		logger:         logger.With("component", "discoverycache"),
		instances:      make(map[string]*core.InstanceRecord),
		byService:      make(map[string]map[string]struct{}),
		appliedVersion: make(map[string]uint64),
		subscribers:    make(map[string][]func()),
		healthySnap:    make(map[string][]string),
		queue:          make(chan core.ServiceChangeEvent, 4096),
		flush:          make(chan struct{}, 1),
	}
}

// Start launches the pull loop, the push-receive loop and the batch
// applier. An initial synchronous pull seeds local state before returning.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.pullOnce(ctx); err != nil {
		c.logger.Warn("initial sync failed, starting empty", "error", err)
	}

	c.group = taskgroup.New()
	c.group.Ticker(c.cfg.SyncInterval, func() {
		pullCtx, cancel := context.WithTimeout(context.Background(), c.cfg.SyncInterval)
		defer cancel()
		if err := c.pullOnce(pullCtx); err != nil {
			c.logger.Debug("pull failed", "error", err)
		}
	})
	c.group.Go(c.pushLoop)
	c.group.Go(c.batchApplierLoop)
	return nil
}

// Stop tears down every background loop.
func (c *Cache) Stop() {
	if c.group != nil {
		c.group.Stop()
	}
}

// Discover returns the current local view for a service, optionally
// filtered to healthy instances. Never blocks on the network.
func (c *Cache) Discover(serviceName string, healthyOnly bool) []*core.InstanceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.byService[serviceName]
	out := make([]*core.InstanceRecord, 0, len(ids))
	for id := range ids {
		inst := c.instances[id]
		if inst == nil {
			continue
		}
		if healthyOnly && inst.Status != core.StatusHealthy {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// Pick applies a load balancer's Select to the current healthy candidate
// set for a service. Returns nil if there are none.
func (c *Cache) Pick(serviceName string, selector func([]*core.InstanceRecord) (*core.InstanceRecord, error)) (*core.InstanceRecord, error) {
	candidates := c.Discover(serviceName, true)
	return selector(candidates)
}

// Subscribe registers a callback invoked whenever the healthy instance set
// for serviceName changes.
func (c *Cache) Subscribe(serviceName string, callback func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers[serviceName] = append(c.subscribers[serviceName], callback)
}

// LocalVersion returns the local version cursor. Both pulls and applied push
// batches advance it.
func (c *Cache) LocalVersion() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localVersion
}

type changesResponse struct {
	Version        uint64                 `json:"version"`
	AddedOrUpdated []*core.InstanceRecord `json:"addedOrUpdated"`
	Removed        []string               `json:"removed"`
	FullReset      bool                   `json:"fullReset"`
}

func (c *Cache) pullOnce(ctx context.Context) error {
	since := c.LocalVersion()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.RegistryURL+"/api/registry/changes?sinceVersion="+strconv.FormatUint(since, 10), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return err
	}

	if parsed.FullReset {
		return c.fullResync(ctx, parsed.Version)
	}

	changed := c.applyBatch(parsed.AddedOrUpdated, parsed.Removed, parsed.Version)
	c.setVersion(parsed.Version)
	c.notify(changed)
	return nil
}

// fullResync discards local state and rebuilds it from a full snapshot,
// used when the pull cursor falls behind the feed's retention window.
// currentVersion is the version the /changes call that triggered this
// already reported; individual InstanceRecords don't carry their own
// version over the wire, so the cursor can only be recovered from the
// caller-supplied value.
func (c *Cache) fullResync(ctx context.Context, currentVersion uint64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.RegistryURL+"/api/registry/instances", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var all []*core.InstanceRecord
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return err
	}

	c.mu.Lock()
	c.instances = make(map[string]*core.InstanceRecord, len(all))
	c.byService = make(map[string]map[string]struct{})
	c.appliedVersion = make(map[string]uint64, len(all))
	for _, inst := range all {
		c.instances[inst.InstanceID] = inst
		c.addToServiceSetLocked(inst.ServiceName, inst.InstanceID)
		c.appliedVersion[inst.InstanceID] = currentVersion
	}
	if currentVersion > c.localVersion {
		c.localVersion = currentVersion
	}
	changedServices := c.allServiceNamesLocked()
	c.mu.Unlock()

	c.logger.Info("full resync completed", "instances", len(all), "version", currentVersion)
	c.notify(changedServices)
	return nil
}

// applyBatch applies a pull response, which is authoritative as of version:
// it never regresses an instance a push frame has already advanced past.
func (c *Cache) applyBatch(upserts []*core.InstanceRecord, removed []string, version uint64) map[string]bool {
	changed := make(map[string]bool)

	c.mu.Lock()
	for _, rec := range upserts {
		if applied, ok := c.appliedVersion[rec.InstanceID]; ok && applied > version {
			continue
		}
		if old, ok := c.instances[rec.InstanceID]; ok && old.ServiceName != rec.ServiceName {
			c.removeFromServiceSetLocked(old.ServiceName, rec.InstanceID)
			changed[old.ServiceName] = true
		}
		c.instances[rec.InstanceID] = rec
		c.addToServiceSetLocked(rec.ServiceName, rec.InstanceID)
		c.appliedVersion[rec.InstanceID] = version
		changed[rec.ServiceName] = true
	}
	for _, id := range removed {
		if applied, ok := c.appliedVersion[id]; ok && applied > version {
			continue
		}
		if old, ok := c.instances[id]; ok {
			delete(c.instances, id)
			c.removeFromServiceSetLocked(old.ServiceName, id)
			changed[old.ServiceName] = true
		}
		c.appliedVersion[id] = version
	}
	c.mu.Unlock()

	return changed
}

// applyPushBatch applies a drained batch of push events, keyed by instance
// id with only the highest-version event per id surviving the drain. Each
// event is additionally checked against appliedVersion so that an event
// superseded by one already applied in an earlier batch can never regress
// the cached record, not just one superseded within the same batch.
func (c *Cache) applyPushBatch(events map[string]core.ServiceChangeEvent) map[string]bool {
	changed := make(map[string]bool)

	c.mu.Lock()
	for id, evt := range events {
		if applied, ok := c.appliedVersion[id]; ok && applied >= evt.Version {
			continue
		}
		switch evt.Kind {
		case core.EventUpsert:
			rec := evt.Record
			if old, ok := c.instances[id]; ok && old.ServiceName != rec.ServiceName {
				c.removeFromServiceSetLocked(old.ServiceName, id)
				changed[old.ServiceName] = true
			}
			c.instances[id] = rec
			c.addToServiceSetLocked(rec.ServiceName, id)
			changed[rec.ServiceName] = true
		case core.EventRemove:
			if old, ok := c.instances[id]; ok {
				delete(c.instances, id)
				c.removeFromServiceSetLocked(old.ServiceName, id)
				changed[old.ServiceName] = true
			}
		}
		c.appliedVersion[id] = evt.Version
	}
	c.mu.Unlock()

	return changed
}

func (c *Cache) addToServiceSetLocked(serviceName, instanceID string) {
	set, ok := c.byService[serviceName]
	if !ok {
		set = make(map[string]struct{})
		c.byService[serviceName] = set
	}
	set[instanceID] = struct{}{}
}

func (c *Cache) removeFromServiceSetLocked(serviceName, instanceID string) {
	set, ok := c.byService[serviceName]
	if !ok {
		return
	}
	delete(set, instanceID)
	if len(set) == 0 {
		delete(c.byService, serviceName)
	}
}

func (c *Cache) allServiceNamesLocked() map[string]bool {
	names := make(map[string]bool, len(c.byService))
	for name := range c.byService {
		names[name] = true
	}
	return names
}

func (c *Cache) setVersion(v uint64) {
	c.mu.Lock()
	if v > c.localVersion {
		c.localVersion = v
	}
	c.mu.Unlock()
}

// notify diffs each changed service's healthy id set against its last
// known snapshot and fires subscriber callbacks only when it actually
// differs.
func (c *Cache) notify(changedServices map[string]bool) {
	if len(changedServices) == 0 {
		return
	}

	for serviceName := range changedServices {
		healthy := c.healthyIDsSorted(serviceName)

		c.subMu.Lock()
		prev := c.healthySnap[serviceName]
		if sameIDs(prev, healthy) {
			c.subMu.Unlock()
			continue
		}
		c.healthySnap[serviceName] = healthy
		callbacks := append([]func(){}, c.subscribers[serviceName]...)
		c.subMu.Unlock()

		for _, cb := range callbacks {
			cb()
		}
	}
}

func (c *Cache) healthyIDsSorted(serviceName string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.byService[serviceName]))
	for id := range c.byService[serviceName] {
		if inst := c.instances[id]; inst != nil && inst.Status == core.StatusHealthy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// pushLoop dials the registry's /ws/registry feed and forwards every frame
// onto the bounded queue for the batch applier to drain. Best-effort: if
// the connection drops or the queue is full, events are dropped and the
// next pull reconciles.
func (c *Cache) pushLoop(stopCh <-chan struct{}) {
	wsURL, err := toWebSocketURL(c.cfg.RegistryURL)
	if err != nil {
		c.logger.Warn("invalid registry URL for push feed", "error", err)
		return
	}

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			c.logger.Debug("push feed dial failed, relying on pull", "error", err)
			select {
			case <-time.After(c.cfg.SyncInterval):
				continue
			case <-stopCh:
				return
			}
		}

		c.readPushFrames(conn, stopCh)
		conn.Close()
	}
}

func (c *Cache) readPushFrames(conn *websocket.Conn, stopCh <-chan struct{}) {
	closed := make(chan struct{})
	go func() {
		select {
		case <-stopCh:
			conn.Close()
		case <-closed:
		}
	}()
	defer close(closed)

	for {
		var evt core.ServiceChangeEvent
		if err := conn.ReadJSON(&evt); err != nil {
			return
		}

		select {
		case c.queue <- evt:
		default:
			c.logger.Debug("push queue full, dropping event", "instanceId", evt.InstanceID)
		}

		if len(c.queue) >= c.cfg.BatchMaxQueueDepth {
			select {
			case c.flush <- struct{}{}:
			default:
			}
		}
	}
}

// batchApplierLoop drains the push queue every BatchInterval (or sooner
// when signaled by a queue-depth breach), coalescing to the highest-version
// event per instance id within the drain and checking each against the
// version already applied for that id before committing it.
func (c *Cache) batchApplierLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.drainAndApply()
		case <-c.flush:
			c.drainAndApply()
		case <-stopCh:
			return
		}
	}
}

func (c *Cache) drainAndApply() {
	latest := make(map[string]core.ServiceChangeEvent)
drain:
	for {
		select {
		case evt := <-c.queue:
			if prior, ok := latest[evt.InstanceID]; !ok || evt.Version > prior.Version {
				latest[evt.InstanceID] = evt
			}
		default:
			break drain
		}
	}

	if len(latest) == 0 {
		return
	}

	var maxVersion uint64
	for _, evt := range latest {
		if evt.Version > maxVersion {
			maxVersion = evt.Version
		}
	}

	changed := c.applyPushBatch(latest)
	c.setVersion(maxVersion)
	c.notify(changed)
}

func toWebSocketURL(registryURL string) (string, error) {
	u, err := url.Parse(registryURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/registry"
	return u.String(), nil
}
