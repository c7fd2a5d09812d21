package glow

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"glowkeeper/internal/telemetry"
	"glowkeeper/logging"
	loggingglow "glowkeeper/logging/glow"
)

// DefaultExpiry is how long a viewer's glow set may go untouched before a
// sweep considers it idle.
const DefaultExpiry = 10 * time.Hour

// StoreConfig tunes a Store.
type StoreConfig struct {
	Expiry    time.Duration
	Clock     logging.Clock
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

// Store records, per viewer, the entities that viewer perceives as glowing.
// It is the only writer of that mapping.
//
// Readers share an RWMutex read lock and refresh the viewer's access time
// atomically; writers, sweeps and disconnects take the write lock so a
// disconnect can never be undone by a concurrent sweep refresh.
type Store struct {
	mu       sync.RWMutex
	viewers  map[string]*viewerRow
	online   map[string]struct{}
	// departed holds disconnect times of viewers that have not reconnected.
	// Add refuses them; sweeps prune entries older than the expiry.
	departed map[string]time.Time

	expiry    time.Duration
	clock     logging.Clock
	publisher logging.Publisher
	metrics   telemetry.Metrics
}

type viewerRow struct {
	entities   map[string]struct{}
	lastAccess atomic.Int64
}

func (r *viewerRow) touch(now time.Time) {
	r.lastAccess.Store(now.UnixNano())
}

func (r *viewerRow) accessedAt() time.Time {
	return time.Unix(0, r.lastAccess.Load())
}

// NewStore constructs an empty store.
func NewStore(cfg StoreConfig) *Store {
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Store{
		viewers:   make(map[string]*viewerRow),
		online:    make(map[string]struct{}),
		departed:  make(map[string]time.Time),
		expiry:    expiry,
		clock:     clock,
		publisher: publisher,
		metrics:   metrics,
	}
}

// Expiry reports the inactivity threshold.
func (s *Store) Expiry() time.Duration {
	return s.expiry
}

// IsSet reports whether viewer currently perceives entity as glowing.
func (s *Store) IsSet(viewer, entity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.viewers[viewer]
	if !ok {
		return false
	}
	row.touch(s.clock.Now())
	_, ok = row.entities[entity]
	return ok
}

// Add records entity as glowing for viewer. Adding an existing pair only
// refreshes the viewer's access time. It reports false, recording nothing,
// when viewer has disconnected and not reconnected since.
func (s *Store) Add(viewer, entity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, gone := s.departed[viewer]; gone {
		return false
	}
	row, ok := s.viewers[viewer]
	if !ok {
		row = &viewerRow{entities: make(map[string]struct{})}
		s.viewers[viewer] = row
		s.metrics.Store(telemetry.MetricGlowingViewers, uint64(len(s.viewers)))
	}
	row.entities[entity] = struct{}{}
	row.touch(s.clock.Now())
	return true
}

// Remove clears the pair and drops the viewer's row once it is empty.
// Removing an absent pair is a no-op.
func (s *Store) Remove(viewer, entity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.viewers[viewer]
	if !ok {
		return
	}
	delete(row.entities, entity)
	if len(row.entities) == 0 {
		delete(s.viewers, viewer)
		s.metrics.Store(telemetry.MetricGlowingViewers, uint64(len(s.viewers)))
		return
	}
	row.touch(s.clock.Now())
}

// EntitiesFor returns the sorted entities glowing for viewer. Unknown viewers
// yield an empty, non-nil slice.
func (s *Store) EntitiesFor(viewer string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.viewers[viewer]
	if !ok {
		return []string{}
	}
	row.touch(s.clock.Now())
	return sortedKeys(row.entities)
}

// ViewersFor scans every row for viewers that perceive entity as glowing.
func (s *Store) ViewersFor(entity string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	viewers := make([]string, 0)
	for viewer, row := range s.viewers {
		if _, ok := row.entities[entity]; ok {
			viewers = append(viewers, viewer)
		}
	}
	sort.Strings(viewers)
	return viewers
}

// Snapshot deep-copies the whole mapping under a single read lock.
func (s *Store) Snapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string][]string, len(s.viewers))
	for viewer, row := range s.viewers {
		snapshot[viewer] = sortedKeys(row.entities)
	}
	return snapshot
}

// ViewerConnected marks viewer as online so sweeps retain its row.
func (s *Store) ViewerConnected(viewer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[viewer] = struct{}{}
	delete(s.departed, viewer)
}

// ViewerDisconnected drops the viewer's row unconditionally and keeps later
// Adds for it from recreating one until it reconnects.
func (s *Store) ViewerDisconnected(viewer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.online, viewer)
	s.departed[viewer] = s.clock.Now()
	if _, ok := s.viewers[viewer]; ok {
		delete(s.viewers, viewer)
		s.metrics.Store(telemetry.MetricGlowingViewers, uint64(len(s.viewers)))
	}
}

// Online reports whether the lifecycle feed considers viewer connected.
func (s *Store) Online(viewer string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[viewer]
	return ok
}

// SweepOutcome records what a sweep did to one viewer's row.
type SweepOutcome struct {
	Viewer   string
	Entities int
}

// SweepResult lists the rows a sweep evicted and the rows it re-armed.
type SweepResult struct {
	Expired   []SweepOutcome
	Refreshed []SweepOutcome
}

// SweepExpired evicts rows idle for longer than the expiry threshold. Rows
// belonging to connected viewers are refreshed instead of evicted.
func (s *Store) SweepExpired(now time.Time) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SweepResult
	for viewer, row := range s.viewers {
		if now.Sub(row.accessedAt()) <= s.expiry {
			continue
		}
		outcome := SweepOutcome{Viewer: viewer, Entities: len(row.entities)}
		if _, ok := s.online[viewer]; ok {
			row.touch(now)
			result.Refreshed = append(result.Refreshed, outcome)
			continue
		}
		delete(s.viewers, viewer)
		result.Expired = append(result.Expired, outcome)
	}
	for viewer, at := range s.departed {
		if now.Sub(at) > s.expiry {
			delete(s.departed, viewer)
		}
	}
	if len(result.Expired) > 0 {
		s.metrics.Store(telemetry.MetricGlowingViewers, uint64(len(s.viewers)))
	}
	return result
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.expiry / 10
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndReport(ctx)
		}
	}
}

func (s *Store) sweepAndReport(ctx context.Context) SweepResult {
	result := s.SweepExpired(s.clock.Now())
	for _, outcome := range result.Expired {
		loggingglow.Expired(ctx, s.publisher, outcome.Viewer, outcome.Entities)
	}
	for _, outcome := range result.Refreshed {
		loggingglow.Refreshed(ctx, s.publisher, outcome.Viewer, outcome.Entities)
	}
	s.metrics.Add(telemetry.MetricSweepExpired, uint64(len(result.Expired)))
	s.metrics.Add(telemetry.MetricSweepRefreshed, uint64(len(result.Refreshed)))
	return result
}

// ViewerStat summarises one row for diagnostics.
type ViewerStat struct {
	Viewer     string
	Entities   int
	LastAccess time.Time
	Online     bool
}

// Stats lists every row sorted by viewer.
func (s *Store) Stats() []ViewerStat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]ViewerStat, 0, len(s.viewers))
	for viewer, row := range s.viewers {
		_, online := s.online[viewer]
		stats = append(stats, ViewerStat{
			Viewer:     viewer,
			Entities:   len(row.entities),
			LastAccess: row.accessedAt(),
			Online:     online,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Viewer < stats[j].Viewer })
	return stats
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
