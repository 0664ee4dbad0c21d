package snapshotcache

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/domain/repository"
	"RevEngine/pkg/logger"
)

type seriesKey struct {
	source string
	symbol string
}

// series holds one (source, symbol) history ordered by timestamp ascending.
type series struct {
	mu    sync.RWMutex
	items []models.Snapshot
}

// Cache is the in-process market data cache. Writes to one series never
// block another; the top-level lock only guards the series index.
type Cache struct {
	retention    time.Duration
	maxPerSeries int
	now          func() time.Time
	mirror       repository.SnapshotMirror
	log          *logger.Logger

	mu     sync.RWMutex
	series map[seriesKey]*series
}

type Option func(*Cache)

// WithRetention drops snapshots older than d, relative to the clock, on
// every write to their series. Zero keeps everything.
func WithRetention(d time.Duration) Option {
	return func(c *Cache) { c.retention = d }
}

// WithMaxPerSeries caps each series; oldest snapshots go first.
func WithMaxPerSeries(n int) Option {
	return func(c *Cache) { c.maxPerSeries = n }
}

// WithMirror writes the latest snapshot through to m and reads from it when
// a series is unknown locally.
func WithMirror(m repository.SnapshotMirror) Option {
	return func(c *Cache) { c.mirror = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		retention:    24 * time.Hour,
		maxPerSeries: 1000,
		now:          time.Now,
		log:          logger.Nop(),
		series:       make(map[seriesKey]*series),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores snap, overwriting any snapshot with the same identity. A
// snapshot already outside the retention window is rejected with a
// *models.DataQualityError instead of being stored and evicted at once.
func (c *Cache) Put(ctx context.Context, snap models.Snapshot) error {
	if err := snap.ValidateIdentity(); err != nil {
		return err
	}
	if c.retention > 0 && snap.Timestamp.Before(c.now().Add(-c.retention)) {
		return &models.DataQualityError{Field: "timestamp", Reason: "outside retention", Snapshot: snap.Key()}
	}
	snap = snap.Clone()
	snap.Timestamp = snap.Timestamp.UTC()

	s := c.seriesFor(seriesKey{snap.Source, snap.Symbol}, true)

	s.mu.Lock()
	idx, found := slices.BinarySearchFunc(s.items, snap.Timestamp, func(e models.Snapshot, t time.Time) int {
		return e.Timestamp.Compare(t)
	})
	if found {
		s.items[idx] = snap
	} else {
		s.items = slices.Insert(s.items, idx, snap)
	}
	c.evictLocked(s)
	isLatest := len(s.items) > 0 && s.items[len(s.items)-1].Timestamp.Equal(snap.Timestamp)
	s.mu.Unlock()

	if isLatest && c.mirror != nil {
		if err := c.mirror.SetLatest(ctx, snap); err != nil {
			c.log.Warn("snapshot mirror write failed",
				logger.String("source", snap.Source),
				logger.String("symbol", snap.Symbol),
				logger.Error(err))
		}
	}
	return nil
}

// evictLocked drops snapshots outside the retention window and beyond the
// per-series cap. Caller holds s.mu.
func (c *Cache) evictLocked(s *series) {
	drop := 0
	if c.retention > 0 {
		cutoff := c.now().Add(-c.retention)
		for drop < len(s.items) && s.items[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if c.maxPerSeries > 0 && len(s.items)-drop > c.maxPerSeries {
		drop = len(s.items) - c.maxPerSeries
	}
	if drop > 0 {
		s.items = slices.Delete(s.items, 0, drop)
	}
}

// Get returns the most recent snapshot for (source, symbol).
func (c *Cache) Get(ctx context.Context, source, symbol string) (models.Snapshot, error) {
	if s := c.seriesFor(seriesKey{source, symbol}, false); s != nil {
		s.mu.RLock()
		n := len(s.items)
		var latest models.Snapshot
		if n > 0 {
			latest = s.items[n-1].Clone()
		}
		s.mu.RUnlock()
		if n > 0 {
			return latest, nil
		}
	}

	if c.mirror == nil {
		return models.Snapshot{}, models.ErrSnapshotNotFound
	}
	snap, err := c.mirror.GetLatest(ctx, source, symbol)
	if err != nil {
		if errors.Is(err, models.ErrSnapshotNotFound) {
			return models.Snapshot{}, err
		}
		c.log.Warn("snapshot mirror read failed",
			logger.String("source", source),
			logger.String("symbol", symbol),
			logger.Error(err))
		return models.Snapshot{}, models.ErrSnapshotNotFound
	}
	return snap, nil
}

// History yields up to limit snapshots for (source, symbol), newest first.
// Nothing is read until the sequence is ranged over, and every range sees
// the series as it is at that moment.
func (c *Cache) History(source, symbol string, limit int) iter.Seq[models.Snapshot] {
	return func(yield func(models.Snapshot) bool) {
		if limit <= 0 {
			return
		}
		s := c.seriesFor(seriesKey{source, symbol}, false)
		if s == nil {
			return
		}

		s.mu.RLock()
		n := min(limit, len(s.items))
		batch := make([]models.Snapshot, 0, n)
		for i := len(s.items) - 1; i >= len(s.items)-n; i-- {
			batch = append(batch, s.items[i].Clone())
		}
		s.mu.RUnlock()

		for _, snap := range batch {
			if !yield(snap) {
				return
			}
		}
	}
}

// Len reports how many snapshots are held for (source, symbol).
func (c *Cache) Len(source, symbol string) int {
	s := c.seriesFor(seriesKey{source, symbol}, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (c *Cache) seriesFor(k seriesKey, create bool) *series {
	c.mu.RLock()
	s, ok := c.series[k]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.series[k]; !ok {
		s = &series{}
		c.series[k] = s
	}
	return s
}
