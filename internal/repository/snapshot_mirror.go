package repository

import (
	"context"
	"errors"
	"time"

	"RevEngine/internal/domain/models"
	"RevEngine/pkg/cache"
)

// CacheMirror keeps the latest snapshot per series in a cache.Service,
// Redis in production.
type CacheMirror struct {
	cache cache.Service
	ttl   time.Duration
}

func NewCacheMirror(c cache.Service, ttl time.Duration) *CacheMirror {
	return &CacheMirror{cache: c, ttl: ttl}
}

func latestKey(source, symbol string) string {
	return cache.Key("snapshot", "latest", source, symbol)
}

func (m *CacheMirror) SetLatest(ctx context.Context, snap models.Snapshot) error {
	return m.cache.Set(ctx, latestKey(snap.Source, snap.Symbol), snap, m.ttl)
}

func (m *CacheMirror) GetLatest(ctx context.Context, source, symbol string) (models.Snapshot, error) {
	var snap models.Snapshot
	if err := m.cache.Get(ctx, latestKey(source, symbol), &snap); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return models.Snapshot{}, models.ErrSnapshotNotFound
		}
		return models.Snapshot{}, err
	}
	return snap, nil
}
