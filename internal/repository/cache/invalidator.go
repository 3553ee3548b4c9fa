// Package cache drops dataset-scoped derived cache entries after a cutover,
// so stale aggregates (source listings and the like) are not served against
// a new index generation.
package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type store interface {
	Scan(ctx context.Context, pattern string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
}

// Invalidator removes cached aggregates for a dataset.
type Invalidator struct {
	store  store
	prefix string
	logger *zap.Logger
}

// New creates an invalidator scoped to the given cache key prefix.
func New(s store, prefix string, logger *zap.Logger) *Invalidator {
	return &Invalidator{store: s, prefix: prefix, logger: logger}
}

// Invalidate drops every cache key scoped to the dataset.
func (i *Invalidator) Invalidate(ctx context.Context, dataset string) error {
	pattern := i.prefix + dataset + ":*"
	keys, err := i.store.Scan(ctx, pattern)
	if err != nil {
		return fmt.Errorf("scan cache keys for %s: %w", dataset, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := i.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("drop cache keys for %s: %w", dataset, err)
	}
	i.logger.Info("dataset caches invalidated",
		zap.String("dataset", dataset),
		zap.Int("keys", len(keys)),
	)
	return nil
}
