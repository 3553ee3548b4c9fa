// Package genstate persists index generation metadata and the per-dataset
// live pointer in the search store's keyspace.
package genstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	"github.com/kailas-cloud/datarefresh/internal/search"
)

// store is the consumer interface for the registry (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Repo is the generation registry.
type Repo struct {
	store  store
	prefix string
}

// New creates a registry using the given key prefix.
func New(s store, prefix string) *Repo {
	return &Repo{store: s, prefix: prefix}
}

func (r *Repo) genKey(dataset, id string) string {
	return r.prefix + "gen:" + dataset + ":" + id
}

func (r *Repo) aliasKey(dataset string) string {
	return r.prefix + "alias:" + dataset
}

// Put stores generation metadata, overwriting any previous record.
func (r *Repo) Put(ctx context.Context, gen domain.Generation) error {
	// Timestamps keep nanosecond precision: List orders newest-first by
	// created_at, and that ordering picks the rollback target.
	fields := map[string]string{
		"state":        string(gen.State),
		"created_at":   strconv.FormatInt(gen.CreatedAt.UnixNano(), 10),
		"record_count": strconv.Itoa(gen.RecordCount),
		"doc_count":    strconv.Itoa(gen.DocCount),
	}
	if !gen.RetiredAt.IsZero() {
		fields["retired_at"] = strconv.FormatInt(gen.RetiredAt.UnixNano(), 10)
	}
	if err := r.store.HSet(ctx, r.genKey(gen.Dataset, gen.ID), fields); err != nil {
		return fmt.Errorf("put generation %s/%s: %w", gen.Dataset, gen.ID, err)
	}
	return nil
}

// Get loads one generation's metadata.
func (r *Repo) Get(ctx context.Context, dataset, id string) (domain.Generation, error) {
	m, err := r.store.HGetAll(ctx, r.genKey(dataset, id))
	if err != nil {
		return domain.Generation{}, fmt.Errorf("get generation %s/%s: %w", dataset, id, err)
	}
	if len(m) == 0 {
		return domain.Generation{}, search.ErrKeyNotFound
	}
	return decode(dataset, id, m), nil
}

// List returns all recorded generations for a dataset, newest first.
func (r *Repo) List(ctx context.Context, dataset string) ([]domain.Generation, error) {
	keys, err := r.store.Scan(ctx, r.genKey(dataset, "*"))
	if err != nil {
		return nil, fmt.Errorf("scan generations for %s: %w", dataset, err)
	}

	out := make([]domain.Generation, 0, len(keys))
	idOffset := len(r.genKey(dataset, ""))
	for _, key := range keys {
		if len(key) <= idOffset {
			continue
		}
		id := key[idOffset:]
		m, err := r.store.HGetAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load generation %s/%s: %w", dataset, id, err)
		}
		if len(m) == 0 {
			continue
		}
		out = append(out, decode(dataset, id, m))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Delete removes a generation record.
func (r *Repo) Delete(ctx context.Context, dataset, id string) error {
	if err := r.store.Del(ctx, r.genKey(dataset, id)); err != nil {
		return fmt.Errorf("delete generation %s/%s: %w", dataset, id, err)
	}
	return nil
}

// SetLive atomically repoints the dataset's live pointer. It is the single
// write that status pollers observe; a plain SET is atomic to readers.
func (r *Repo) SetLive(ctx context.Context, dataset, id string) error {
	if err := r.store.Set(ctx, r.aliasKey(dataset), []byte(id)); err != nil {
		return fmt.Errorf("set live pointer for %s: %w", dataset, err)
	}
	return nil
}

// Live returns the generation id the dataset's alias resolves to, or empty
// when no generation has ever gone live.
func (r *Repo) Live(ctx context.Context, dataset string) (string, error) {
	data, err := r.store.Get(ctx, r.aliasKey(dataset))
	if err != nil {
		if errors.Is(err, search.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read live pointer for %s: %w", dataset, err)
	}
	return string(data), nil
}

func decode(dataset, id string, m map[string]string) domain.Generation {
	gen := domain.Generation{
		Dataset: dataset,
		ID:      id,
		State:   domain.GenerationState(m["state"]),
	}
	if v, err := strconv.ParseInt(m["created_at"], 10, 64); err == nil {
		gen.CreatedAt = time.Unix(0, v).UTC()
	}
	if v, err := strconv.ParseInt(m["retired_at"], 10, 64); err == nil {
		gen.RetiredAt = time.Unix(0, v).UTC()
	}
	if v, err := strconv.Atoi(m["record_count"]); err == nil {
		gen.RecordCount = v
	}
	if v, err := strconv.Atoi(m["doc_count"]); err == nil {
		gen.DocCount = v
	}
	return gen
}
