package genstate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	"github.com/kailas-cloud/datarefresh/internal/search"
)

// mockStore is an in-memory stand-in for the search KV store.
type mockStore struct {
	kv     map[string][]byte
	hashes map[string]map[string]string
}

func newMockStore() *mockStore {
	return &mockStore{
		kv:     make(map[string][]byte),
		hashes: make(map[string]map[string]string),
	}
}

func (m *mockStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.kv[key]
	if !ok {
		return nil, search.ErrKeyNotFound
	}
	return v, nil
}

func (m *mockStore) Set(_ context.Context, key string, value []byte) error {
	m.kv[key] = value
	return nil
}

func (m *mockStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.hashes, k)
	}
	return nil
}

func (m *mockStore) Scan(_ context.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k := range m.hashes {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *mockStore) HSet(_ context.Context, key string, fields map[string]string) error {
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *mockStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	h := m.hashes[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func testGen(id string, created time.Time) domain.Generation {
	return domain.Generation{
		Dataset:     "image",
		ID:          id,
		State:       domain.GenValidated,
		CreatedAt:   created,
		RecordCount: 100,
		DocCount:    99,
	}
}

func TestRepo_PutGetRoundTrip(t *testing.T) {
	repo := New(newMockStore(), "datarefresh:")
	ctx := context.Background()

	created := time.Unix(1700000000, 0).UTC()
	gen := testGen("abc", created)
	gen.RetiredAt = created.Add(time.Hour)
	gen.State = domain.GenRetired

	if err := repo.Put(ctx, gen); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := repo.Get(ctx, "image", "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != gen {
		t.Errorf("round trip:\ngot  %+v\nwant %+v", got, gen)
	}
}

func TestRepo_GetMissing(t *testing.T) {
	repo := New(newMockStore(), "datarefresh:")
	_, err := repo.Get(context.Background(), "image", "nope")
	if !errors.Is(err, search.ErrKeyNotFound) {
		t.Fatalf("got %v, want ErrKeyNotFound", err)
	}
}

func TestRepo_ListNewestFirst(t *testing.T) {
	repo := New(newMockStore(), "datarefresh:")
	ctx := context.Background()

	base := time.Unix(1700000000, 0).UTC()
	for i, id := range []string{"old", "mid", "new"} {
		if err := repo.Put(ctx, testGen(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	gens, err := repo.List(ctx, "image")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(gens) != 3 {
		t.Fatalf("got %d generations, want 3", len(gens))
	}
	if gens[0].ID != "new" || gens[2].ID != "old" {
		t.Errorf("order: got %s..%s, want new..old", gens[0].ID, gens[2].ID)
	}
}

func TestRepo_ListOrdersWithinSameSecond(t *testing.T) {
	repo := New(newMockStore(), "datarefresh:")
	ctx := context.Background()

	base := time.Unix(1700000000, 0).UTC()
	if err := repo.Put(ctx, testGen("first", base)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := repo.Put(ctx, testGen("second", base.Add(time.Millisecond))); err != nil {
		t.Fatalf("put: %v", err)
	}

	gens, err := repo.List(ctx, "image")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(gens) != 2 {
		t.Fatalf("got %d generations, want 2", len(gens))
	}
	if gens[0].ID != "second" || gens[1].ID != "first" {
		t.Errorf("order: got %s, %s, want second, first", gens[0].ID, gens[1].ID)
	}
}

func TestRepo_ListEqualTimestampsDeterministic(t *testing.T) {
	repo := New(newMockStore(), "datarefresh:")
	ctx := context.Background()

	created := time.Unix(1700000000, 0).UTC()
	for _, id := range []string{"aaa", "bbb", "ccc"} {
		if err := repo.Put(ctx, testGen(id, created)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	want := []string{"ccc", "bbb", "aaa"}
	for i := 0; i < 5; i++ {
		gens, err := repo.List(ctx, "image")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for j, g := range gens {
			if g.ID != want[j] {
				t.Fatalf("run %d: got %s at %d, want %s", i, g.ID, j, want[j])
			}
		}
	}
}

func TestRepo_ListScopedToDataset(t *testing.T) {
	store := newMockStore()
	repo := New(store, "datarefresh:")
	ctx := context.Background()

	created := time.Unix(1700000000, 0).UTC()
	if err := repo.Put(ctx, testGen("img-gen", created)); err != nil {
		t.Fatalf("put: %v", err)
	}
	other := testGen("aud-gen", created)
	other.Dataset = "audio"
	if err := repo.Put(ctx, other); err != nil {
		t.Fatalf("put: %v", err)
	}

	gens, err := repo.List(ctx, "image")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(gens) != 1 || gens[0].ID != "img-gen" {
		t.Errorf("got %+v, want only img-gen", gens)
	}
}

func TestRepo_Delete(t *testing.T) {
	repo := New(newMockStore(), "datarefresh:")
	ctx := context.Background()

	if err := repo.Put(ctx, testGen("abc", time.Now().UTC())); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := repo.Delete(ctx, "image", "abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, "image", "abc"); !errors.Is(err, search.ErrKeyNotFound) {
		t.Fatalf("after delete: got %v, want ErrKeyNotFound", err)
	}
}

func TestRepo_LivePointer(t *testing.T) {
	repo := New(newMockStore(), "datarefresh:")
	ctx := context.Background()

	id, err := repo.Live(ctx, "image")
	if err != nil {
		t.Fatalf("live before any cutover: %v", err)
	}
	if id != "" {
		t.Errorf("got %q, want empty before first cutover", id)
	}

	if err := repo.SetLive(ctx, "image", "gen-1"); err != nil {
		t.Fatalf("set live: %v", err)
	}
	id, err = repo.Live(ctx, "image")
	if err != nil || id != "gen-1" {
		t.Errorf("got %q, %v, want gen-1", id, err)
	}

	if err := repo.SetLive(ctx, "image", "gen-2"); err != nil {
		t.Fatalf("repoint live: %v", err)
	}
	id, _ = repo.Live(ctx, "image")
	if id != "gen-2" {
		t.Errorf("after repoint: got %q, want gen-2", id)
	}
}
