package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	"github.com/kailas-cloud/datarefresh/internal/domain/dataset"
	"github.com/kailas-cloud/datarefresh/internal/search"
)

// fakeSource serves a fixed record set in identifier order.
type fakeSource struct {
	records []domain.StagingRecord
}

func newFakeSource(n int) *fakeSource {
	records := make([]domain.StagingRecord, n)
	for i := range records {
		records[i] = domain.StagingRecord{
			Identifier: fmt.Sprintf("rec-%06d", i),
			Fields: map[string]any{
				"title":   fmt.Sprintf("record %d", i),
				"url":     fmt.Sprintf("https://example.com/%d.jpg", i),
				"license": "cc0",
			},
			SyncedAt:      time.Now().UTC(),
			IngestionType: "upstream_refresh",
		}
	}
	return &fakeSource{records: records}
}

func (s *fakeSource) Count(context.Context, string) (int, error) {
	return len(s.records), nil
}

func (s *fakeSource) FetchBatch(_ context.Context, _ string, after string, limit int) ([]domain.StagingRecord, error) {
	var out []domain.StagingRecord
	for _, r := range s.records {
		if r.Identifier > after {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// fakeEngine records index and document writes.
type fakeEngine struct {
	mu            sync.Mutex
	defs          []*search.IndexDefinition
	docs          map[string]map[string]string
	failWrites    int // fail this many WriteDocs calls before succeeding
	countOverride *int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{docs: make(map[string]map[string]string)}
}

func (e *fakeEngine) CreateIndex(_ context.Context, def *search.IndexDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs = append(e.defs, def)
	return nil
}

func (e *fakeEngine) WriteDocs(_ context.Context, items []search.DocItem) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWrites != 0 {
		if e.failWrites > 0 {
			e.failWrites--
		}
		return errors.New("write refused")
	}
	for _, it := range items {
		e.docs[it.Key] = it.Fields
	}
	return nil
}

func (e *fakeEngine) CountDocs(context.Context, string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.countOverride != nil {
		return *e.countOverride, nil
	}
	return len(e.docs), nil
}

// fakeRegistry tracks generation state transitions.
type fakeRegistry struct {
	mu   sync.Mutex
	gens map[string]domain.Generation
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{gens: make(map[string]domain.Generation)}
}

func (r *fakeRegistry) Put(_ context.Context, gen domain.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[gen.ID] = gen
	return nil
}

func (r *fakeRegistry) get(id string) domain.Generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[id]
}

func testOptions() Options {
	return Options{
		BatchSize:          100,
		MaxParallelBatches: 2,
		MaxBatchRetries:    3,
		RetryBackoff:       time.Millisecond,
		CountTolerance:     0.01,
		MaxBatchErrorRate:  0.001,
		KeyPrefix:          "datarefresh:",
	}
}

func imageDS(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Lookup("image")
	if err != nil {
		t.Fatalf("lookup image: %v", err)
	}
	return ds
}

func TestPopulateAndValidate(t *testing.T) {
	src := newFakeSource(250)
	engine := newFakeEngine()
	registry := newFakeRegistry()
	b := New(src, engine, registry, testOptions(), zap.NewNop())
	ctx := context.Background()

	res, err := b.Populate(ctx, imageDS(t))
	if err != nil {
		t.Fatalf("populate: %v", err)
	}
	if res.RecordsRead != 250 || res.DocsWritten != 250 || res.DocsSkipped != 0 {
		t.Errorf("counts: read=%d written=%d skipped=%d, want 250/250/0",
			res.RecordsRead, res.DocsWritten, res.DocsSkipped)
	}
	if res.Generation.State != domain.GenBuilding {
		t.Errorf("state after populate: got %s, want building", res.Generation.State)
	}
	if len(engine.defs) != 1 {
		t.Fatalf("got %d index definitions, want 1", len(engine.defs))
	}
	def := engine.defs[0]
	if def.Name != res.Generation.IndexName() {
		t.Errorf("index name: got %q, want %q", def.Name, res.Generation.IndexName())
	}
	wantPrefix := "datarefresh:doc:" + def.Name + ":"
	if def.Prefix != wantPrefix {
		t.Errorf("key prefix: got %q, want %q", def.Prefix, wantPrefix)
	}
	for key := range engine.docs {
		if !strings.HasPrefix(key, wantPrefix) {
			t.Fatalf("doc key %q outside generation prefix %q", key, wantPrefix)
		}
	}

	if err := b.Validate(ctx, &res); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Generation.State != domain.GenValidated {
		t.Errorf("state after validate: got %s, want validated", res.Generation.State)
	}
	if res.Generation.DocCount != 250 {
		t.Errorf("doc count: got %d, want 250", res.Generation.DocCount)
	}
	if got := registry.get(res.Generation.ID); got.State != domain.GenValidated {
		t.Errorf("registry state: got %s, want validated", got.State)
	}
}

func TestPopulate_RetriesTransientWriteFailures(t *testing.T) {
	src := newFakeSource(50)
	engine := newFakeEngine()
	engine.failWrites = 2 // first two attempts fail, third succeeds
	registry := newFakeRegistry()

	opts := testOptions()
	opts.MaxParallelBatches = 1
	b := New(src, engine, registry, opts, zap.NewNop())

	res, err := b.Populate(context.Background(), imageDS(t))
	if err != nil {
		t.Fatalf("populate: %v", err)
	}
	if res.DocsWritten != 50 || res.FailedBatches != 0 {
		t.Errorf("written=%d failedBatches=%d, want 50/0", res.DocsWritten, res.FailedBatches)
	}
}

func TestPopulate_DroppedBatchFailsValidation(t *testing.T) {
	src := newFakeSource(50)
	engine := newFakeEngine()
	engine.failWrites = -1 // never succeed
	registry := newFakeRegistry()

	opts := testOptions()
	opts.MaxParallelBatches = 1
	b := New(src, engine, registry, opts, zap.NewNop())
	ctx := context.Background()

	res, err := b.Populate(ctx, imageDS(t))
	if err != nil {
		t.Fatalf("populate must survive dropped batches: %v", err)
	}
	if res.FailedBatches != 1 || res.DocsWritten != 0 {
		t.Errorf("failedBatches=%d written=%d, want 1/0", res.FailedBatches, res.DocsWritten)
	}

	err = b.Validate(ctx, &res)
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("got %v, want ErrValidationFailed", err)
	}
	if res.Generation.State != domain.GenFailed {
		t.Errorf("state: got %s, want failed", res.Generation.State)
	}
	if got := registry.get(res.Generation.ID); got.State != domain.GenFailed {
		t.Errorf("registry state: got %s, want failed", got.State)
	}
}

func TestValidate_CountDeficitBeyondTolerance(t *testing.T) {
	src := newFakeSource(200)
	engine := newFakeEngine()
	registry := newFakeRegistry()
	b := New(src, engine, registry, testOptions(), zap.NewNop())
	ctx := context.Background()

	res, err := b.Populate(ctx, imageDS(t))
	if err != nil {
		t.Fatalf("populate: %v", err)
	}

	// Engine reports far fewer documents than were staged.
	short := 150
	engine.countOverride = &short

	if err := b.Validate(ctx, &res); !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("got %v, want ErrValidationFailed", err)
	}
}

func TestValidate_SmallDeficitWithinTolerance(t *testing.T) {
	src := newFakeSource(1000)
	engine := newFakeEngine()
	registry := newFakeRegistry()

	opts := testOptions()
	b := New(src, engine, registry, opts, zap.NewNop())
	ctx := context.Background()

	res, err := b.Populate(ctx, imageDS(t))
	if err != nil {
		t.Fatalf("populate: %v", err)
	}

	// 5 documents short of 1000 staged is within the 1% tolerance.
	short := 995
	engine.countOverride = &short

	if err := b.Validate(ctx, &res); err != nil {
		t.Fatalf("deficit within tolerance must pass: %v", err)
	}
}

// ctxAwareRegistry rejects writes once the context is dead, the way a real
// store client would.
type ctxAwareRegistry struct {
	*fakeRegistry
}

func (r *ctxAwareRegistry) Put(ctx context.Context, gen domain.Generation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.fakeRegistry.Put(ctx, gen)
}

// expiringSource cancels the build context on the first batch fetch,
// simulating a stage deadline firing mid-replication read.
type expiringSource struct {
	*fakeSource
	cancel context.CancelFunc
}

func (s *expiringSource) FetchBatch(ctx context.Context, table, after string, limit int) ([]domain.StagingRecord, error) {
	s.cancel()
	return nil, ctx.Err()
}

func TestPopulate_ExpiredContextStillMarksGenerationFailed(t *testing.T) {
	registry := &ctxAwareRegistry{fakeRegistry: newFakeRegistry()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &expiringSource{fakeSource: newFakeSource(10), cancel: cancel}
	b := New(src, newFakeEngine(), registry, testOptions(), zap.NewNop())

	res, err := b.Populate(ctx, imageDS(t))
	if err == nil {
		t.Fatal("populate must fail when the context expires")
	}
	if got := registry.get(res.Generation.ID).State; got != domain.GenFailed {
		t.Errorf("generation state after abandoned build: got %q, want %q", got, domain.GenFailed)
	}
}

func TestValidate_ExpiredContextStillMarksGenerationFailed(t *testing.T) {
	src := newFakeSource(50)
	engine := newFakeEngine()
	registry := &ctxAwareRegistry{fakeRegistry: newFakeRegistry()}
	b := New(src, engine, registry, testOptions(), zap.NewNop())

	res, err := b.Populate(context.Background(), imageDS(t))
	if err != nil {
		t.Fatalf("populate: %v", err)
	}

	// Validation rejects the build while its context is already dead; the
	// failure record must still reach the registry.
	short := 10
	engine.countOverride = &short
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Validate(ctx, &res); !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("got %v, want ErrValidationFailed", err)
	}
	if got := registry.get(res.Generation.ID).State; got != domain.GenFailed {
		t.Errorf("generation state: got %q, want %q", got, domain.GenFailed)
	}
}

func TestBuildQA(t *testing.T) {
	engine := newFakeEngine()
	registry := newFakeRegistry()
	b := New(newFakeSource(0), engine, registry, testOptions(), zap.NewNop())

	res, err := b.BuildQA(context.Background(), imageDS(t))
	if err != nil {
		t.Fatalf("build qa: %v", err)
	}
	if !strings.HasPrefix(res.Generation.ID, "qa-") {
		t.Errorf("qa generation id: got %q, want qa- prefix", res.Generation.ID)
	}
	if res.Generation.State != domain.GenValidated {
		t.Errorf("state: got %s, want validated", res.Generation.State)
	}
	if res.DocsWritten == 0 || len(engine.docs) != res.DocsWritten {
		t.Errorf("docs written: got %d, engine holds %d", res.DocsWritten, len(engine.docs))
	}

	// The keyword-stuffed fixture must collapse to unique stemmed terms.
	var stuffed map[string]string
	for key, fields := range engine.docs {
		if strings.HasSuffix(key, "qa-img-stuffed") {
			stuffed = fields
		}
	}
	if stuffed == nil {
		t.Fatal("stuffed fixture not indexed")
	}
	if got := stuffed["title"]; got != "crab" {
		t.Errorf("stuffed title: got %q, want %q", got, "crab")
	}
}

func TestNewGenerationID_Unique(t *testing.T) {
	a, b := NewGenerationID(), NewGenerationID()
	if a == b {
		t.Error("generation ids must be unique")
	}
	if strings.Contains(a, "-") {
		t.Errorf("generation id must not contain dashes: %q", a)
	}
}
