package indexer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	"github.com/kailas-cloud/datarefresh/internal/domain/dataset"
	"github.com/kailas-cloud/datarefresh/internal/mapper"
	"github.com/kailas-cloud/datarefresh/internal/search"
)

const ingestionTypeFixture = "test_fixture"

// BuildQA creates an isolated generation populated from built-in relevance
// fixtures instead of staging data. QA generations carry a qa- marked id and
// are never pointed at by the dataset alias; they exist for search quality
// checks against a known corpus.
func (b *Builder) BuildQA(ctx context.Context, ds *dataset.Dataset) (Result, error) {
	fixtures := qaFixtures(ds)
	if len(fixtures) == 0 {
		return Result{}, fmt.Errorf("no relevance fixtures defined for dataset %q", ds.Name)
	}

	gen := domain.Generation{
		Dataset:     ds.Name,
		ID:          "qa-" + NewGenerationID(),
		State:       domain.GenBuilding,
		CreatedAt:   time.Now().UTC(),
		RecordCount: len(fixtures),
	}
	if err := b.registry.Put(ctx, gen); err != nil {
		return Result{Generation: gen}, err
	}

	indexName := gen.IndexName()
	def := &search.IndexDefinition{
		Name:   indexName,
		Prefix: b.docKeyPrefix(indexName),
		Fields: mapper.IndexFields(ds),
	}
	if err := b.engine.CreateIndex(ctx, def); err != nil {
		return b.failQA(ctx, gen, err)
	}

	items, skipped := b.mapBatch(ds, gen, fixtures)
	if skipped > 0 {
		return b.failQA(ctx, gen, fmt.Errorf("%d of %d fixtures failed schema mapping", skipped, len(fixtures)))
	}
	if err := b.writeBatch(ctx, ds.Name, items); err != nil {
		return b.failQA(ctx, gen, err)
	}

	gen.State = domain.GenValidated
	gen.DocCount = len(items)
	if err := b.registry.Put(ctx, gen); err != nil {
		return Result{Generation: gen}, err
	}

	b.logger.Info("loaded relevance fixtures",
		zap.String("dataset", ds.Name),
		zap.String("generation", gen.ID),
		zap.Int("docs", len(items)),
	)
	return Result{
		Generation:  gen,
		RecordsRead: len(fixtures),
		DocsWritten: len(items),
	}, nil
}

func (b *Builder) failQA(ctx context.Context, gen domain.Generation, err error) (Result, error) {
	gen.State = domain.GenFailed
	if putErr := b.registry.Put(context.WithoutCancel(ctx), gen); putErr != nil {
		b.logger.Error("failed to record failed qa generation", zap.Error(putErr))
	}
	return Result{Generation: gen}, err
}

// qaFixtures returns a small corpus graded for relevance checking: exact
// matches for a target phrase, partial matches, and decoys that must not
// outrank them.
func qaFixtures(ds *dataset.Dataset) []domain.StagingRecord {
	now := time.Now().UTC()
	rec := func(id, title, description string, extra map[string]any) domain.StagingRecord {
		fields := map[string]any{
			"title":      title,
			"license":    "cc0",
			"url":        fmt.Sprintf("https://fixtures.example/%s/%s.bin", ds.Name, id),
			"meta_data":  map[string]any{"description": description},
			"view_count": 100,
		}
		for k, v := range extra {
			fields[k] = v
		}
		return domain.StagingRecord{
			Identifier:    id,
			Fields:        fields,
			SyncedAt:      now,
			IngestionType: ingestionTypeFixture,
		}
	}

	switch ds.Name {
	case "image":
		return []domain.StagingRecord{
			rec("qa-img-target", "crab crab crab", "a crab on the beach",
				map[string]any{"width": 1200, "height": 1200}),
			rec("qa-img-partial", "saltwater crab", "crustacean near the water",
				map[string]any{"width": 640, "height": 480}),
			rec("qa-img-stuffed", "crab crab crab crab crab crab crab crab", "keyword stuffed decoy",
				map[string]any{"width": 800, "height": 600}),
			rec("qa-img-decoy", "mountain sunrise", "no marine life here",
				map[string]any{"width": 1920, "height": 1080}),
		}
	case "audio":
		return []domain.StagingRecord{
			rec("qa-aud-target", "thunder storm", "field recording of a thunder storm",
				map[string]any{"duration": 240000, "bit_rate": 320, "sample_rate": 48000}),
			rec("qa-aud-partial", "distant thunder", "ambient rumble",
				map[string]any{"duration": 45000, "bit_rate": 192, "sample_rate": 44100}),
			rec("qa-aud-stuffed", "thunder thunder thunder thunder thunder", "keyword stuffed decoy",
				map[string]any{"duration": 20000, "bit_rate": 128, "sample_rate": 44100}),
			rec("qa-aud-decoy", "gentle piano", "quiet solo piano sketch",
				map[string]any{"duration": 900000, "bit_rate": 256, "sample_rate": 44100}),
		}
	default:
		return nil
	}
}
