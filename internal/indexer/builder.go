// Package indexer builds versioned search index generations from staging
// records and validates them before they are eligible for cutover.
package indexer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	"github.com/kailas-cloud/datarefresh/internal/domain/dataset"
	"github.com/kailas-cloud/datarefresh/internal/mapper"
	"github.com/kailas-cloud/datarefresh/internal/metrics"
	"github.com/kailas-cloud/datarefresh/internal/search"
)

// Source streams staging records in identifier order.
type Source interface {
	Count(ctx context.Context, table string) (int, error)
	FetchBatch(ctx context.Context, table, after string, limit int) ([]domain.StagingRecord, error)
}

// Engine is the index-side consumer interface for the builder.
type Engine interface {
	CreateIndex(ctx context.Context, def *search.IndexDefinition) error
	WriteDocs(ctx context.Context, items []search.DocItem) error
	CountDocs(ctx context.Context, index string) (int, error)
}

// Registry records generation lifecycle transitions.
type Registry interface {
	Put(ctx context.Context, gen domain.Generation) error
}

// Options tunes batching, retries and the validation gate.
type Options struct {
	BatchSize          int
	MaxParallelBatches int
	// MaxBatchRetries is the total number of write attempts per batch.
	MaxBatchRetries int
	RetryBackoff    time.Duration
	// CountTolerance is the allowed relative deficit of indexed documents
	// against staged records.
	CountTolerance float64
	// MaxBatchErrorRate is the allowed fraction of records lost to batches
	// that exhausted their retries.
	MaxBatchErrorRate float64
	// KeyPrefix namespaces document keys in the engine.
	KeyPrefix string
}

// Builder turns one dataset's staging table into a validated index generation.
type Builder struct {
	src      Source
	engine   Engine
	registry Registry
	opts     Options
	logger   *zap.Logger
}

// New creates a builder.
func New(src Source, engine Engine, registry Registry, opts Options, logger *zap.Logger) *Builder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.MaxParallelBatches <= 0 {
		opts.MaxParallelBatches = 1
	}
	if opts.MaxBatchRetries <= 0 {
		opts.MaxBatchRetries = 1
	}
	return &Builder{src: src, engine: engine, registry: registry, opts: opts, logger: logger}
}

// Result summarizes one build.
type Result struct {
	Generation    domain.Generation
	RecordsRead   int
	DocsWritten   int
	DocsSkipped   int
	FailedBatches int
}

// NewGenerationID returns a fresh generation identifier.
func NewGenerationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// docKeyPrefix is the key namespace holding one generation's documents.
func (b *Builder) docKeyPrefix(indexName string) string {
	return b.opts.KeyPrefix + "doc:" + indexName + ":"
}

// Populate creates a new index generation and streams every staging record
// through the schema mapping into it. The generation is recorded in the
// registry in state building; on failure it is marked failed. Populate never
// touches the dataset's alias.
func (b *Builder) Populate(ctx context.Context, ds *dataset.Dataset) (Result, error) {
	total, err := b.src.Count(ctx, ds.StagingTable())
	if err != nil {
		return Result{}, err
	}

	gen := domain.Generation{
		Dataset:     ds.Name,
		ID:          NewGenerationID(),
		State:       domain.GenBuilding,
		CreatedAt:   time.Now().UTC(),
		RecordCount: total,
	}
	if err := b.registry.Put(ctx, gen); err != nil {
		return Result{Generation: gen}, err
	}

	b.logger.Info("building index generation",
		zap.String("dataset", ds.Name),
		zap.String("generation", gen.ID),
		zap.Int("staged_records", total),
	)

	res, err := b.populate(ctx, ds, gen)
	if err != nil {
		// The build context may already be cancelled or past its deadline;
		// the generation must still be marked failed so pruning reclaims it.
		b.Abandon(context.WithoutCancel(ctx), res.Generation)
		b.logger.Error("index generation build failed",
			zap.String("dataset", ds.Name),
			zap.String("generation", gen.ID),
			zap.Error(err),
		)
		return res, err
	}
	return res, nil
}

// Validate gates a populated generation on the count and error-rate
// thresholds. On success the generation is recorded validated with its final
// document count; on failure it is marked failed and stays ineligible for
// cutover. The updated generation is written back into res.
func (b *Builder) Validate(ctx context.Context, res *Result) error {
	err := b.validate(ctx, res)
	gen := res.Generation
	if err != nil {
		gen.State = domain.GenFailed
		res.Generation = gen
		if putErr := b.registry.Put(context.WithoutCancel(ctx), gen); putErr != nil {
			b.logger.Error("failed to record failed generation", zap.Error(putErr))
		}
		b.logger.Error("index generation rejected",
			zap.String("dataset", gen.Dataset),
			zap.String("generation", gen.ID),
			zap.Error(err),
		)
		return err
	}

	gen.State = domain.GenValidated
	gen.DocCount = res.DocsWritten
	res.Generation = gen
	if err := b.registry.Put(ctx, gen); err != nil {
		return err
	}

	b.logger.Info("index generation validated",
		zap.String("dataset", gen.Dataset),
		zap.String("generation", gen.ID),
		zap.Int("docs_written", res.DocsWritten),
		zap.Int("docs_skipped", res.DocsSkipped),
	)
	return nil
}

// Abandon marks a generation failed so retention pruning reclaims it. Used
// for build failures and cancelled jobs.
func (b *Builder) Abandon(ctx context.Context, gen domain.Generation) {
	if gen.ID == "" {
		return
	}
	gen.State = domain.GenFailed
	if err := b.registry.Put(ctx, gen); err != nil {
		b.logger.Error("failed to record abandoned generation",
			zap.String("dataset", gen.Dataset),
			zap.String("generation", gen.ID),
			zap.Error(err),
		)
	}
}

// populate creates the physical index and writes every staging record to it.
// Batches are fetched sequentially (keyset pagination) but mapped and written
// concurrently.
func (b *Builder) populate(ctx context.Context, ds *dataset.Dataset, gen domain.Generation) (Result, error) {
	indexName := gen.IndexName()
	def := &search.IndexDefinition{
		Name:   indexName,
		Prefix: b.docKeyPrefix(indexName),
		Fields: mapper.IndexFields(ds),
	}
	if err := b.engine.CreateIndex(ctx, def); err != nil {
		return Result{Generation: gen}, err
	}

	var (
		read, written, skipped, failedBatches atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.MaxParallelBatches)

	after := ""
	for {
		batch, err := b.src.FetchBatch(ctx, ds.StagingTable(), after, b.opts.BatchSize)
		if err != nil {
			_ = g.Wait()
			return Result{Generation: gen}, err
		}
		if len(batch) == 0 {
			break
		}
		after = batch[len(batch)-1].Identifier
		read.Add(int64(len(batch)))

		g.Go(func() error {
			items, skip := b.mapBatch(ds, gen, batch)
			skipped.Add(int64(skip))
			if len(items) == 0 {
				return nil
			}
			if err := b.writeBatch(gctx, gen.Dataset, items); err != nil {
				// A batch that exhausts its retries is dropped; the
				// validation gate decides whether the loss is acceptable.
				failedBatches.Add(1)
				skipped.Add(int64(len(items)))
				b.logger.Warn("dropping batch after exhausting retries",
					zap.String("dataset", gen.Dataset),
					zap.String("generation", gen.ID),
					zap.Int("batch_size", len(items)),
					zap.Error(err),
				)
				return nil
			}
			written.Add(int64(len(items)))
			metrics.DocumentsIndexed.WithLabelValues(gen.Dataset).Add(float64(len(items)))
			return nil
		})

		if len(batch) < b.opts.BatchSize {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return Result{Generation: gen}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{Generation: gen}, err
	}

	return Result{
		Generation:    gen,
		RecordsRead:   int(read.Load()),
		DocsWritten:   int(written.Load()),
		DocsSkipped:   int(skipped.Load()),
		FailedBatches: int(failedBatches.Load()),
	}, nil
}

// mapBatch projects staging records into keyed documents. Records the schema
// mapping rejects are skipped, not fatal.
func (b *Builder) mapBatch(ds *dataset.Dataset, gen domain.Generation, batch []domain.StagingRecord) ([]search.DocItem, int) {
	prefix := b.docKeyPrefix(gen.IndexName())
	items := make([]search.DocItem, 0, len(batch))
	skipped := 0
	for _, rec := range batch {
		doc, err := mapper.ToDocument(ds, rec)
		if err != nil {
			skipped++
			b.logger.Debug("skipping unmappable record",
				zap.String("dataset", ds.Name),
				zap.String("identifier", rec.Identifier),
				zap.Error(err),
			)
			continue
		}
		items = append(items, search.DocItem{
			Key:    prefix + doc.ID(),
			Fields: doc.Fields(),
		})
	}
	return items, skipped
}

// writeBatch bulk-writes one batch with bounded retries and doubling backoff.
func (b *Builder) writeBatch(ctx context.Context, ds string, items []search.DocItem) error {
	backoff := b.opts.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxBatchRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = b.engine.WriteDocs(ctx, items)
		if lastErr == nil {
			return nil
		}
		if attempt == b.opts.MaxBatchRetries {
			break
		}
		metrics.BatchRetries.WithLabelValues(ds).Inc()
		b.logger.Warn("bulk write failed, retrying",
			zap.String("dataset", ds),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("bulk write after %d attempts: %w", b.opts.MaxBatchRetries, lastErr)
}

// validate gates the generation on document count and batch error rate. A
// generation that fails validation is never eligible for cutover.
func (b *Builder) validate(ctx context.Context, res *Result) error {
	if res.RecordsRead > 0 {
		lost := res.RecordsRead - res.DocsWritten
		rate := float64(lost) / float64(res.RecordsRead)
		if rate > b.opts.MaxBatchErrorRate {
			return fmt.Errorf("%w: %d of %d records lost (rate %.4f exceeds %.4f)",
				domain.ErrValidationFailed, lost, res.RecordsRead, rate, b.opts.MaxBatchErrorRate)
		}
	}

	count, err := b.engine.CountDocs(ctx, res.Generation.IndexName())
	if err != nil {
		return err
	}
	staged := res.Generation.RecordCount
	if staged > 0 {
		deficit := float64(staged-count) / float64(staged)
		if math.Abs(deficit) > b.opts.CountTolerance {
			return fmt.Errorf("%w: index holds %d documents for %d staged records (tolerance %.4f)",
				domain.ErrValidationFailed, count, staged, b.opts.CountTolerance)
		}
	} else if count != 0 {
		return fmt.Errorf("%w: index holds %d documents for an empty staging table",
			domain.ErrValidationFailed, count)
	}
	return nil
}
