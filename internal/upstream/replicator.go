// Package upstream copies dataset tables from the source-of-truth database
// into production staging tables.
//
// The copy targets a scratch table and swaps it in only after full
// population, so a crash mid-replication leaves the previous staging
// snapshot (and any build still reading it) intact.
package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	"github.com/kailas-cloud/datarefresh/internal/domain/dataset"
)

const ingestionTypeUpstream = "upstream_refresh"

// Replicator copies upstream tables into production staging tables.
type Replicator struct {
	upstream *pgxpool.Pool
	prod     *pgxpool.Pool
	logger   *zap.Logger
	rowLimit int
}

// New creates a replicator over the two database pools.
func New(upstreamPool, prodPool *pgxpool.Pool, logger *zap.Logger) *Replicator {
	return &Replicator{upstream: upstreamPool, prod: prodPool, logger: logger}
}

// WithRowLimit bounds the number of rows copied per run. Zero means no limit.
func (r *Replicator) WithRowLimit(n int) *Replicator {
	if n >= 0 {
		r.rowLimit = n
	}
	return r
}

// Replicate copies the dataset's upstream table into a fresh staging table
// and returns a reference to it. The upstream store is only ever read, under
// a repeatable-read snapshot.
func (r *Replicator) Replicate(ctx context.Context, ds *dataset.Dataset) (domain.StagingTableRef, error) {
	present, err := r.upstreamColumns(ctx, ds.Table)
	if err != nil {
		return domain.StagingTableRef{}, err
	}

	shared, missing, err := reconcileColumns(ds, present)
	if err != nil {
		return domain.StagingTableRef{}, err
	}
	if len(missing) > 0 {
		names := make([]string, len(missing))
		for i, col := range missing {
			names[i] = col.Name
		}
		r.logger.Info("staging columns defaulted to null",
			zap.String("dataset", ds.Name),
			zap.Strings("columns", names),
		)
	}

	scratch := ds.StagingTable() + "_new"
	if err := r.createScratch(ctx, ds, scratch); err != nil {
		return domain.StagingTableRef{}, err
	}

	copied, err := r.copySnapshot(ctx, ds, scratch, shared)
	if err != nil {
		// Leave the previous staging table untouched; only the scratch is dropped.
		r.dropTable(ctx, scratch)
		return domain.StagingTableRef{}, err
	}

	if err := r.swapStaging(ctx, ds, scratch); err != nil {
		r.dropTable(ctx, scratch)
		return domain.StagingTableRef{}, err
	}

	r.logger.Info("replication complete",
		zap.String("dataset", ds.Name),
		zap.String("table", ds.StagingTable()),
		zap.Int("rows", copied),
	)
	return domain.StagingTableRef{Dataset: ds.Name, Table: ds.StagingTable(), RowCount: copied}, nil
}

// upstreamColumns reads the upstream table's column names.
func (r *Replicator) upstreamColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.upstream.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("%w: read upstream schema: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: scan upstream schema: %v", domain.ErrUpstreamUnavailable, err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read upstream schema: %v", domain.ErrUpstreamUnavailable, err)
	}
	if len(present) == 0 {
		return nil, fmt.Errorf("%w: upstream table %q not found", domain.ErrSchemaMismatch, table)
	}
	return present, nil
}

func (r *Replicator) createScratch(ctx context.Context, ds *dataset.Dataset, scratch string) error {
	if _, err := r.prod.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(scratch)); err != nil {
		return fmt.Errorf("drop scratch table: %w", err)
	}
	if _, err := r.prod.Exec(ctx, stagingDDL(ds, scratch)); err != nil {
		return fmt.Errorf("create scratch table: %w", err)
	}
	return nil
}

// copySnapshot streams the upstream snapshot into the scratch table via a
// single bulk copy. Derived columns (standardized popularity) and provenance
// are computed per row on the way through.
func (r *Replicator) copySnapshot(ctx context.Context, ds *dataset.Dataset, scratch string, shared []dataset.Column) (int, error) {
	tx, err := r.upstream.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: begin snapshot: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, upstreamSelect(ds.Table, shared, r.rowLimit))
	if err != nil {
		return 0, fmt.Errorf("%w: snapshot read: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer rows.Close()

	src := newCopySource(ds, shared, rows, time.Now().UTC())
	copied, err := r.prod.CopyFrom(ctx,
		pgx.Identifier{scratch},
		stagingColumnNames(ds),
		src,
	)
	if err != nil {
		return 0, fmt.Errorf("copy into staging: %w", err)
	}
	if err := src.Err(); err != nil {
		return 0, fmt.Errorf("%w: snapshot read: %v", domain.ErrUpstreamUnavailable, err)
	}
	return int(copied), nil
}

// swapStaging promotes the scratch table in one transaction: the prior
// staging table is dropped only now, after the new one is fully populated.
func (r *Replicator) swapStaging(ctx context.Context, ds *dataset.Dataset, scratch string) error {
	tx, err := r.prod.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin staging swap: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	staging := ds.StagingTable()
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(staging)); err != nil {
		return fmt.Errorf("drop previous staging: %w", err)
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(scratch), quoteIdent(staging)),
	); err != nil {
		return fmt.Errorf("promote staging: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit staging swap: %w", err)
	}
	return nil
}

func (r *Replicator) dropTable(ctx context.Context, table string) {
	if _, err := r.prod.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		r.logger.Warn("failed to drop scratch table", zap.String("table", table), zap.Error(err))
	}
}

// copySource adapts the upstream row stream to pgx.CopyFrom, appending the
// standardized popularity score and provenance fields to each row.
type copySource struct {
	ds       *dataset.Dataset
	shared   []dataset.Column
	rows     pgx.Rows
	syncedAt time.Time

	metricIdx int // index of the popularity metric column in shared, -1 if absent
	row       []any
	err       error
}

func newCopySource(ds *dataset.Dataset, shared []dataset.Column, rows pgx.Rows, syncedAt time.Time) *copySource {
	metricIdx := -1
	if ds.Popularity != nil {
		for i, col := range shared {
			if col.Name == ds.Popularity.MetricColumn {
				metricIdx = i
				break
			}
		}
	}
	return &copySource{ds: ds, shared: shared, rows: rows, syncedAt: syncedAt, metricIdx: metricIdx}
}

func (s *copySource) Next() bool {
	if s.err != nil {
		return false
	}
	if !s.rows.Next() {
		s.err = s.rows.Err()
		return false
	}

	vals, err := s.rows.Values()
	if err != nil {
		s.err = err
		return false
	}

	byName := make(map[string]any, len(s.shared))
	for i, col := range s.shared {
		byName[col.Name] = vals[i]
	}

	out := make([]any, 0, len(s.ds.Columns)+3)
	for _, col := range s.ds.Columns {
		out = append(out, byName[col.Name]) // nil for columns absent upstream
	}
	out = append(out, s.popularity(vals), s.syncedAt, ingestionTypeUpstream)
	s.row = out
	return true
}

func (s *copySource) Values() ([]any, error) { return s.row, nil }

func (s *copySource) Err() error { return s.err }

// popularity computes metric / (metric + constant), the dataset-specific
// standardization formula. Nil when the metric is absent or non-positive.
func (s *copySource) popularity(vals []any) any {
	if s.metricIdx < 0 || s.metricIdx >= len(vals) {
		return nil
	}
	var metric float64
	switch m := vals[s.metricIdx].(type) {
	case int64:
		metric = float64(m)
	case int32:
		metric = float64(m)
	case int:
		metric = float64(m)
	case float64:
		metric = m
	default:
		return nil
	}
	if metric <= 0 {
		return nil
	}
	return metric / (metric + s.ds.Popularity.Constant)
}
