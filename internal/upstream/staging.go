package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kailas-cloud/datarefresh/internal/domain"
)

// StagingReader streams records out of a production staging table in
// keyset-paginated batches. It is read-only: the staging table is owned by
// the in-flight job and mutated only by the replicator.
type StagingReader struct {
	prod *pgxpool.Pool
}

// NewStagingReader creates a reader over the production pool.
func NewStagingReader(prodPool *pgxpool.Pool) *StagingReader {
	return &StagingReader{prod: prodPool}
}

// Count returns the number of rows in the staging table.
func (r *StagingReader) Count(ctx context.Context, table string) (int, error) {
	var n int
	err := r.prod.QueryRow(ctx, "SELECT count(*) FROM "+quoteIdent(table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count staging rows: %w", err)
	}
	return n, nil
}

// FetchBatch returns up to limit records with identifier greater than after,
// in identifier order. An empty result means the table is exhausted.
func (r *StagingReader) FetchBatch(ctx context.Context, table, after string, limit int) ([]domain.StagingRecord, error) {
	q := fmt.Sprintf(
		"SELECT * FROM %s WHERE identifier > $1 ORDER BY identifier LIMIT $2",
		quoteIdent(table),
	)
	rows, err := r.prod.Query(ctx, q, after, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch staging batch: %w", err)
	}
	defer rows.Close()

	var out []domain.StagingRecord
	descs := rows.FieldDescriptions()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read staging row: %w", err)
		}

		rec := domain.StagingRecord{Fields: make(map[string]any, len(descs))}
		for i, d := range descs {
			switch d.Name {
			case "identifier":
				if s, ok := vals[i].(string); ok {
					rec.Identifier = s
				}
			case "synced_at":
				if t, ok := vals[i].(time.Time); ok {
					rec.SyncedAt = t
				}
			case "ingestion_type":
				if s, ok := vals[i].(string); ok {
					rec.IngestionType = s
				}
			default:
				rec.Fields[d.Name] = vals[i]
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch staging batch: %w", err)
	}
	return out, nil
}
