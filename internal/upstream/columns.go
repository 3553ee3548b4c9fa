package upstream

import (
	"fmt"
	"strings"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	"github.com/kailas-cloud/datarefresh/internal/domain/dataset"
)

// reconcileColumns splits the dataset's target columns into those present
// upstream and those that must be staged with null defaults. A required
// column missing upstream is a schema mismatch: there is no default or
// derivation rule that could stand in for it.
func reconcileColumns(ds *dataset.Dataset, present map[string]bool) (shared, missing []dataset.Column, err error) {
	for _, col := range ds.Columns {
		if present[col.Name] {
			shared = append(shared, col)
			continue
		}
		if col.Required {
			return nil, nil, fmt.Errorf(
				"%w: dataset %s: required column %q missing upstream",
				domain.ErrSchemaMismatch, ds.Name, col.Name,
			)
		}
		missing = append(missing, col)
	}
	return shared, missing, nil
}

// stagingDDL builds the CREATE TABLE for one replication run's staging table.
// Target columns absent upstream are still declared, defaulting to null, and
// the provenance and derived-popularity columns are always present.
func stagingDDL(ds *dataset.Dataset, table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", quoteIdent(table))
	for _, col := range ds.Columns {
		fmt.Fprintf(&b, "    %s %s,\n", quoteIdent(col.Name), col.SQLType)
	}
	b.WriteString("    standardized_popularity double precision,\n")
	b.WriteString("    synced_at timestamptz NOT NULL,\n")
	b.WriteString("    ingestion_type text NOT NULL,\n")
	b.WriteString("    PRIMARY KEY (identifier)\n)")
	return b.String()
}

// upstreamSelect builds the snapshot query over the shared columns. A
// positive limit bounds the copy (test loads and non-production runs),
// ordered by identifier to approximate a stable sample.
func upstreamSelect(table string, shared []dataset.Column, limit int) string {
	names := make([]string, len(shared))
	for i, col := range shared {
		names[i] = quoteIdent(col.Name)
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(names, ", "), quoteIdent(table))
	if limit > 0 {
		q += fmt.Sprintf(" ORDER BY identifier LIMIT %d", limit)
	}
	return q
}

// stagingColumnNames lists the staging table's column order used for the
// bulk copy: every target column, then the derived and provenance columns.
func stagingColumnNames(ds *dataset.Dataset) []string {
	names := make([]string, 0, len(ds.Columns)+3)
	for _, col := range ds.Columns {
		names = append(names, col.Name)
	}
	return append(names, "standardized_popularity", "synced_at", "ingestion_type")
}

// quoteIdent quotes a SQL identifier. Column and table names come from the
// static catalog, not from callers, but quoting keeps reserved words safe.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
