package dataset

import (
	"fmt"

	"github.com/kailas-cloud/datarefresh/internal/domain"
)

// DescriptionLimit caps rendered description text.
const DescriptionLimit = 2000

// catalog holds the built-in datasets. The field-type tables are the
// first-class schema artifact: indexing behavior is declared here, never
// inferred from data.
var catalog = map[string]*Dataset{
	"image": {
		Name:  "image",
		Table: "image",
		Columns: []Column{
			{Name: "identifier", SQLType: "text", Required: true},
			{Name: "title", SQLType: "text", Required: true},
			{Name: "url", SQLType: "text", Required: true},
			{Name: "license", SQLType: "text", Required: true},
			{Name: "license_version", SQLType: "text"},
			{Name: "creator", SQLType: "text"},
			{Name: "creator_url", SQLType: "text"},
			{Name: "foreign_landing_url", SQLType: "text"},
			{Name: "thumbnail", SQLType: "text"},
			{Name: "provider", SQLType: "text"},
			{Name: "source", SQLType: "text"},
			{Name: "category", SQLType: "text"},
			{Name: "height", SQLType: "integer"},
			{Name: "width", SQLType: "integer"},
			{Name: "meta_data", SQLType: "jsonb"},
			{Name: "tags", SQLType: "jsonb"},
			{Name: "view_count", SQLType: "bigint"},
		},
		Fields: []Field{
			{Name: "identifier", Type: Keyword},
			{Name: "title", Type: Text, BooleanTerms: true},
			{Name: "description", Type: Text, Derive: DeriveDescription, MaxLen: DescriptionLimit},
			{Name: "creator", Type: Text},
			{Name: "url", Type: Keyword},
			{Name: "foreign_landing_url", Type: Keyword},
			{Name: "license", Type: Keyword, Lower: true},
			{Name: "license_version", Type: Keyword},
			{Name: "provider", Type: Keyword},
			{Name: "source", Type: Keyword},
			{Name: "category", Type: Keyword},
			{Name: "aspect_ratio", Type: Keyword, Derive: DeriveAspectRatio},
			{Name: "size", Type: Keyword, Derive: DeriveSize},
			{Name: "extension", Type: Keyword, Derive: DeriveExtension, Lower: true},
			{Name: "standardized_popularity", Type: Numeric, Rank: true},
			{Name: "thumbnail", Type: Excluded},
		},
		Popularity: &PopularityRule{MetricColumn: "view_count", Constant: 1000},
	},
	"audio": {
		Name:  "audio",
		Table: "audio",
		Columns: []Column{
			{Name: "identifier", SQLType: "text", Required: true},
			{Name: "title", SQLType: "text", Required: true},
			{Name: "url", SQLType: "text", Required: true},
			{Name: "license", SQLType: "text", Required: true},
			{Name: "license_version", SQLType: "text"},
			{Name: "creator", SQLType: "text"},
			{Name: "creator_url", SQLType: "text"},
			{Name: "foreign_landing_url", SQLType: "text"},
			{Name: "provider", SQLType: "text"},
			{Name: "source", SQLType: "text"},
			{Name: "category", SQLType: "text"},
			{Name: "genres", SQLType: "text"},
			{Name: "duration", SQLType: "integer"},
			{Name: "bit_rate", SQLType: "integer"},
			{Name: "sample_rate", SQLType: "integer"},
			{Name: "meta_data", SQLType: "jsonb"},
			{Name: "tags", SQLType: "jsonb"},
			{Name: "view_count", SQLType: "bigint"},
		},
		Fields: []Field{
			{Name: "identifier", Type: Keyword},
			{Name: "title", Type: Text, BooleanTerms: true},
			{Name: "description", Type: Text, Derive: DeriveDescription, MaxLen: DescriptionLimit},
			{Name: "creator", Type: Text},
			{Name: "url", Type: Keyword},
			{Name: "foreign_landing_url", Type: Keyword},
			{Name: "license", Type: Keyword, Lower: true},
			{Name: "license_version", Type: Keyword},
			{Name: "provider", Type: Keyword},
			{Name: "source", Type: Keyword},
			{Name: "category", Type: Keyword},
			{Name: "genres", Type: Keyword, Lower: true},
			{Name: "duration", Type: Numeric},
			{Name: "bit_rate", Type: Numeric},
			{Name: "sample_rate", Type: Numeric},
			{Name: "length", Type: Keyword, Derive: DeriveLength},
			{Name: "standardized_popularity", Type: Numeric, Rank: true},
		},
		Popularity: &PopularityRule{MetricColumn: "view_count", Constant: 200},
	},
}

// Lookup returns the dataset definition by name.
func Lookup(name string) (*Dataset, error) {
	d, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, domain.ErrUnknownDataset)
	}
	return d, nil
}

// Names lists the catalog dataset names.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	return names
}

// ValidateCatalog checks every built-in field-type table. Called at startup;
// a broken table prevents the service from booting.
func ValidateCatalog() error {
	for _, d := range catalog {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}
