package dataset

import "fmt"

// Column is one staging-table column replicated from upstream.
type Column struct {
	Name    string
	SQLType string

	// Required columns must exist upstream; optional ones are added to the
	// staging table with null defaults when the source lacks them.
	Required bool
}

// PopularityRule computes the standardized popularity score during
// replication: metric / (metric + constant), yielding a value in [0, 1).
// The constant is dataset-specific.
type PopularityRule struct {
	MetricColumn string
	Constant     float64
}

// Dataset is a named searchable collection with a fixed target schema.
type Dataset struct {
	// Name is the stable logical name the alias is registered under.
	Name string
	// Table is the upstream (and production) relational table.
	Table string

	Columns    []Column
	Fields     []Field
	Popularity *PopularityRule
}

// StagingTable is the production staging table for this dataset.
func (d *Dataset) StagingTable() string {
	return d.Table + "_staging"
}

// Column returns the column definition by name.
func (d *Dataset) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Validate checks the field-type table against the column list. It runs at
// startup so a malformed table is rejected before any pipeline work begins.
func (d *Dataset) Validate() error {
	if d.Name == "" || d.Table == "" {
		return fmt.Errorf("dataset needs a name and a table")
	}

	cols := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		if c.Name == "" || c.SQLType == "" {
			return fmt.Errorf("dataset %s: column needs a name and a SQL type", d.Name)
		}
		if cols[c.Name] {
			return fmt.Errorf("dataset %s: duplicate column %q", d.Name, c.Name)
		}
		cols[c.Name] = true
	}
	if !cols["identifier"] {
		return fmt.Errorf("dataset %s: identifier column is required", d.Name)
	}
	if d.Popularity != nil {
		// Computed during replication; present in every staging table.
		cols["standardized_popularity"] = true
	}

	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("dataset %s: unnamed field", d.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("dataset %s: duplicate field %q", d.Name, f.Name)
		}
		seen[f.Name] = true

		switch f.Type {
		case Keyword, Text, Numeric, Excluded:
		default:
			return fmt.Errorf("dataset %s: field %q has unknown type %q", d.Name, f.Name, f.Type)
		}
		if f.BooleanTerms && f.Type != Text {
			return fmt.Errorf("dataset %s: field %q: boolean terms require a text field", d.Name, f.Name)
		}
		if f.Rank && f.Type != Numeric {
			return fmt.Errorf("dataset %s: field %q: rank requires a numeric field", d.Name, f.Name)
		}

		if f.Derive != DeriveNone {
			inputs, ok := derivationInputs[f.Derive]
			if !ok {
				return fmt.Errorf("dataset %s: field %q has unknown derivation %q", d.Name, f.Name, f.Derive)
			}
			for _, in := range inputs {
				if !cols[in] {
					return fmt.Errorf(
						"dataset %s: field %q: derivation %q needs column %q",
						d.Name, f.Name, f.Derive, in,
					)
				}
			}
			continue
		}
		if !cols[f.source()] {
			return fmt.Errorf("dataset %s: field %q reads missing column %q", d.Name, f.Name, f.source())
		}
	}

	if d.Popularity != nil {
		if !cols[d.Popularity.MetricColumn] {
			return fmt.Errorf(
				"dataset %s: popularity metric column %q is not replicated",
				d.Name, d.Popularity.MetricColumn,
			)
		}
		if d.Popularity.Constant <= 0 {
			return fmt.Errorf("dataset %s: popularity constant must be positive", d.Name)
		}
	}
	return nil
}
