package dataset

// Type declares how a document field is indexed. There is no dynamic type
// inference from sampled values: inference degrades both performance and
// relevance consistency, so the mapping is explicit and static per dataset.
type Type string

const (
	// Keyword fields match exactly and are never tokenized.
	Keyword Type = "keyword"
	// Text fields are tokenized and full-text searchable.
	Text Type = "text"
	// Numeric fields are sortable and range-filterable.
	Numeric Type = "numeric"
	// Excluded fields are carried through staging but never indexed.
	Excluded Type = "excluded"
)

// Derivation names a computed field whose value comes from other staged
// columns rather than a verbatim copy.
type Derivation string

const (
	DeriveNone        Derivation = ""
	DeriveAspectRatio Derivation = "aspect_ratio" // tall/wide/square from height and width
	DeriveSize        Derivation = "size"         // small/medium/large from pixel area
	DeriveExtension   Derivation = "extension"    // trailing URL segment after the last dot
	DeriveLength      Derivation = "length"       // shortest/short/medium/long from duration
	DeriveDescription Derivation = "description"  // description key of the metadata column
)

// derivationInputs lists the staging columns each derivation reads.
var derivationInputs = map[Derivation][]string{
	DeriveAspectRatio: {"height", "width"},
	DeriveSize:        {"height", "width"},
	DeriveExtension:   {"url"},
	DeriveLength:      {"duration"},
	DeriveDescription: {"meta_data"},
}

// Field is one entry in a dataset's static field-type table.
type Field struct {
	Name string
	Type Type

	// Source is the staging column the value is read from. Empty means the
	// column named after the field. Ignored when Derive is set.
	Source string

	// Derive computes the value from other columns instead of copying.
	Derive Derivation

	// BooleanTerms applies boolean term presence to a text field: terms are
	// stemmed and de-duplicated so repeated terms cannot dominate relevance.
	BooleanTerms bool

	// Rank marks a numeric field as a relevance rank signal, scaled to
	// (0, 100] and omitted when absent or zero.
	Rank bool

	// Lower folds the rendered value to lower case.
	Lower bool

	// MaxLen truncates the rendered value to at most MaxLen bytes. Zero
	// means no limit.
	MaxLen int
}

// source resolves the staging column this field reads from.
func (f Field) source() string {
	if f.Source != "" {
		return f.Source
	}
	return f.Name
}
