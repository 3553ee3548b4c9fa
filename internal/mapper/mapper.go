// Package mapper translates staging records into search documents under a
// dataset's static field-type table. Mapping is pure and deterministic:
// identical records yield byte-identical documents.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	"github.com/kailas-cloud/datarefresh/internal/domain/dataset"
	"github.com/kailas-cloud/datarefresh/internal/search"
)

// Rank signal bounds. Raw popularity is stored in [0, 1) and scaled to
// (0, 100] so signals from different datasets compare fairly.
const (
	rankFloor   = 0.0
	rankCeiling = 100.0
)

// Image size bands in pixel area.
const (
	sizeSmallMax  = 640 * 480
	sizeMediumMax = 1600 * 900
)

// Audio duration bands in milliseconds.
const (
	lengthShortestMax = 30 * 1000
	lengthShortMax    = 2 * 60 * 1000
	lengthMediumMax   = 10 * 60 * 1000
)

// ToDocument projects one staging record onto the dataset's document schema.
// No I/O; errors only signal a field table bug, since tables are validated
// at startup.
func ToDocument(ds *dataset.Dataset, rec domain.StagingRecord) (domain.Document, error) {
	fields := make(map[string]string, len(ds.Fields))

	for _, f := range ds.Fields {
		if f.Type == dataset.Excluded {
			continue
		}

		var (
			val string
			ok  bool
		)
		if f.Derive != dataset.DeriveNone {
			val, ok = deriveValue(f.Derive, rec)
		} else if f.Type == dataset.Numeric {
			num, present := toFloat(rec.Fields[fieldSource(f)])
			if present {
				if f.Rank {
					num, present = rankValue(num)
				}
				if present {
					val, ok = formatNumeric(num), true
				}
			}
		} else {
			val, ok = toString(rec.Fields[fieldSource(f)])
		}
		if !ok || val == "" {
			continue
		}

		if f.BooleanTerms {
			val = normalizeBooleanTerms(val)
		}
		if f.Lower {
			val = strings.ToLower(val)
		}
		if f.MaxLen > 0 && len(val) > f.MaxLen {
			val = truncate(val, f.MaxLen)
		}
		if val == "" {
			continue
		}
		fields[f.Name] = val
	}

	if rec.Identifier == "" {
		return domain.Document{}, fmt.Errorf("staging record has no identifier")
	}
	return domain.NewDocument(rec.Identifier, fields), nil
}

// IndexFields renders the dataset's field table as an index schema.
func IndexFields(ds *dataset.Dataset) []search.IndexField {
	out := make([]search.IndexField, 0, len(ds.Fields))
	for _, f := range ds.Fields {
		switch f.Type {
		case dataset.Keyword:
			out = append(out, search.IndexField{Name: f.Name, Type: search.FieldTag})
		case dataset.Text:
			out = append(out, search.IndexField{Name: f.Name, Type: search.FieldText})
		case dataset.Numeric:
			out = append(out, search.IndexField{Name: f.Name, Type: search.FieldNumeric, Sortable: true})
		}
	}
	return out
}

func fieldSource(f dataset.Field) string {
	if f.Source != "" {
		return f.Source
	}
	return f.Name
}

// rankValue scales a raw [0, 1) popularity to the (0, 100] rank band.
// Zero or absent signals are omitted rather than stored as zero.
func rankValue(raw float64) (float64, bool) {
	if raw <= 0 {
		return 0, false
	}
	v := raw * 100
	if v > rankCeiling {
		v = rankCeiling
	}
	if v <= rankFloor {
		return 0, false
	}
	return v, true
}

func deriveValue(d dataset.Derivation, rec domain.StagingRecord) (string, bool) {
	switch d {
	case dataset.DeriveAspectRatio:
		return deriveAspectRatio(rec)
	case dataset.DeriveSize:
		return deriveSize(rec)
	case dataset.DeriveExtension:
		return deriveExtension(rec)
	case dataset.DeriveLength:
		return deriveLength(rec)
	case dataset.DeriveDescription:
		return deriveDescription(rec)
	default:
		return "", false
	}
}

func deriveAspectRatio(rec domain.StagingRecord) (string, bool) {
	h, okH := toFloat(rec.Fields["height"])
	w, okW := toFloat(rec.Fields["width"])
	if !okH || !okW {
		return "", false
	}
	switch {
	case h > w:
		return "tall", true
	case h < w:
		return "wide", true
	default:
		return "square", true
	}
}

func deriveSize(rec domain.StagingRecord) (string, bool) {
	h, okH := toFloat(rec.Fields["height"])
	w, okW := toFloat(rec.Fields["width"])
	if !okH || !okW {
		return "", false
	}
	area := h * w
	switch {
	case area < sizeSmallMax:
		return "small", true
	case area < sizeMediumMax:
		return "medium", true
	default:
		return "large", true
	}
}

func deriveExtension(rec domain.StagingRecord) (string, bool) {
	url, ok := toString(rec.Fields["url"])
	if !ok {
		return "", false
	}
	idx := strings.LastIndexByte(url, '.')
	if idx < 0 {
		return "", false
	}
	ext := url[idx+1:]
	if ext == "" || strings.ContainsRune(ext, '/') {
		return "", false
	}
	return ext, true
}

func deriveLength(rec domain.StagingRecord) (string, bool) {
	dur, ok := toFloat(rec.Fields["duration"])
	if !ok || dur <= 0 {
		return "", false
	}
	switch {
	case dur < lengthShortestMax:
		return "shortest", true
	case dur < lengthShortMax:
		return "short", true
	case dur < lengthMediumMax:
		return "medium", true
	default:
		return "long", true
	}
}

func deriveDescription(rec domain.StagingRecord) (string, bool) {
	meta, ok := rec.Fields["meta_data"].(map[string]any)
	if !ok {
		return "", false
	}
	return toString(meta["description"])
}

// truncate cuts s to at most max bytes without splitting a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// formatNumeric renders a float in its shortest exact decimal form, keeping
// document encoding byte-stable across rebuilds.
func formatNumeric(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, s != ""
	case []byte:
		return string(s), len(s) > 0
	case time.Time:
		return s.UTC().Format(time.RFC3339), true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
