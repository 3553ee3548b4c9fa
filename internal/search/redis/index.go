package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/kailas-cloud/datarefresh/internal/search"
)

// CreateIndex creates an FT index from the given definition.
func (s *Store) CreateIndex(ctx context.Context, def *search.IndexDefinition) error {
	args, err := buildCreateArgs(def)
	if err != nil {
		return err
	}

	cmd := s.b().Arbitrary("FT.CREATE").Args(args...).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if isRedisErr(err, "index already exists") {
			return search.ErrIndexExists
		}
		return &search.Error{Op: search.OpCreateIndex, Err: err}
	}
	return nil
}

// DropIndex removes an FT index by name. withDocs also deletes the documents
// under the index prefix (FT.DROPINDEX ... DD).
func (s *Store) DropIndex(ctx context.Context, name string, withDocs bool) error {
	args := []string{name}
	if withDocs {
		args = append(args, "DD")
	}
	cmd := s.b().Arbitrary("FT.DROPINDEX").Args(args...).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if isRedisErr(err, "unknown index name") {
			return search.ErrIndexNotFound
		}
		return &search.Error{Op: search.OpDropIndex, Err: err}
	}
	return nil
}

// IndexExists probes index existence via FT.INFO; "unknown index name" means absent.
func (s *Store) IndexExists(ctx context.Context, name string) (bool, error) {
	cmd := s.b().Arbitrary("FT.INFO").Args(name).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if isRedisErr(err, "unknown index name") {
			return false, nil
		}
		return false, &search.Error{Op: search.OpIndexInfo, Err: err}
	}
	return true, nil
}

// AliasUpdate atomically repoints alias at index. FT.ALIASUPDATE creates the
// alias when missing and swaps it in a single engine command, so concurrent
// readers never resolve the alias to zero or two indexes.
func (s *Store) AliasUpdate(ctx context.Context, alias, index string) error {
	cmd := s.b().Arbitrary("FT.ALIASUPDATE").Args(alias, index).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if isRedisErr(err, "unknown index name") {
			return search.ErrIndexNotFound
		}
		return &search.Error{Op: search.OpAliasUpdate, Err: err}
	}
	return nil
}

// CountDocs returns the document count via FT.SEARCH with LIMIT 0 0.
func (s *Store) CountDocs(ctx context.Context, index string) (int, error) {
	cmd := s.b().Arbitrary("FT.SEARCH").Args(index, "*", "LIMIT", "0", "0").Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		if isRedisErr(err, "unknown index name") {
			return 0, search.ErrIndexNotFound
		}
		return 0, &search.Error{Op: search.OpSearch, Err: err}
	}
	if len(raw) == 0 {
		return 0, nil
	}
	total, err := raw[0].AsInt64()
	if err != nil {
		return 0, fmt.Errorf("parse count: %w", err)
	}
	return int(total), nil
}

func buildCreateArgs(def *search.IndexDefinition) ([]string, error) {
	if def.Name == "" {
		return nil, errors.New("index name is required")
	}
	if def.Prefix == "" {
		return nil, errors.New("index prefix is required")
	}
	if len(def.Fields) == 0 {
		return nil, errors.New("at least one field is required")
	}

	args := []string{def.Name, "ON", "HASH", "PREFIX", "1", def.Prefix, "SCHEMA"}
	for i := range def.Fields {
		fieldArgs, err := buildFieldArgs(&def.Fields[i])
		if err != nil {
			return nil, err
		}
		args = append(args, fieldArgs...)
	}
	return args, nil
}

func buildFieldArgs(f *search.IndexField) ([]string, error) {
	if f.Name == "" {
		return nil, errors.New("field name is required")
	}

	args := []string{f.Name}
	switch f.Type {
	case search.FieldNumeric:
		args = append(args, "NUMERIC")
	case search.FieldText:
		args = append(args, "TEXT")
	case search.FieldTag:
		args = append(args, "TAG")
	default:
		return nil, fmt.Errorf("unknown field type %q", f.Type)
	}
	if f.Sortable {
		args = append(args, "SORTABLE")
	}
	return args, nil
}
