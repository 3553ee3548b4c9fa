package search

import "errors"

// Sentinel errors for search store operations.
var (
	ErrKeyNotFound   = errors.New("search: key not found")
	ErrIndexNotFound = errors.New("search: index not found")
	ErrIndexExists   = errors.New("search: index already exists")
)

// Op constants map to engine command names for error context.
const (
	OpCreateIndex = "FT.CREATE"
	OpDropIndex   = "FT.DROPINDEX"
	OpIndexInfo   = "FT.INFO"
	OpAliasUpdate = "FT.ALIASUPDATE"
	OpSearch      = "FT.SEARCH"
	OpHSet        = "HSET"
	OpHGetAll     = "HGETALL"
	OpDel         = "DEL"
	OpGet         = "GET"
	OpSet         = "SET"
	OpExists      = "EXISTS"
	OpScan        = "SCAN"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
