// Package lake is the table store adapter: it owns every read and write of the
// bronze and silver tables and hides the difference between creating a table and
// merging into an existing one.
package lake

import (
	"context"
	"errors"

	"github.com/withobsrvr/coingecko-lake/frame"
)

var (
	// ErrTableNotFound is returned by reads of a table that does not exist yet.
	ErrTableNotFound = errors.New("table not found")
	// ErrTableExists is returned by Save in ModeErrorIfExists when the table exists.
	ErrTableExists = errors.New("table already exists")
	// ErrSchemaMismatch is returned when source and target columns disagree.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrAmbiguousMatch is returned when several source rows match one target row.
	ErrAmbiguousMatch = errors.New("multiple source rows matched the same target row")
	// ErrPartitionType is returned when a partition value is not a string.
	ErrPartitionType = errors.New("partition values must be strings")
	// ErrConflict is returned when another writer committed the same version first.
	ErrConflict = errors.New("concurrent commit conflict")
	// ErrInvalidPredicate is returned for merge predicates that cannot be parsed.
	ErrInvalidPredicate = errors.New("invalid merge predicate")
)

// Table describes an existing table as seen by its last committed version.
type Table struct {
	Path        string
	Version     int64
	Fields      []frame.Field
	PartitionBy []string
}

// OpenStatus discriminates the outcome of Engine.Open.
type OpenStatus int

const (
	// TableMissing means nothing has been written at the path yet.
	TableMissing OpenStatus = iota + 1
	// TableOpened means Table holds the latest version.
	TableOpened
	// ReadError means the table could not be inspected; Err holds the cause.
	ReadError
)

func (s OpenStatus) String() string {
	switch s {
	case TableMissing:
		return "missing"
	case TableOpened:
		return "opened"
	case ReadError:
		return "read_error"
	}
	return "unknown"
}

// OpenResult is the discriminated result of opening a table.
type OpenResult struct {
	Status OpenStatus
	Table  Table
	Err    error
}

// Missing builds the TableMissing result.
func Missing() OpenResult {
	return OpenResult{Status: TableMissing}
}

// Opened builds the TableOpened result.
func Opened(t Table) OpenResult {
	return OpenResult{Status: TableOpened, Table: t}
}

// Failed builds the ReadError result.
func Failed(err error) OpenResult {
	return OpenResult{Status: ReadError, Err: err}
}

// Engine is a versioned, partitioned table store. Engines must treat a missing
// table as TableMissing, never as ReadError.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string
	// Open inspects the latest version of the table at path.
	Open(ctx context.Context, path string) OpenResult
	// Overwrite replaces all data at path, creating the table if needed.
	Overwrite(ctx context.Context, path string, data *frame.Frame, partitionBy []string) (Table, error)
	// Append adds rows to an existing table.
	Append(ctx context.Context, table Table, data *frame.Frame) (Table, error)
	// Merge applies source to an existing table according to spec.
	Merge(ctx context.Context, table Table, source *frame.Frame, spec MergeSpec) (Table, MergeStats, error)
	// Read loads every row of an existing table.
	Read(ctx context.Context, table Table) (*frame.Frame, error)
	// Close releases engine resources.
	Close() error
}
