// Package laketest provides an in-memory lake.Engine for tests.
package laketest

import (
	"context"
	"fmt"
	"sync"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
)

type version struct {
	fields      []frame.Field
	partitionBy []string
	data        *frame.Frame
}

// Engine keeps every committed version of every table in memory.
type Engine struct {
	mu     sync.Mutex
	tables map[string][]version

	// OpenErr, when set for a path, makes Open report a ReadError.
	OpenErr map[string]error
	// MergeErr, when set, is returned by every Merge call.
	MergeErr error
	// OverwriteErr, when set, is returned by every Overwrite call.
	OverwriteErr error

	// Calls records engine operations in order, e.g. "merge:/silver".
	Calls []string
}

// New creates an empty in-memory engine.
func New() *Engine {
	return &Engine{
		tables:  make(map[string][]version),
		OpenErr: make(map[string]error),
	}
}

var _ lake.Engine = (*Engine)(nil)

func (e *Engine) Name() string { return "memory" }

func (e *Engine) Open(_ context.Context, path string) lake.OpenResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, "open:"+path)
	if err, ok := e.OpenErr[path]; ok {
		return lake.Failed(err)
	}
	versions := e.tables[path]
	if len(versions) == 0 {
		return lake.Missing()
	}
	return lake.Opened(e.table(path, int64(len(versions)-1)))
}

func (e *Engine) table(path string, v int64) lake.Table {
	ver := e.tables[path][v]
	return lake.Table{
		Path:        path,
		Version:     v,
		Fields:      append([]frame.Field(nil), ver.fields...),
		PartitionBy: append([]string(nil), ver.partitionBy...),
	}
}

func (e *Engine) Overwrite(_ context.Context, path string, data *frame.Frame, partitionBy []string) (lake.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, "overwrite:"+path)
	if e.OverwriteErr != nil {
		return lake.Table{}, e.OverwriteErr
	}
	if err := lake.CheckPartitions(data, partitionBy); err != nil {
		return lake.Table{}, err
	}
	return e.commit(path, data.Clone(), partitionBy), nil
}

func (e *Engine) Append(_ context.Context, table lake.Table, data *frame.Frame) (lake.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, "append:"+table.Path)
	current, err := e.latest(table)
	if err != nil {
		return lake.Table{}, err
	}
	merged, err := lake.Concat(current.data, data)
	if err != nil {
		return lake.Table{}, err
	}
	return e.commit(table.Path, merged, current.partitionBy), nil
}

func (e *Engine) Merge(_ context.Context, table lake.Table, source *frame.Frame, spec lake.MergeSpec) (lake.Table, lake.MergeStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, "merge:"+table.Path)
	if e.MergeErr != nil {
		return lake.Table{}, lake.MergeStats{}, e.MergeErr
	}
	current, err := e.latest(table)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	merged, stats, err := lake.Merge(current.data, source, spec)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	return e.commit(table.Path, merged, current.partitionBy), stats, nil
}

func (e *Engine) Read(_ context.Context, table lake.Table) (*frame.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, "read:"+table.Path)
	current, err := e.latest(table)
	if err != nil {
		return nil, err
	}
	return current.data.Clone(), nil
}

func (e *Engine) Close() error { return nil }

// Versions returns how many versions of path have been committed.
func (e *Engine) Versions(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tables[path])
}

// Snapshot returns a copy of the latest data at path, or nil.
func (e *Engine) Snapshot(path string) *frame.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	versions := e.tables[path]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1].data.Clone()
}

// latest returns the newest version and rejects stale table handles.
func (e *Engine) latest(table lake.Table) (version, error) {
	versions := e.tables[table.Path]
	if len(versions) == 0 {
		return version{}, fmt.Errorf("%s: %w", table.Path, lake.ErrTableNotFound)
	}
	if int64(len(versions)-1) != table.Version {
		return version{}, fmt.Errorf("%s: opened at version %d, latest is %d: %w",
			table.Path, table.Version, len(versions)-1, lake.ErrConflict)
	}
	return versions[len(versions)-1], nil
}

func (e *Engine) commit(path string, data *frame.Frame, partitionBy []string) lake.Table {
	e.tables[path] = append(e.tables[path], version{
		fields:      data.Fields(),
		partitionBy: append([]string(nil), partitionBy...),
		data:        data,
	})
	return e.table(path, int64(len(e.tables[path])-1))
}
