// Package deltalog is a pure-Go versioned table engine: hive-partitioned Parquet
// data files plus a JSON commit log with optimistic concurrency.
package deltalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/google/uuid"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/logging"
)

// Config configures the engine.
type Config struct {
	// Compression is one of snappy, zstd, gzip or none.
	Compression string
}

// Engine implements lake.Engine on the local filesystem.
type Engine struct {
	logger      *logging.ComponentLogger
	allocator   memory.Allocator
	compression compress.Compression
	now         func() time.Time
}

var _ lake.Engine = (*Engine)(nil)

// New creates a delta-log engine.
func New(cfg Config, logger *logging.ComponentLogger) (*Engine, error) {
	c, err := codec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		logger:      logger,
		allocator:   memory.NewGoAllocator(),
		compression: c,
		now:         time.Now,
	}, nil
}

func (e *Engine) Name() string { return "deltalog" }

func (e *Engine) Close() error { return nil }

// Open replays the commit log of the table at path.
func (e *Engine) Open(_ context.Context, path string) lake.OpenResult {
	snap, err := replay(path, -1)
	if err != nil {
		return lake.Failed(err)
	}
	if snap == nil {
		return lake.Missing()
	}
	return lake.Opened(snap.table(path))
}

// Overwrite removes every live file and writes data as the next version.
func (e *Engine) Overwrite(_ context.Context, path string, data *frame.Frame, partitionBy []string) (lake.Table, error) {
	snap, err := replay(path, -1)
	if err != nil {
		return lake.Table{}, err
	}
	next := int64(0)
	var remove []string
	if snap != nil {
		next = snap.version + 1
		for _, f := range snap.activeFiles() {
			remove = append(remove, f.Path)
		}
	}

	fields, err := resolveFields(data.Fields(), data, partitionBy)
	if err != nil {
		return lake.Table{}, err
	}
	normalized, err := normalize(data, fields)
	if err != nil {
		return lake.Table{}, err
	}
	added, err := e.writeFiles(path, normalized, allRows(normalized), fields, partitionBy)
	if err != nil {
		return lake.Table{}, err
	}

	c := &Commit{
		Version:     next,
		Timestamp:   e.now().UTC(),
		Operation:   "WRITE",
		Schema:      fields,
		PartitionBy: partitionBy,
		Add:         added,
		Remove:      remove,
	}
	return e.commit(path, c)
}

// Append writes data as new files next to the live ones.
func (e *Engine) Append(_ context.Context, table lake.Table, data *frame.Frame) (lake.Table, error) {
	fields, err := mergeSchema(table.Fields, data)
	if err != nil {
		return lake.Table{}, err
	}
	normalized, err := normalize(data, fields)
	if err != nil {
		return lake.Table{}, err
	}
	added, err := e.writeFiles(table.Path, normalized, allRows(normalized), fields, table.PartitionBy)
	if err != nil {
		return lake.Table{}, err
	}
	c := &Commit{
		Version:     table.Version + 1,
		Timestamp:   e.now().UTC(),
		Operation:   "APPEND",
		Schema:      fields,
		PartitionBy: table.PartitionBy,
		Add:         added,
	}
	return e.commit(table.Path, c)
}

// Merge rewrites only the files holding updated rows and writes inserted rows as
// new files.
func (e *Engine) Merge(ctx context.Context, table lake.Table, source *frame.Frame, spec lake.MergeSpec) (lake.Table, lake.MergeStats, error) {
	snap, err := replay(table.Path, table.Version)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	target, origin, err := e.load(ctx, table.Path, snap)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	fields, err := mergeSchema(snap.schema, source)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	normSource, err := normalize(source, fields)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}

	plan, err := lake.Plan(target, normSource, spec)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	if len(plan.Updates) == 0 && len(plan.Inserts) == 0 {
		return table, plan.Stats, nil
	}
	merged := lake.Apply(target, normSource, plan)

	// Rows of a touched file are rewritten together; untouched files stay live.
	touched := make(map[string][]int)
	for t := range plan.Updates {
		touched[origin[t]] = nil
	}
	for i, file := range origin {
		if _, ok := touched[file]; ok {
			touched[file] = append(touched[file], i)
		}
	}

	var (
		added  []AddFile
		remove []string
	)
	for file, rowIdx := range touched {
		files, err := e.writeFiles(table.Path, merged, rowIdx, fields, snap.partitionBy)
		if err != nil {
			return lake.Table{}, lake.MergeStats{}, err
		}
		added = append(added, files...)
		remove = append(remove, file)
	}
	inserts := make([]int, 0, len(plan.Inserts))
	for i := target.Len(); i < merged.Len(); i++ {
		inserts = append(inserts, i)
	}
	files, err := e.writeFiles(table.Path, merged, inserts, fields, snap.partitionBy)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	added = append(added, files...)

	c := &Commit{
		Version:     table.Version + 1,
		Timestamp:   e.now().UTC(),
		Operation:   "MERGE",
		Schema:      fields,
		PartitionBy: snap.partitionBy,
		Add:         added,
		Remove:      remove,
		Metrics: map[string]int{
			"matched":  plan.Stats.Matched,
			"updated":  plan.Stats.Updated,
			"inserted": plan.Stats.Inserted,
		},
	}
	out, err := e.commit(table.Path, c)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	return out, plan.Stats, nil
}

// Read loads the table at the version it was opened at.
func (e *Engine) Read(ctx context.Context, table lake.Table) (*frame.Frame, error) {
	return e.ReadVersion(ctx, table.Path, table.Version)
}

// ReadVersion loads the table as of a past version.
func (e *Engine) ReadVersion(ctx context.Context, path string, version int64) (*frame.Frame, error) {
	snap, err := replay(path, version)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%s: %w", path, lake.ErrTableNotFound)
	}
	data, _, err := e.load(ctx, path, snap)
	return data, err
}

// History returns every commit of the table in version order.
func (e *Engine) History(path string) ([]Commit, error) {
	versions, err := listVersions(path)
	if err != nil {
		return nil, err
	}
	out := make([]Commit, 0, len(versions))
	for _, v := range versions {
		c, err := readCommit(path, v)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// load reads every live file of snap. origin[i] is the file row i came from.
func (e *Engine) load(ctx context.Context, path string, snap *snapshot) (*frame.Frame, []string, error) {
	out := frame.New(snap.schema...)
	var origin []string
	for _, f := range snap.activeFiles() {
		partitions := map[string]any{}
		if i := strings.LastIndex(f.Path, "/"); i >= 0 {
			parsed, err := lake.ParsePartitionDir(f.Path[:i])
			if err != nil {
				return nil, nil, fmt.Errorf("file %s: %w", f.Path, err)
			}
			partitions = parsed
		}
		before := out.Len()
		if err := readParquet(ctx, e.allocator, filepath.Join(path, filepath.FromSlash(f.Path)), out, partitions); err != nil {
			return nil, nil, err
		}
		for i := before; i < out.Len(); i++ {
			origin = append(origin, f.Path)
		}
	}
	return out, origin, nil
}

// writeFiles writes the given rows of data as one Parquet file per partition.
func (e *Engine) writeFiles(tablePath string, data *frame.Frame, rows []int, fields []frame.Field, partitionBy []string) ([]AddFile, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	groups := make(map[string][]int)
	var order []string
	for _, i := range rows {
		dir, err := lake.PartitionDir(data, i, partitionBy)
		if err != nil {
			return nil, err
		}
		if _, ok := groups[dir]; !ok {
			order = append(order, dir)
		}
		groups[dir] = append(groups[dir], i)
	}

	fileFields := dataFields(fields, partitionBy)
	added := make([]AddFile, 0, len(order))
	for _, dir := range order {
		rel := "part-" + uuid.NewString() + ".parquet"
		if dir != "" {
			rel = dir + "/" + rel
		}
		full := filepath.Join(tablePath, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create partition directory: %w", err)
		}

		rec, err := buildRecord(e.allocator, fileFields, data, groups[dir])
		if err != nil {
			return nil, err
		}
		size, err := writeParquet(full, rec, e.compression)
		n := rec.NumRows()
		rec.Release()
		if err != nil {
			return nil, err
		}
		added = append(added, AddFile{Path: rel, Rows: n, Size: size})

		e.logger.Debug().
			Str("path", full).
			Str("partition", dir).
			Int64("rows", n).
			Int64("bytes", size).
			Msg("Wrote Parquet file")
	}
	return added, nil
}

func (e *Engine) commit(path string, c *Commit) (lake.Table, error) {
	if err := writeCommit(path, c); err != nil {
		if errors.Is(err, lake.ErrConflict) {
			e.removeOrphans(path, c.Add)
		}
		return lake.Table{}, err
	}
	e.logger.Info().
		Str("path", path).
		Int64("version", c.Version).
		Str("operation", c.Operation).
		Int("files_added", len(c.Add)).
		Int("files_removed", len(c.Remove)).
		Msg("Committed table version")
	return lake.Table{
		Path:        path,
		Version:     c.Version,
		Fields:      c.Schema,
		PartitionBy: c.PartitionBy,
	}, nil
}

func (e *Engine) removeOrphans(path string, files []AddFile) {
	for _, f := range files {
		if err := os.Remove(filepath.Join(path, filepath.FromSlash(f.Path))); err != nil {
			e.logger.Warn().Err(err).Str("file", f.Path).Msg("Could not remove data file of a conflicting commit")
		}
	}
}

// resolveFields types every column: untyped columns take the type of their first
// non-null value and partition columns are always strings.
func resolveFields(fields []frame.Field, data *frame.Frame, partitionBy []string) ([]frame.Field, error) {
	isPartition := make(map[string]bool, len(partitionBy))
	for _, p := range partitionBy {
		isPartition[p] = true
	}
	out := make([]frame.Field, len(fields))
	for i, f := range fields {
		out[i] = f
		if isPartition[f.Name] {
			if f.Type != frame.String && f.Type != frame.Unknown {
				return nil, fmt.Errorf("partition column %q is %s: %w", f.Name, f.Type, lake.ErrPartitionType)
			}
			out[i].Type = frame.String
			continue
		}
		if f.Type != frame.Unknown {
			continue
		}
		for r := 0; r < data.Len(); r++ {
			if v := data.Value(r, f.Name); v != nil {
				out[i].Type = frame.InferType(v)
				break
			}
		}
	}
	return out, nil
}

// mergeSchema checks source against the table schema and types any column still
// untyped in the table.
func mergeSchema(tableFields []frame.Field, source *frame.Frame) ([]frame.Field, error) {
	if err := lake.CheckSchema(tableFields, source); err != nil {
		return nil, err
	}
	fields := append([]frame.Field(nil), tableFields...)
	for i, f := range fields {
		if f.Type != frame.Unknown {
			continue
		}
		if sf, ok := source.Field(f.Name); ok && sf.Type != frame.Unknown {
			fields[i].Type = sf.Type
		}
	}
	return fields, nil
}

// normalize projects data onto fields and converts every value to the Go
// representation of its column type.
func normalize(data *frame.Frame, fields []frame.Field) (*frame.Frame, error) {
	out := frame.New(fields...)
	for i := 0; i < data.Len(); i++ {
		rec := make(map[string]any, len(fields))
		for _, f := range fields {
			v := data.Value(i, f.Name)
			if f.Type != frame.Unknown {
				converted, err := frame.Convert(v, f.Type)
				if err != nil {
					return nil, fmt.Errorf("column %q row %d: %w", f.Name, i, err)
				}
				v = converted
			} else if v != nil {
				s, err := frame.Convert(v, frame.String)
				if err != nil {
					return nil, fmt.Errorf("column %q row %d: %w", f.Name, i, err)
				}
				v = s
			}
			rec[f.Name] = v
		}
		out.AppendRecord(rec)
	}
	return out, nil
}

func dataFields(fields []frame.Field, partitionBy []string) []frame.Field {
	skip := make(map[string]bool, len(partitionBy))
	for _, p := range partitionBy {
		skip[p] = true
	}
	out := make([]frame.Field, 0, len(fields))
	for _, f := range fields {
		if !skip[f.Name] {
			out = append(out, f)
		}
	}
	return out
}

func allRows(f *frame.Frame) []int {
	out := make([]int, f.Len())
	for i := range out {
		out[i] = i
	}
	return out
}
