package deltalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/withobsrvr/coingecko-lake/frame"
)

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

func arrowType(t frame.Type) arrow.DataType {
	switch t {
	case frame.Float64:
		return arrow.PrimitiveTypes.Float64
	case frame.Float32:
		return arrow.PrimitiveTypes.Float32
	case frame.Int16:
		return arrow.PrimitiveTypes.Int16
	case frame.Int64:
		return arrow.PrimitiveTypes.Int64
	case frame.Bool:
		return arrow.FixedWidthTypes.Boolean
	case frame.Timestamp:
		return timestampType
	}
	// String, JSON and still-untyped columns are stored as UTF-8.
	return arrow.BinaryTypes.String
}

func arrowSchema(fields []frame.Field) *arrow.Schema {
	out := make([]arrow.Field, len(fields))
	for i, f := range fields {
		out[i] = arrow.Field{Name: f.Name, Type: arrowType(f.Type), Nullable: true}
	}
	return arrow.NewSchema(out, nil)
}

func codec(name string) (compress.Compression, error) {
	switch name {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "none":
		return compress.Codecs.Uncompressed, nil
	}
	return compress.Codecs.Uncompressed, fmt.Errorf("unsupported parquet compression %q", name)
}

// buildRecord converts the given rows of data into an Arrow record holding the
// columns in fields. Values must already be in the representation of their type.
func buildRecord(mem memory.Allocator, fields []frame.Field, data *frame.Frame, rows []int) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, arrowSchema(fields))
	defer b.Release()

	for c, f := range fields {
		fb := b.Field(c)
		for _, i := range rows {
			v := data.Value(i, f.Name)
			if v == nil {
				fb.AppendNull()
				continue
			}
			if err := appendValue(fb, f, v); err != nil {
				return nil, err
			}
		}
	}
	return b.NewRecord(), nil
}

func appendValue(fb array.Builder, f frame.Field, v any) error {
	mismatch := func() error {
		return fmt.Errorf("column %q: %T value in %s column", f.Name, v, f.Type)
	}
	switch bld := fb.(type) {
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return mismatch()
		}
		bld.Append(s)
	case *array.Float64Builder:
		x, ok := v.(float64)
		if !ok {
			return mismatch()
		}
		bld.Append(x)
	case *array.Float32Builder:
		x, ok := v.(float32)
		if !ok {
			return mismatch()
		}
		bld.Append(x)
	case *array.Int16Builder:
		x, ok := v.(int16)
		if !ok {
			return mismatch()
		}
		bld.Append(x)
	case *array.Int64Builder:
		x, ok := v.(int64)
		if !ok {
			return mismatch()
		}
		bld.Append(x)
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return mismatch()
		}
		bld.Append(x)
	case *array.TimestampBuilder:
		x, ok := v.(time.Time)
		if !ok {
			return mismatch()
		}
		bld.Append(arrow.Timestamp(x.UnixMicro()))
	default:
		return fmt.Errorf("column %q: unsupported builder %T", f.Name, fb)
	}
	return nil
}

// writeParquet writes rec to a new file at path and returns the file size.
func writeParquet(path string, rec arrow.Record, compression compress.Compression) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compression),
		parquet.WithDictionaryDefault(true),
		parquet.WithCreatedBy("coingecko-lake"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(rec.Schema(), file, props, arrowProps)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	// Closing the Parquet writer also closes the file.
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to close Parquet writer: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// readParquet appends every row of the file at path to out. Columns absent from
// the file are left null; partition values are filled from the directory.
func readParquet(ctx context.Context, mem memory.Allocator, path string, out *frame.Frame, partitions map[string]any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	tbl, err := pqarrow.ReadTable(ctx, file, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	defer tbl.Release()

	n := int(tbl.NumRows())
	columns := make(map[string][]any, tbl.NumCols())
	for c := 0; c < int(tbl.NumCols()); c++ {
		col := tbl.Column(c)
		values := make([]any, 0, n)
		for _, chunk := range col.Data().Chunks() {
			vals, err := chunkValues(chunk)
			if err != nil {
				return fmt.Errorf("read %s column %q: %w", path, col.Name(), err)
			}
			values = append(values, vals...)
		}
		columns[col.Name()] = values
	}

	for i := 0; i < n; i++ {
		rec := make(map[string]any, len(columns)+len(partitions))
		for name, values := range columns {
			rec[name] = values[i]
		}
		for name, v := range partitions {
			rec[name] = v
		}
		out.AppendRecord(rec)
	}
	return nil
}

func chunkValues(arr arrow.Array) ([]any, error) {
	out := make([]any, arr.Len())
	for j := 0; j < arr.Len(); j++ {
		if arr.IsNull(j) {
			continue
		}
		switch a := arr.(type) {
		case *array.String:
			out[j] = a.Value(j)
		case *array.Float64:
			out[j] = a.Value(j)
		case *array.Float32:
			out[j] = a.Value(j)
		case *array.Int16:
			out[j] = a.Value(j)
		case *array.Int64:
			out[j] = a.Value(j)
		case *array.Boolean:
			out[j] = a.Value(j)
		case *array.Timestamp:
			unit := a.DataType().(*arrow.TimestampType).Unit
			out[j] = a.Value(j).ToTime(unit).UTC()
		default:
			return nil, fmt.Errorf("unsupported arrow type %s", arr.DataType())
		}
	}
	return out, nil
}
