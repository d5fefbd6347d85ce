// Package frame provides the small ordered, typed table that flows pass between
// extraction, the table store and the silver transforms.
package frame

import (
	"fmt"
	"sort"
	"strings"
)

// Field describes one column of a Frame.
type Field struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Frame is a row-major table with ordered, typed columns. A nil value is a null.
type Frame struct {
	fields []Field
	index  map[string]int
	rows   [][]any
}

// New creates an empty frame with the given columns.
func New(fields ...Field) *Frame {
	f := &Frame{
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, field := range fields {
		f.addField(field)
	}
	return f
}

func (f *Frame) addField(field Field) {
	if i, ok := f.index[field.Name]; ok {
		f.fields[i] = field
		return
	}
	f.index[field.Name] = len(f.fields)
	f.fields = append(f.fields, field)
}

// Fields returns a copy of the column definitions in order.
func (f *Frame) Fields() []Field {
	out := make([]Field, len(f.fields))
	copy(out, f.fields)
	return out
}

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.fields))
	for i, field := range f.fields {
		out[i] = field.Name
	}
	return out
}

// Field looks up a column definition by name.
func (f *Frame) Field(name string) (Field, bool) {
	i, ok := f.index[name]
	if !ok {
		return Field{}, false
	}
	return f.fields[i], true
}

// Has reports whether the frame has a column with the given name.
func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Missing returns the required columns absent from the frame, sorted.
func (f *Frame) Missing(required []string) []string {
	var missing []string
	for _, name := range required {
		if !f.Has(name) {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.rows)
}

// Append adds a row given values in column order.
func (f *Frame) Append(values ...any) error {
	if len(values) != len(f.fields) {
		return fmt.Errorf("append: got %d values for %d columns", len(values), len(f.fields))
	}
	row := make([]any, len(values))
	copy(row, values)
	f.rows = append(f.rows, row)
	return nil
}

// AppendRecord adds a row from a column->value map. Absent columns are null and
// keys that are not columns of the frame are ignored.
func (f *Frame) AppendRecord(record map[string]any) {
	row := make([]any, len(f.fields))
	for name, v := range record {
		if i, ok := f.index[name]; ok {
			row[i] = v
		}
	}
	f.rows = append(f.rows, row)
}

// Value returns the value at row i of column col, or nil if the column is absent.
func (f *Frame) Value(i int, col string) any {
	j, ok := f.index[col]
	if !ok {
		return nil
	}
	return f.rows[i][j]
}

// Set overwrites a single cell. Unknown columns are ignored.
func (f *Frame) Set(i int, col string, v any) {
	if j, ok := f.index[col]; ok {
		f.rows[i][j] = v
	}
}

// Row returns a copy of row i in column order.
func (f *Frame) Row(i int) []any {
	out := make([]any, len(f.rows[i]))
	copy(out, f.rows[i])
	return out
}

// Record returns row i as a column->value map.
func (f *Frame) Record(i int) map[string]any {
	out := make(map[string]any, len(f.fields))
	for j, field := range f.fields {
		out[field.Name] = f.rows[i][j]
	}
	return out
}

// Column returns a copy of all values of a column.
func (f *Frame) Column(name string) ([]any, error) {
	j, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	out := make([]any, len(f.rows))
	for i, row := range f.rows {
		out[i] = row[j]
	}
	return out, nil
}

// RowView is a read-only view of one frame row.
type RowView struct {
	f *Frame
	i int
}

// Get returns the value of col in this row.
func (r RowView) Get(col string) any {
	return r.f.Value(r.i, col)
}

// Index returns the row position in its frame.
func (r RowView) Index() int {
	return r.i
}

// Clone returns a deep copy of the frame structure. Cell values are shared.
func (f *Frame) Clone() *Frame {
	out := New(f.fields...)
	out.rows = make([][]any, len(f.rows))
	for i, row := range f.rows {
		out.rows[i] = append([]any(nil), row...)
	}
	return out
}

// Filter returns a new frame with the rows for which keep returns true.
func (f *Frame) Filter(keep func(r RowView) bool) *Frame {
	out := New(f.fields...)
	for i, row := range f.rows {
		if keep(RowView{f: f, i: i}) {
			out.rows = append(out.rows, append([]any(nil), row...))
		}
	}
	return out
}

// DropDuplicates keeps the first occurrence of every distinct combination of the
// given columns, preserving row order.
func (f *Frame) DropDuplicates(cols ...string) (*Frame, error) {
	idx, err := f.indexes(cols)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(f.rows))
	out := New(f.fields...)
	for _, row := range f.rows {
		key := KeyOf(row, idx)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.rows = append(out.rows, append([]any(nil), row...))
	}
	return out, nil
}

// FillNull replaces nulls in the named columns with static defaults. Columns that
// are not in the frame are skipped.
func (f *Frame) FillNull(defaults map[string]any) *Frame {
	out := f.Clone()
	for col, def := range defaults {
		j, ok := out.index[col]
		if !ok {
			continue
		}
		for _, row := range out.rows {
			if row[j] == nil {
				row[j] = def
			}
		}
	}
	return out
}

// Cast converts every value of col to t. Either the whole column converts or the
// frame is left untouched and the first failure is returned.
func (f *Frame) Cast(col string, t Type) error {
	j, ok := f.index[col]
	if !ok {
		return fmt.Errorf("cast: column %q not found", col)
	}
	converted := make([]any, len(f.rows))
	for i, row := range f.rows {
		v, err := Convert(row[j], t)
		if err != nil {
			return fmt.Errorf("cast %q to %s: row %d: %w", col, t, i, err)
		}
		converted[i] = v
	}
	for i, row := range f.rows {
		row[j] = converted[i]
	}
	f.fields[j].Type = t
	return nil
}

// StringifyColumns casts the named columns to String.
func (f *Frame) StringifyColumns(cols ...string) error {
	for _, col := range cols {
		if err := f.Cast(col, String); err != nil {
			return err
		}
	}
	return nil
}

// WithColumn adds (or replaces) a column computed row by row.
func (f *Frame) WithColumn(field Field, compute func(r RowView) any) *Frame {
	out := f.Clone()
	_, exists := out.index[field.Name]
	out.addField(field)
	j := out.index[field.Name]
	for i := range out.rows {
		v := compute(RowView{f: f, i: i})
		if exists {
			out.rows[i][j] = v
		} else {
			out.rows[i] = append(out.rows[i], v)
		}
	}
	return out
}

// MeanBy averages the numeric column value for every distinct key. Null values are
// ignored; groups without any non-null value are absent from the result.
func (f *Frame) MeanBy(key, value string) (map[any]float64, error) {
	kj, ok := f.index[key]
	if !ok {
		return nil, fmt.Errorf("mean: column %q not found", key)
	}
	vj, ok := f.index[value]
	if !ok {
		return nil, fmt.Errorf("mean: column %q not found", value)
	}
	sums := make(map[any]float64)
	counts := make(map[any]int)
	for _, row := range f.rows {
		if row[vj] == nil {
			continue
		}
		v, err := toFloat(row[vj])
		if err != nil {
			return nil, fmt.Errorf("mean %q: %w", value, err)
		}
		sums[row[kj]] += v
		counts[row[kj]]++
	}
	means := make(map[any]float64, len(sums))
	for k, sum := range sums {
		means[k] = sum / float64(counts[k])
	}
	return means, nil
}

// Project returns a frame with only the given columns, in the given order.
func (f *Frame) Project(cols ...string) (*Frame, error) {
	idx, err := f.indexes(cols)
	if err != nil {
		return nil, err
	}
	fields := make([]Field, len(idx))
	for i, j := range idx {
		fields[i] = f.fields[j]
	}
	out := New(fields...)
	for _, row := range f.rows {
		projected := make([]any, len(idx))
		for i, j := range idx {
			projected[i] = row[j]
		}
		out.rows = append(out.rows, projected)
	}
	return out, nil
}

// Distinct returns the distinct non-null values of a column in first-seen order.
func (f *Frame) Distinct(col string) []any {
	j, ok := f.index[col]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	var out []any
	for _, row := range f.rows {
		if row[j] == nil {
			continue
		}
		k := KeyOf(row, []int{j})
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row[j])
	}
	return out
}

func (f *Frame) indexes(cols []string) ([]int, error) {
	idx := make([]int, len(cols))
	for i, col := range cols {
		j, ok := f.index[col]
		if !ok {
			return nil, fmt.Errorf("column %q not found", col)
		}
		idx[i] = j
	}
	return idx, nil
}

// KeyOf encodes the values at positions idx of row into a comparable key. Values
// of different Go types never collide.
func KeyOf(row []any, idx []int) string {
	var b strings.Builder
	for n, j := range idx {
		if n > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(EncodeKey(row[j]))
	}
	return b.String()
}

// EncodeKey renders a single value as a type-tagged key component.
func EncodeKey(v any) string {
	if v == nil {
		return "\x00null"
	}
	if s, err := toString(v); err == nil {
		return fmt.Sprintf("%T:%s", v, s)
	}
	return fmt.Sprintf("%T:%v", v, v)
}
