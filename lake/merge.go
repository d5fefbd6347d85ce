package lake

import (
	"fmt"

	"github.com/withobsrvr/coingecko-lake/frame"
)

// MergeKind selects what happens to matched rows.
type MergeKind int

const (
	// MergeInsertOnly inserts unmatched source rows and leaves matches untouched.
	MergeInsertOnly MergeKind = iota + 1
	// MergeUpsert overwrites matched rows and inserts unmatched source rows.
	MergeUpsert
)

func (k MergeKind) String() string {
	switch k {
	case MergeInsertOnly:
		return "insert_only"
	case MergeUpsert:
		return "upsert"
	}
	return "unknown"
}

// MergeSpec configures a merge.
type MergeSpec struct {
	Predicate Predicate
	Kind      MergeKind
}

// MergeStats counts what a merge did.
type MergeStats struct {
	// Matched counts source rows that matched at least one target row.
	Matched  int
	Updated  int
	Inserted int
}

// MergePlan is the row-level outcome of matching a source against a target.
type MergePlan struct {
	// Updates maps a target row index to the source row index replacing it.
	Updates map[int]int
	// Inserts lists source row indexes to append, in source order.
	Inserts []int
	Stats   MergeStats
	// Fields is the schema of the merged table.
	Fields []frame.Field
}

// Plan matches source rows against target rows. It fails with ErrSchemaMismatch
// when the source carries a column unknown to the target or a column whose type
// differs, and with ErrAmbiguousMatch when an upsert would update one target row
// from several source rows.
func Plan(target, source *frame.Frame, spec MergeSpec) (*MergePlan, error) {
	if len(spec.Predicate.Pairs) == 0 {
		return nil, fmt.Errorf("%w: no join columns", ErrInvalidPredicate)
	}
	fields, err := mergedFields(target, source)
	if err != nil {
		return nil, err
	}
	targetIdx, err := columnIndexes(target, spec.Predicate.TargetColumns(), "target")
	if err != nil {
		return nil, err
	}
	sourceIdx, err := columnIndexes(source, spec.Predicate.SourceColumns(), "source")
	if err != nil {
		return nil, err
	}

	byKey := make(map[string][]int, target.Len())
	for i := 0; i < target.Len(); i++ {
		row := target.Row(i)
		if hasNull(row, targetIdx) {
			continue
		}
		k := frame.KeyOf(row, targetIdx)
		byKey[k] = append(byKey[k], i)
	}

	plan := &MergePlan{Updates: make(map[int]int), Fields: fields}
	for s := 0; s < source.Len(); s++ {
		row := source.Row(s)
		var matches []int
		if !hasNull(row, sourceIdx) {
			matches = byKey[frame.KeyOf(row, sourceIdx)]
		}
		if len(matches) == 0 {
			plan.Inserts = append(plan.Inserts, s)
			continue
		}
		plan.Stats.Matched++
		if spec.Kind != MergeUpsert {
			continue
		}
		for _, t := range matches {
			if prev, dup := plan.Updates[t]; dup {
				return nil, fmt.Errorf("%w: target row %d matched source rows %d and %d", ErrAmbiguousMatch, t, prev, s)
			}
			plan.Updates[t] = s
		}
	}
	plan.Stats.Updated = len(plan.Updates)
	plan.Stats.Inserted = len(plan.Inserts)
	return plan, nil
}

// Apply builds the merged table from a plan produced for the same frames.
func Apply(target, source *frame.Frame, plan *MergePlan) *frame.Frame {
	out := frame.New(plan.Fields...)
	for i := 0; i < target.Len(); i++ {
		rec := target.Record(i)
		if s, ok := plan.Updates[i]; ok {
			for col, v := range source.Record(s) {
				rec[col] = v
			}
		}
		out.AppendRecord(rec)
	}
	for _, s := range plan.Inserts {
		out.AppendRecord(source.Record(s))
	}
	return out
}

// Merge is Plan followed by Apply.
func Merge(target, source *frame.Frame, spec MergeSpec) (*frame.Frame, MergeStats, error) {
	plan, err := Plan(target, source, spec)
	if err != nil {
		return nil, MergeStats{}, err
	}
	return Apply(target, source, plan), plan.Stats, nil
}

// Concat appends every source row after the target rows, enforcing the same
// schema rules as a merge.
func Concat(target, source *frame.Frame) (*frame.Frame, error) {
	fields, err := mergedFields(target, source)
	if err != nil {
		return nil, err
	}
	plan := &MergePlan{Updates: map[int]int{}, Fields: fields}
	for s := 0; s < source.Len(); s++ {
		plan.Inserts = append(plan.Inserts, s)
	}
	return Apply(target, source, plan), nil
}

// CheckSchema reports whether source rows can be written into a table with the
// given fields.
func CheckSchema(fields []frame.Field, source *frame.Frame) error {
	_, err := mergedFields(frame.New(fields...), source)
	return err
}

// mergedFields returns the target schema, with untyped target columns taking the
// source type.
func mergedFields(target, source *frame.Frame) ([]frame.Field, error) {
	fields := target.Fields()
	pos := make(map[string]int, len(fields))
	for i, f := range fields {
		pos[f.Name] = i
	}
	for _, sf := range source.Fields() {
		i, ok := pos[sf.Name]
		if !ok {
			return nil, fmt.Errorf("%w: source column %q does not exist in target", ErrSchemaMismatch, sf.Name)
		}
		tf := fields[i]
		switch {
		case tf.Type == sf.Type, sf.Type == frame.Unknown:
		case tf.Type == frame.Unknown:
			fields[i].Type = sf.Type
		default:
			return nil, fmt.Errorf("%w: column %q is %s in target but %s in source", ErrSchemaMismatch, sf.Name, tf.Type, sf.Type)
		}
	}
	return fields, nil
}

func columnIndexes(f *frame.Frame, cols []string, side string) ([]int, error) {
	fieldPos := make(map[string]int)
	for i, c := range f.Columns() {
		fieldPos[c] = i
	}
	idx := make([]int, len(cols))
	for i, c := range cols {
		j, ok := fieldPos[c]
		if !ok {
			return nil, fmt.Errorf("%w: predicate column %s.%s does not exist", ErrSchemaMismatch, side, c)
		}
		idx[i] = j
	}
	return idx, nil
}

func hasNull(row []any, idx []int) bool {
	for _, j := range idx {
		if row[j] == nil {
			return true
		}
	}
	return false
}
