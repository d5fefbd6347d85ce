package lake

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/withobsrvr/coingecko-lake/frame"
)

// HiveDefaultPartition encodes a null partition value in a path segment.
const HiveDefaultPartition = "__HIVE_DEFAULT_PARTITION__"

// PartitionValue returns the path encoding of a partition cell.
func PartitionValue(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return HiveDefaultPartition, nil
	case string:
		return s, nil
	}
	return "", fmt.Errorf("%w: got %T", ErrPartitionType, v)
}

// CheckPartitions verifies that every partition column exists in data and only
// holds strings or nulls.
func CheckPartitions(data *frame.Frame, cols []string) error {
	for _, col := range cols {
		if !data.Has(col) {
			return fmt.Errorf("%w: partition column %q missing", ErrSchemaMismatch, col)
		}
		for i := 0; i < data.Len(); i++ {
			if _, err := PartitionValue(data.Value(i, col)); err != nil {
				return fmt.Errorf("partition column %q row %d: %w", col, i, err)
			}
		}
	}
	return nil
}

// PartitionDir renders the hive-style directory of row i, e.g.
// "coin=bitcoin/date=2025-06-18".
func PartitionDir(data *frame.Frame, i int, cols []string) (string, error) {
	segments := make([]string, len(cols))
	for n, col := range cols {
		v, err := PartitionValue(data.Value(i, col))
		if err != nil {
			return "", fmt.Errorf("partition column %q: %w", col, err)
		}
		segments[n] = col + "=" + escapePartition(v)
	}
	return strings.Join(segments, "/"), nil
}

// ParsePartitionDir reverses PartitionDir. Null partitions come back as nil.
func ParsePartitionDir(dir string) (map[string]any, error) {
	out := make(map[string]any)
	if dir == "" {
		return out, nil
	}
	for _, seg := range strings.Split(dir, "/") {
		col, raw, ok := strings.Cut(seg, "=")
		if !ok {
			return nil, fmt.Errorf("malformed partition segment %q", seg)
		}
		v, err := url.PathUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("partition segment %q: %w", seg, err)
		}
		if v == HiveDefaultPartition {
			out[col] = nil
			continue
		}
		out[col] = v
	}
	return out, nil
}

func escapePartition(v string) string {
	if v == HiveDefaultPartition {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
