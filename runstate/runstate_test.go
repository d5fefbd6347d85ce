package runstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state", "last_extraction.json"))
	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "last_extraction.json")
	store := NewFileStore(path)
	at := time.Date(2025, 6, 18, 21, 59, 12, 987654321, time.Local)

	require.NoError(t, store.Save(at))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_extraction":"2025-06-18T21:59:12"}`, string(raw))

	last, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Truncate(time.Second).Equal(last))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_extraction.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"last_extraction": "yesterday"}`), 0o644))

	_, _, err := NewFileStore(path).Load()
	assert.Error(t, err)
}

func TestGateDecide(t *testing.T) {
	now := time.Date(2025, 6, 18, 22, 0, 0, 0, time.Local)
	gate := NewGate(0, 0, 0, nil)

	tests := []struct {
		name    string
		last    time.Time
		hasLast bool
		proceed bool
		reason  Reason
	}{
		{"first run", time.Time{}, false, true, ReasonFirstRun},
		{"59 minutes", now.Add(-59 * time.Minute), true, false, ReasonTooSoon},
		{"exactly one hour", now.Add(-time.Hour), true, true, ReasonDue},
		{"ninety minutes", now.Add(-90 * time.Minute), true, true, ReasonDue},
		{"exactly two hours", now.Add(-2 * time.Hour), true, true, ReasonDue},
		{"three hours", now.Add(-3 * time.Hour), true, true, ReasonOverdue},
		{"future", now.Add(time.Minute), true, false, ReasonClockSkew},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := gate.Decide(now, tt.last, tt.hasLast)
			assert.Equal(t, tt.proceed, d.Proceed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestShouldExtractBoundary(t *testing.T) {
	last := time.Date(2025, 6, 18, 21, 0, 0, 0, time.Local)
	assert.False(t, ShouldExtract(last.Add(59*time.Minute+59*time.Second), last, true))
	assert.True(t, ShouldExtract(last.Add(time.Hour), last, true))
	assert.True(t, ShouldExtract(last, time.Time{}, false))
}

func TestDriftTolerance(t *testing.T) {
	last := time.Date(2025, 6, 18, 21, 0, 5, 0, time.Local)
	now := time.Date(2025, 6, 18, 22, 0, 0, 0, time.Local)

	assert.False(t, NewGate(0, 0, 0, nil).Decide(now, last, true).Proceed)
	assert.True(t, NewGate(0, 0, 30*time.Second, nil).Decide(now, last, true).Proceed)
}
