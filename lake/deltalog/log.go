package deltalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
)

// LogDir is the commit log directory inside a table path.
const LogDir = "_lake_log"

// AddFile registers a data file in a commit.
type AddFile struct {
	Path string `json:"path"`
	Rows int64  `json:"rows"`
	Size int64  `json:"size"`
}

// Commit is one JSON entry of the commit log. Versions start at 0.
type Commit struct {
	Version     int64         `json:"version"`
	Timestamp   time.Time     `json:"timestamp"`
	Operation   string        `json:"operation"`
	Schema      []frame.Field `json:"schema"`
	PartitionBy []string      `json:"partition_by"`
	Add         []AddFile     `json:"add,omitempty"`
	Remove      []string      `json:"remove,omitempty"`
	// Metrics holds operation counters such as merge statistics.
	Metrics map[string]int `json:"metrics,omitempty"`
}

// snapshot is the replayed state of a table at one version.
type snapshot struct {
	version     int64
	schema      []frame.Field
	partitionBy []string
	files       map[string]AddFile
}

func (s *snapshot) table(path string) lake.Table {
	return lake.Table{
		Path:        path,
		Version:     s.version,
		Fields:      append([]frame.Field(nil), s.schema...),
		PartitionBy: append([]string(nil), s.partitionBy...),
	}
}

// activeFiles returns the live data files in a stable order.
func (s *snapshot) activeFiles() []AddFile {
	out := make([]AddFile, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func commitName(version int64) string {
	return fmt.Sprintf("%020d.json", version)
}

// listVersions returns the committed versions in ascending order. A missing log
// directory yields no versions and no error.
func listVersions(tablePath string) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(tablePath, LogDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list commit log: %w", err)
	}
	var versions []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func readCommit(tablePath string, version int64) (*Commit, error) {
	b, err := os.ReadFile(filepath.Join(tablePath, LogDir, commitName(version)))
	if err != nil {
		return nil, fmt.Errorf("read commit %d: %w", version, err)
	}
	var c Commit
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode commit %d: %w", version, err)
	}
	if c.Version != version {
		return nil, fmt.Errorf("commit file %d holds version %d", version, c.Version)
	}
	return &c, nil
}

// replay rebuilds the table state up to and including upTo. A negative upTo
// replays every commit. It returns nil when the table has no commits.
func replay(tablePath string, upTo int64) (*snapshot, error) {
	versions, err := listVersions(tablePath)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	var snap *snapshot
	for i, v := range versions {
		if upTo >= 0 && v > upTo {
			break
		}
		if int64(i) != v {
			return nil, fmt.Errorf("commit log has a gap before version %d", v)
		}
		c, err := readCommit(tablePath, v)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			snap = &snapshot{files: make(map[string]AddFile)}
		}
		snap.version = c.Version
		snap.schema = c.Schema
		snap.partitionBy = c.PartitionBy
		for _, p := range c.Remove {
			delete(snap.files, p)
		}
		for _, a := range c.Add {
			snap.files[a.Path] = a
		}
	}
	if upTo >= 0 && (snap == nil || snap.version != upTo) {
		return nil, fmt.Errorf("version %d: %w", upTo, lake.ErrTableNotFound)
	}
	return snap, nil
}

// writeCommit publishes c as the next version. The commit file is written aside
// and hard-linked into place so that exactly one writer wins a version.
func writeCommit(tablePath string, c *Commit) error {
	dir := filepath.Join(tablePath, LogDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create commit log: %w", err)
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".commit-*.tmp")
	if err != nil {
		return fmt.Errorf("stage commit: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("stage commit: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("stage commit: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage commit: %w", err)
	}

	final := filepath.Join(dir, commitName(c.Version))
	if err := os.Link(tmp.Name(), final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("version %d: %w", c.Version, lake.ErrConflict)
		}
		return fmt.Errorf("publish commit %d: %w", c.Version, err)
	}
	return nil
}
