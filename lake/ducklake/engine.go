// Package ducklake stores tables in DuckLake catalogs through an in-process
// DuckDB. Every table path gets its own catalog; the table inside is "records".
package ducklake

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/duckdb/duckdb-go/v2"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/logging"
)

// TableName is the name of the single table of every catalog.
const TableName = "records"

// CatalogFile is the metadata database of a catalog stored next to local data.
const CatalogFile = "_ducklake.db"

// Config contains DuckLake catalog settings.
type Config struct {
	// MetadataDir holds catalogs for tables whose path is an object store URL.
	MetadataDir string

	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSRegion          string
	AWSEndpoint        string
}

func (c Config) hasS3() bool {
	return c.AWSAccessKeyID != "" && c.AWSSecretAccessKey != ""
}

// Engine implements lake.Engine on DuckLake.
type Engine struct {
	config    Config
	logger    *logging.ComponentLogger
	connector *duckdb.Connector
	db        *sql.DB
	conn      *duckdb.Conn

	mu       sync.Mutex
	attached map[string]string
}

var _ lake.Engine = (*Engine)(nil)

// New opens an in-memory DuckDB with the ducklake extension loaded.
func New(ctx context.Context, config Config, logger *logging.ComponentLogger) (*Engine, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}
	db := sql.OpenDB(connector)
	// Transactions and staging must see the same session.
	db.SetMaxOpenConns(1)

	conn, err := connector.Connect(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create DuckDB connection: %w", err)
	}
	duckConn, ok := conn.(*duckdb.Conn)
	if !ok {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("failed to cast to *duckdb.Conn")
	}

	e := &Engine{
		config:    config,
		logger:    logger,
		connector: connector,
		db:        db,
		conn:      duckConn,
		attached:  make(map[string]string),
	}
	if err := e.initialize(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// initialize installs the extensions and the S3 secret when credentials are set.
func (e *Engine) initialize(ctx context.Context) error {
	extensions := []string{"ducklake", "json"}
	if e.config.hasS3() {
		extensions = append(extensions, "httpfs")
	}
	for _, ext := range extensions {
		e.logger.Debug().Str("extension", ext).Msg("Installing DuckDB extension")
		if _, err := e.db.ExecContext(ctx, "INSTALL "+ext); err != nil {
			return fmt.Errorf("failed to install %s extension: %w", ext, err)
		}
		if _, err := e.db.ExecContext(ctx, "LOAD "+ext); err != nil {
			return fmt.Errorf("failed to load %s extension: %w", ext, err)
		}
	}
	if e.config.hasS3() {
		if err := e.configureS3(ctx); err != nil {
			return fmt.Errorf("failed to configure S3: %w", err)
		}
	}
	e.logger.Info().Strs("extensions", extensions).Msg("DuckDB initialized")
	return nil
}

// configureS3 sets up S3/B2 credentials for DuckDB.
func (e *Engine) configureS3(ctx context.Context) error {
	// DuckDB adds the scheme itself.
	endpoint := strings.TrimPrefix(e.config.AWSEndpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	createSecretSQL := fmt.Sprintf(`
		CREATE SECRET IF NOT EXISTS (
			TYPE S3,
			KEY_ID %s,
			SECRET %s,
			REGION %s,
			ENDPOINT %s,
			URL_STYLE 'path'
		);
	`, quote(e.config.AWSAccessKeyID), quote(e.config.AWSSecretAccessKey), quote(e.config.AWSRegion), quote(endpoint))

	if _, err := e.db.ExecContext(ctx, createSecretSQL); err != nil {
		return fmt.Errorf("failed to create S3 secret: %w", err)
	}
	e.logger.Info().Str("endpoint", endpoint).Msg("S3 credentials configured")
	return nil
}

func (e *Engine) Name() string { return "ducklake" }

// Close closes the DuckDB connections.
func (e *Engine) Close() error {
	var errs []error
	if e.conn != nil {
		errs = append(errs, e.conn.Close())
	}
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	if e.connector != nil {
		errs = append(errs, e.connector.Close())
	}
	return errors.Join(errs...)
}

func isRemote(path string) bool {
	return strings.Contains(path, "://")
}

// catalogFor returns the attach alias and metadata database of a table path.
func (e *Engine) catalogFor(path string) (alias, metadata string) {
	sum := sha256.Sum256([]byte(path))
	alias = "lake_" + hex.EncodeToString(sum[:6])
	if isRemote(path) {
		return alias, filepath.Join(e.config.MetadataDir, alias+".ducklake")
	}
	return alias, filepath.Join(path, CatalogFile)
}

// attach attaches the catalog of path. Without create, a catalog that does not
// exist yet is reported through ok=false and nothing is created.
func (e *Engine) attach(ctx context.Context, path string, create bool) (alias string, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if alias, ok := e.attached[path]; ok {
		return alias, true, nil
	}
	alias, metadata := e.catalogFor(path)
	if _, err := os.Stat(metadata); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", false, fmt.Errorf("stat catalog %s: %w", metadata, err)
		}
		if !create {
			return "", false, nil
		}
		if err := os.MkdirAll(filepath.Dir(metadata), 0o755); err != nil {
			return "", false, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	attachSQL := fmt.Sprintf("ATTACH %s AS %s (DATA_PATH %s)",
		quote("ducklake:"+metadata), alias, quote(dataPath(path)))
	if _, err := e.db.ExecContext(ctx, attachSQL); err != nil {
		return "", false, fmt.Errorf("failed to attach DuckLake catalog %s: %w", metadata, err)
	}
	e.attached[path] = alias
	e.logger.Debug().Str("path", path).Str("catalog", alias).Msg("Attached DuckLake catalog")
	return alias, true, nil
}

func dataPath(path string) string {
	if strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}

// Open describes the table at path.
func (e *Engine) Open(ctx context.Context, path string) lake.OpenResult {
	alias, ok, err := e.attach(ctx, path, false)
	if err != nil {
		return lake.Failed(err)
	}
	if !ok {
		return lake.Missing()
	}
	table, found, err := e.describe(ctx, alias, path)
	if err != nil {
		return lake.Failed(err)
	}
	if !found {
		return lake.Missing()
	}
	return lake.Opened(table)
}

func (e *Engine) describe(ctx context.Context, alias, path string) (lake.Table, bool, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM duckdb_columns()
		WHERE database_name = ? AND schema_name = 'main' AND table_name = ?
		ORDER BY column_index`, alias, TableName)
	if err != nil {
		return lake.Table{}, false, fmt.Errorf("failed to describe table: %w", err)
	}
	defer rows.Close()

	var fields []frame.Field
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return lake.Table{}, false, fmt.Errorf("failed to scan column: %w", err)
		}
		fields = append(fields, frame.Field{Name: name, Type: frameType(typ)})
	}
	if err := rows.Err(); err != nil {
		return lake.Table{}, false, fmt.Errorf("failed to describe table: %w", err)
	}
	if len(fields) == 0 {
		return lake.Table{}, false, nil
	}

	version, err := e.snapshot(ctx, alias)
	if err != nil {
		return lake.Table{}, false, err
	}
	partitionBy, err := e.partitionColumns(ctx, alias)
	if err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("Could not read partition columns from catalog metadata")
	}
	return lake.Table{Path: path, Version: version, Fields: fields, PartitionBy: partitionBy}, true, nil
}

// snapshot returns the latest snapshot id of the catalog.
func (e *Engine) snapshot(ctx context.Context, alias string) (int64, error) {
	var version sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(snapshot_id) FROM ducklake_snapshots(%s)", quote(alias))
	if err := e.db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return version.Int64, nil
}

// partitionColumns reads the active partition keys of the table from the
// DuckLake metadata tables.
func (e *Engine) partitionColumns(ctx context.Context, alias string) ([]string, error) {
	meta := "__ducklake_metadata_" + alias
	query := fmt.Sprintf(`
		SELECT c.column_name
		FROM %[1]s.ducklake_partition_column pc
		JOIN %[1]s.ducklake_partition_info pi ON pi.partition_id = pc.partition_id AND pi.end_snapshot IS NULL
		JOIN %[1]s.ducklake_table t ON t.table_id = pc.table_id AND t.end_snapshot IS NULL
		JOIN %[1]s.ducklake_column c ON c.column_id = pc.column_id AND c.table_id = pc.table_id AND c.end_snapshot IS NULL
		WHERE t.table_name = ?
		ORDER BY pc.partition_key_index`, meta)
	rows, err := e.db.QueryContext(ctx, query, TableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (e *Engine) qualified(alias string) string {
	return alias + ".main." + TableName
}

// Overwrite replaces the table with data in a single DuckLake snapshot.
func (e *Engine) Overwrite(ctx context.Context, path string, data *frame.Frame, partitionBy []string) (lake.Table, error) {
	alias, _, err := e.attach(ctx, path, true)
	if err != nil {
		return lake.Table{}, err
	}
	staging, err := e.stage(ctx, data)
	if err != nil {
		return lake.Table{}, err
	}
	defer e.dropStaging(staging)

	target := e.qualified(alias)
	statements := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", target),
		fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s LIMIT 0", target, staging),
	}
	if len(partitionBy) > 0 {
		statements = append(statements, fmt.Sprintf("ALTER TABLE %s SET PARTITIONED BY (%s)", target, identList(partitionBy)))
	}
	statements = append(statements, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", target, staging))

	if err := e.inTx(ctx, statements...); err != nil {
		return lake.Table{}, fmt.Errorf("overwrite %s: %w", path, err)
	}
	return e.reopen(ctx, alias, path)
}

// Append inserts data by column name.
func (e *Engine) Append(ctx context.Context, table lake.Table, data *frame.Frame) (lake.Table, error) {
	if err := lake.CheckSchema(table.Fields, data); err != nil {
		return lake.Table{}, err
	}
	alias, _, err := e.attach(ctx, table.Path, false)
	if err != nil {
		return lake.Table{}, err
	}
	staging, err := e.stage(ctx, data)
	if err != nil {
		return lake.Table{}, err
	}
	defer e.dropStaging(staging)

	cols := identList(data.Columns())
	insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", e.qualified(alias), cols, cols, staging)
	if err := e.inTx(ctx, insert); err != nil {
		return lake.Table{}, fmt.Errorf("append %s: %w", table.Path, err)
	}
	return e.reopen(ctx, alias, table.Path)
}

// Merge runs MERGE INTO against a staged copy of source.
func (e *Engine) Merge(ctx context.Context, table lake.Table, source *frame.Frame, spec lake.MergeSpec) (lake.Table, lake.MergeStats, error) {
	if len(spec.Predicate.Pairs) == 0 {
		return lake.Table{}, lake.MergeStats{}, fmt.Errorf("%w: no join columns", lake.ErrInvalidPredicate)
	}
	if err := lake.CheckSchema(table.Fields, source); err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	alias, _, err := e.attach(ctx, table.Path, false)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	current, err := e.snapshot(ctx, alias)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	if current != table.Version {
		return lake.Table{}, lake.MergeStats{}, fmt.Errorf("%s: opened at snapshot %d, latest is %d: %w",
			table.Path, table.Version, current, lake.ErrConflict)
	}

	staging, err := e.stage(ctx, source)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	defer e.dropStaging(staging)

	target := e.qualified(alias)
	on := spec.Predicate.SQL("t", "s")
	stats, err := e.mergeStats(ctx, target, staging, on, spec)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	if stats.Inserted == 0 && (spec.Kind != lake.MergeUpsert || stats.Matched == 0) {
		return table, stats, nil
	}

	if err := e.inTx(ctx, mergeSQL(target, staging, on, source.Columns(), spec.Kind)); err != nil {
		return lake.Table{}, lake.MergeStats{}, fmt.Errorf("merge %s: %w", table.Path, err)
	}
	out, err := e.reopen(ctx, alias, table.Path)
	if err != nil {
		return lake.Table{}, lake.MergeStats{}, err
	}
	return out, stats, nil
}

// mergeStats counts matches before the merge runs and rejects upserts where one
// target row would be updated from several source rows.
func (e *Engine) mergeStats(ctx context.Context, target, staging, on string, spec lake.MergeSpec) (lake.MergeStats, error) {
	var stats lake.MergeStats
	var total int
	if err := e.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", staging)).Scan(&total); err != nil {
		return stats, fmt.Errorf("count source rows: %w", err)
	}
	matched := fmt.Sprintf("SELECT COUNT(*) FROM %s s WHERE EXISTS (SELECT 1 FROM %s t WHERE %s)", staging, target, on)
	if err := e.db.QueryRowContext(ctx, matched).Scan(&stats.Matched); err != nil {
		return stats, fmt.Errorf("count matched rows: %w", err)
	}
	stats.Inserted = total - stats.Matched
	if spec.Kind != lake.MergeUpsert {
		return stats, nil
	}

	updated := fmt.Sprintf("SELECT COUNT(*) FROM %s t WHERE EXISTS (SELECT 1 FROM %s s WHERE %s)", target, staging, on)
	if err := e.db.QueryRowContext(ctx, updated).Scan(&stats.Updated); err != nil {
		return stats, fmt.Errorf("count updated rows: %w", err)
	}

	keys := make([]string, len(spec.Predicate.Pairs))
	for i, p := range spec.Predicate.Pairs {
		keys[i] = "s." + lake.QuoteIdent(p.Source)
	}
	ambiguous := fmt.Sprintf(`
		SELECT COUNT(*) FROM (
			SELECT %[1]s FROM %[2]s s
			WHERE EXISTS (SELECT 1 FROM %[3]s t WHERE %[4]s)
			GROUP BY %[1]s
			HAVING COUNT(*) > 1
		)`, strings.Join(keys, ", "), staging, target, on)
	var dup int
	if err := e.db.QueryRowContext(ctx, ambiguous).Scan(&dup); err != nil {
		return stats, fmt.Errorf("check ambiguous matches: %w", err)
	}
	if dup > 0 {
		return stats, fmt.Errorf("%w: %d source keys", lake.ErrAmbiguousMatch, dup)
	}
	return stats, nil
}

func mergeSQL(target, staging, on string, cols []string, kind lake.MergeKind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s t USING %s s ON (%s)", target, staging, on)
	if kind == lake.MergeUpsert {
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = fmt.Sprintf("%s = s.%s", lake.QuoteIdent(c), lake.QuoteIdent(c))
		}
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	values := make([]string, len(cols))
	for i, c := range cols {
		values[i] = "s." + lake.QuoteIdent(c)
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", identList(cols), strings.Join(values, ", "))
	return b.String()
}

// Read loads every row of the table.
func (e *Engine) Read(ctx context.Context, table lake.Table) (*frame.Frame, error) {
	alias, ok, err := e.attach(ctx, table.Path, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", table.Path, lake.ErrTableNotFound)
	}

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", identList(fieldNames(table.Fields)), e.qualified(alias)))
	if err != nil {
		return nil, fmt.Errorf("failed to query table: %w", err)
	}
	defer rows.Close()

	out := frame.New(table.Fields...)
	for rows.Next() {
		values := make([]any, len(table.Fields))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, f := range table.Fields {
			v, err := frame.Convert(values[i], f.Type)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", f.Name, err)
			}
			values[i] = v
		}
		if err := out.Append(values...); err != nil {
			return nil, err
		}
	}
	return out, rows.Err()
}

func (e *Engine) reopen(ctx context.Context, alias, path string) (lake.Table, error) {
	table, found, err := e.describe(ctx, alias, path)
	if err != nil {
		return lake.Table{}, err
	}
	if !found {
		return lake.Table{}, fmt.Errorf("%s: %w", path, lake.ErrTableNotFound)
	}
	return table, nil
}

func (e *Engine) inTx(ctx context.Context, statements ...string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			if isConflict(err) {
				return fmt.Errorf("%w: %v", lake.ErrConflict, err)
			}
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: %v", lake.ErrConflict, err)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") || strings.Contains(msg, "transaction has been invalidated")
}

func identList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = lake.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func fieldNames(fields []frame.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

// quote renders a SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
