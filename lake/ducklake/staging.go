package ducklake

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
)

// stagingSchema holds staged frames in the in-memory database.
const stagingSchema = "main"

func duckType(t frame.Type) string {
	switch t {
	case frame.Float64:
		return "DOUBLE"
	case frame.Float32:
		return "FLOAT"
	case frame.Int16:
		return "SMALLINT"
	case frame.Int64:
		return "BIGINT"
	case frame.Bool:
		return "BOOLEAN"
	case frame.Timestamp:
		return "TIMESTAMP WITH TIME ZONE"
	case frame.JSON:
		return "JSON"
	}
	return "VARCHAR"
}

func frameType(duck string) frame.Type {
	switch t := strings.ToUpper(duck); {
	case t == "DOUBLE":
		return frame.Float64
	case t == "FLOAT" || t == "REAL":
		return frame.Float32
	case t == "SMALLINT":
		return frame.Int16
	case t == "BIGINT" || t == "INTEGER" || t == "HUGEINT":
		return frame.Int64
	case t == "BOOLEAN":
		return frame.Bool
	case strings.HasPrefix(t, "TIMESTAMP"):
		return frame.Timestamp
	case t == "JSON":
		return frame.JSON
	}
	return frame.String
}

// stage copies data into a fresh table of the in-memory database with the
// appender API and returns its qualified name.
func (e *Engine) stage(ctx context.Context, data *frame.Frame) (string, error) {
	name := "staging_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	fields := data.Fields()

	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = fmt.Sprintf("%s %s", lake.QuoteIdent(f.Name), duckType(f.Type))
	}
	create := fmt.Sprintf("CREATE TABLE memory.%s.%s (%s)", stagingSchema, name, strings.Join(cols, ", "))
	if _, err := e.db.ExecContext(ctx, create); err != nil {
		return "", fmt.Errorf("failed to create staging table: %w", err)
	}
	qualified := fmt.Sprintf("memory.%s.%s", stagingSchema, name)

	appender, err := duckdb.NewAppenderFromConn(e.conn, stagingSchema, name)
	if err != nil {
		e.dropStaging(qualified)
		return "", fmt.Errorf("failed to create appender: %w", err)
	}
	for i := 0; i < data.Len(); i++ {
		row := make([]driver.Value, len(fields))
		for j, f := range fields {
			v, err := stagedValue(data.Value(i, f.Name), f.Type)
			if err != nil {
				appender.Close()
				e.dropStaging(qualified)
				return "", fmt.Errorf("row %d column %q: %w", i, f.Name, err)
			}
			row[j] = v
		}
		if err := appender.AppendRow(row...); err != nil {
			appender.Close()
			e.dropStaging(qualified)
			return "", fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := appender.Close(); err != nil {
		e.dropStaging(qualified)
		return "", fmt.Errorf("failed to flush appender: %w", err)
	}
	return qualified, nil
}

// stagedValue converts v into the driver representation of its column type.
// Untyped columns are staged as text.
func stagedValue(v any, t frame.Type) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	if t == frame.Unknown {
		t = frame.String
	}
	return frame.Convert(v, t)
}

func (e *Engine) dropStaging(qualified string) {
	if _, err := e.db.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+qualified); err != nil {
		e.logger.Warn().Err(err).Str("table", qualified).Msg("Could not drop staging table")
	}
}
