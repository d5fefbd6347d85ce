// Package flows holds the bronze ingestion and silver transform flows of the
// hourly CoinGecko pipeline.
package flows

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/withobsrvr/coingecko-lake/coingecko"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/logging"
	"github.com/withobsrvr/coingecko-lake/schema"
)

// ErrMissingColumns is the cause of a flow aborted because required columns are
// absent from its input.
var ErrMissingColumns = errors.New("required columns missing")

// RunContext carries the run timestamp and the partition values derived from it.
// It is computed once per run so every flow writes and reads the same partition.
type RunContext struct {
	Now   time.Time
	Date  string
	Day   string
	Hour  string
	RunID string
}

// NewRunContext derives the partition values of a run started at now.
func NewRunContext(now time.Time) RunContext {
	return RunContext{
		Now:   now,
		Date:  now.Format(schema.DateLayout),
		Day:   now.Format(schema.DayLayout),
		Hour:  now.Format(schema.HourLayout),
		RunID: uuid.NewString(),
	}
}

// HourNum is the run hour as a number.
func (rc RunContext) HourNum() int {
	return rc.Now.Hour()
}

// Outcome is how a flow ended.
type Outcome string

const (
	// OutcomeWritten means the target table was written.
	OutcomeWritten Outcome = "written"
	// OutcomeSkipped means there was nothing to process.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeAborted means the flow stopped without writing.
	OutcomeAborted Outcome = "aborted"
)

// Result reports a finished flow.
type Result struct {
	Flow    string
	Outcome Outcome
	Rows    int
	Write   lake.WriteResult
	// Fallback is set when a failed merge was replaced by an overwrite save.
	Fallback bool
	// Cause explains an aborted flow.
	Cause  error
	Verify *lake.VerifyReport
}

// Flow names.
const (
	FlowBronzeMarkets  = "bronze_markets"
	FlowBronzeCoinList = "bronze_coinlist"
	FlowSilverMarkets  = "silver_markets"
	FlowSilverCoinList = "silver_coinlist"
)

// Source is the market data API used by the bronze flows.
type Source interface {
	Markets(ctx context.Context, q coingecko.MarketsQuery) ([]coingecko.Market, error)
	CoinsList(ctx context.Context) ([]coingecko.Coin, error)
}

// Paths locates the four tables of the pipeline.
type Paths struct {
	BronzeMarkets  string
	SilverMarkets  string
	BronzeCoinList string
	SilverCoinList string
}

// Config is the per-process flow configuration.
type Config struct {
	Coins      []string
	VsCurrency string
	Paths      Paths
}

// Flows runs the pipeline steps against a table store.
type Flows struct {
	store  *lake.Store
	source Source
	config Config
	logger *logging.ComponentLogger
}

// New creates the flows.
func New(store *lake.Store, source Source, config Config, logger *logging.ComponentLogger) *Flows {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Flows{
		store:  store,
		source: source,
		config: config,
		logger: logger,
	}
}

func (f *Flows) runLogger(rc RunContext, flow string) *logging.ComponentLogger {
	return f.logger.With("run_id", rc.RunID).With("flow", flow)
}
