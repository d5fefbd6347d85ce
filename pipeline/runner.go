// Package pipeline sequences the flows of one hourly run and schedules runs in
// serve mode.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/withobsrvr/coingecko-lake/flows"
	"github.com/withobsrvr/coingecko-lake/health"
	"github.com/withobsrvr/coingecko-lake/logging"
	"github.com/withobsrvr/coingecko-lake/metrics"
	"github.com/withobsrvr/coingecko-lake/runstate"
)

// Outcome is how a run ended.
type Outcome string

const (
	// OutcomeCompleted means both market flows wrote and the state was saved.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSkipped means the gate decided the run was not due.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeAborted means the run ended without writing both market tables.
	// The state is left unchanged.
	OutcomeAborted Outcome = "aborted"
	// OutcomeFailed means an unrecoverable error ended the run.
	OutcomeFailed Outcome = "failed"
)

// Report summarizes one run.
type Report struct {
	RunID      string
	Started    time.Time
	Outcome    Outcome
	Decision   runstate.Decision
	Flows      []flows.Result
	StateSaved bool
	Duration   time.Duration
}

// Flows is the set of flow steps executed by a run.
type Flows interface {
	IngestCoinList(ctx context.Context, rc flows.RunContext) (flows.Result, error)
	TransformCoinList(ctx context.Context, rc flows.RunContext) (flows.Result, error)
	IngestMarkets(ctx context.Context, rc flows.RunContext) (flows.Result, error)
	TransformMarkets(ctx context.Context, rc flows.RunContext) (flows.Result, error)
}

// Runner executes pipeline runs. It is not reentrant: callers must not start a
// run while another one is in progress.
type Runner struct {
	flows   Flows
	state   *runstate.FileStore
	gate    *runstate.Gate
	metrics *metrics.Metrics
	logger  *logging.ComponentLogger

	mu    sync.RWMutex
	stats health.Stats
}

// NewRunner creates a runner. m may be nil.
func NewRunner(f Flows, state *runstate.FileStore, gate *runstate.Gate, m *metrics.Metrics, logger *logging.ComponentLogger) *Runner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Runner{
		flows:   f,
		state:   state,
		gate:    gate,
		metrics: m,
		logger:  logger,
	}
}

// Run executes one run at time now: the gate check, the coin list flows, the
// market flows and the state update. now is the single timestamp every flow
// derives its partition from.
func (r *Runner) Run(ctx context.Context, now time.Time) (Report, error) {
	rc := flows.NewRunContext(now)
	report := Report{RunID: rc.RunID, Started: now}
	log := r.logger.With("run_id", rc.RunID)
	start := time.Now()

	log.Info().Str("date", rc.Date).Str("hour", rc.Hour).Msg("Starting pipeline run")

	report, err := r.run(ctx, rc, report, log)
	report.Duration = time.Since(start)
	if err != nil {
		report.Outcome = OutcomeFailed
		log.Error().Err(err).Dur("duration", report.Duration).Msg("Pipeline run failed")
	} else {
		log.Info().
			Str("outcome", string(report.Outcome)).
			Bool("state_saved", report.StateSaved).
			Dur("duration", report.Duration).
			Msg("Pipeline run finished")
	}
	r.record(report)
	return report, err
}

func (r *Runner) run(ctx context.Context, rc flows.RunContext, report Report, log *logging.ComponentLogger) (Report, error) {
	last, hasLast, err := r.state.Load()
	if err != nil {
		return report, fmt.Errorf("load run state: %w", err)
	}
	report.Decision = r.gate.Decide(rc.Now, last, hasLast)
	if !report.Decision.Proceed {
		report.Outcome = OutcomeSkipped
		return report, nil
	}

	steps := []struct {
		name string
		fn   func(context.Context, flows.RunContext) (flows.Result, error)
	}{
		{flows.FlowBronzeCoinList, r.flows.IngestCoinList},
		{flows.FlowSilverCoinList, r.flows.TransformCoinList},
		{flows.FlowBronzeMarkets, r.flows.IngestMarkets},
		{flows.FlowSilverMarkets, r.flows.TransformMarkets},
	}

	results := make(map[string]flows.Result, len(steps))
	for _, step := range steps {
		// silver markets only reads what this run landed in bronze
		if step.name == flows.FlowSilverMarkets && results[flows.FlowBronzeMarkets].Outcome != flows.OutcomeWritten {
			log.Warn().Msg("Bronze market ingestion did not write, skipping silver market transform")
			continue
		}

		started := time.Now()
		res, err := step.fn(ctx, rc)
		if res.Flow == "" {
			res.Flow = step.name
		}
		r.recordFlow(res, time.Since(started))
		if err != nil {
			return report, fmt.Errorf("%s: %w", step.name, err)
		}
		results[step.name] = res
		report.Flows = append(report.Flows, res)
	}

	if results[flows.FlowBronzeMarkets].Outcome != flows.OutcomeWritten ||
		results[flows.FlowSilverMarkets].Outcome != flows.OutcomeWritten {
		report.Outcome = OutcomeAborted
		log.Warn().Msg("Market flows did not complete, run state left unchanged")
		return report, nil
	}

	if err := r.state.Save(rc.Now); err != nil {
		return report, fmt.Errorf("save run state: %w", err)
	}
	report.StateSaved = true
	report.Outcome = OutcomeCompleted
	return report, nil
}

func (r *Runner) recordFlow(res flows.Result, duration time.Duration) {
	if r.metrics == nil {
		return
	}
	outcome := string(res.Outcome)
	if outcome == "" {
		outcome = string(OutcomeFailed)
	}
	r.metrics.RecordFlow(res.Flow, outcome, duration)
	if res.Outcome != flows.OutcomeWritten {
		return
	}
	write := string(res.Write.Outcome)
	if res.Fallback {
		write = "fallback_overwrite"
	}
	r.metrics.RecordWrite(res.Flow, write, res.Rows)
	if res.Verify != nil && !res.Verify.OK {
		r.metrics.VerifyFailure.Inc()
	}
}

func (r *Runner) record(report Report) {
	if r.metrics != nil {
		r.metrics.RecordRun(string(report.Outcome), report.Started, report.Duration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.RunsTotal++
	if report.Outcome == OutcomeFailed {
		r.stats.RunsFailed++
	}
	r.stats.LastRunTime = report.Started
	r.stats.LastRunOutcome = string(report.Outcome)
	r.stats.LastRunDuration = report.Duration
	if report.Outcome == OutcomeCompleted {
		r.stats.LastSuccessTime = report.Started
	}
}

// Stats returns run statistics for the health endpoint.
func (r *Runner) Stats() health.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *Runner) setNextRun(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.NextScheduledRun = t
}
