package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/withobsrvr/coingecko-lake/logging"
)

// DefaultSchedule runs the pipeline at the top of every hour.
const DefaultSchedule = "@hourly"

// Scheduler triggers runs on a cron schedule. A tick that fires while the
// previous run is still going is skipped.
type Scheduler struct {
	runner  *Runner
	cron    *cron.Cron
	entry   cron.EntryID
	spec    string
	timeout time.Duration
	logger  *logging.ComponentLogger
	now     func() time.Time
}

// NewScheduler creates a scheduler for spec (standard five-field cron or a
// descriptor such as "@hourly"). timeout bounds each run; zero means no bound.
func NewScheduler(runner *Runner, spec string, timeout time.Duration, logger *logging.ComponentLogger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		runner:  runner,
		spec:    spec,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
	}
	return s, nil
}

// Start schedules the runs and executes one run immediately. It returns once the
// first run has finished; later runs happen in the background until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	entry, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule pipeline: %w", err)
	}
	s.entry = entry

	s.logger.Info().Str("schedule", s.spec).Msg("Running initial pipeline check")
	s.tick(ctx)

	s.cron.Start()
	s.runner.setNextRun(s.cron.Entry(entry).Next)
	s.logger.Info().Str("schedule", s.spec).Time("next_run", s.cron.Entry(entry).Next).Msg("Scheduler started")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	// errors are already logged and counted by the runner
	_, _ = s.runner.Run(runCtx, s.now())

	if s.entry != 0 {
		s.runner.setNextRun(s.cron.Entry(s.entry).Next)
	}
}

// Stop stops scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// cronLogger adapts the component logger to cron.Logger.
type cronLogger struct {
	logger *logging.ComponentLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
