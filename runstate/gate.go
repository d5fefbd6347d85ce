package runstate

import (
	"time"

	"github.com/withobsrvr/coingecko-lake/logging"
)

// Default thresholds of the hourly cadence.
const (
	DefaultMinInterval  = time.Hour
	DefaultOverdueAfter = 2 * time.Hour
)

// Reason explains a gate decision.
type Reason string

const (
	ReasonFirstRun  Reason = "first_run"
	ReasonDue       Reason = "due"
	ReasonOverdue   Reason = "overdue"
	ReasonTooSoon   Reason = "too_soon"
	ReasonClockSkew Reason = "clock_moved_backwards"
)

// Decision is the outcome of Gate.Decide.
type Decision struct {
	Proceed bool
	Reason  Reason
	Elapsed time.Duration
}

// Gate enforces at most one extraction per interval.
type Gate struct {
	MinInterval    time.Duration
	OverdueAfter   time.Duration
	DriftTolerance time.Duration
	logger         *logging.ComponentLogger
}

// NewGate creates a gate. Zero thresholds fall back to the hourly defaults.
func NewGate(minInterval, overdueAfter, driftTolerance time.Duration, logger *logging.ComponentLogger) *Gate {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if overdueAfter <= 0 {
		overdueAfter = DefaultOverdueAfter
	}
	if driftTolerance < 0 {
		driftTolerance = 0
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gate{
		MinInterval:    minInterval,
		OverdueAfter:   overdueAfter,
		DriftTolerance: driftTolerance,
		logger:         logger,
	}
}

// Decide reports whether a run at now should extract, given the last recorded
// extraction. hasLast is false when no state exists. A late run proceeds with a
// warning; missed hours are not backfilled.
func (g *Gate) Decide(now, last time.Time, hasLast bool) Decision {
	if !hasLast {
		g.logger.Info().Msg("No previous extraction recorded, running")
		return Decision{Proceed: true, Reason: ReasonFirstRun}
	}

	elapsed := now.Sub(last)
	switch {
	case elapsed < 0:
		g.logger.Warn().
			Time("now", now).
			Time("last_extraction", last).
			Msg("Last extraction is in the future, clock moved backwards; skipping")
		return Decision{Reason: ReasonClockSkew, Elapsed: elapsed}
	case elapsed < g.MinInterval-g.DriftTolerance:
		g.logger.Info().
			Dur("elapsed", elapsed).
			Dur("min_interval", g.MinInterval).
			Msg("Skipping extraction: interval since last run not reached")
		return Decision{Reason: ReasonTooSoon, Elapsed: elapsed}
	case elapsed > g.OverdueAfter:
		g.logger.Warn().
			Dur("elapsed", elapsed).
			Dur("overdue_after", g.OverdueAfter).
			Msg("Last extraction is overdue, an intermediate run may have been missed; proceeding")
		return Decision{Proceed: true, Reason: ReasonOverdue, Elapsed: elapsed}
	}
	return Decision{Proceed: true, Reason: ReasonDue, Elapsed: elapsed}
}

// ShouldExtract applies the default hourly thresholds.
func ShouldExtract(now, last time.Time, hasLast bool) bool {
	return NewGate(0, 0, 0, nil).Decide(now, last, hasLast).Proceed
}
