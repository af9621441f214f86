// Package retention keeps the in-memory metric store bounded. The janitor
// periodically prunes raw points and hourly buckets past the raw window and
// daily buckets past the daily window.
//
// Windows:
//   - Raw:   raw points and hourly buckets (default 7 days)
//   - Daily: daily buckets, the research history (default 400 days)
//
// The daily window never drops below the research look-back, so a sweep can
// not take history away from a task that is about to read it.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. The decision log is append-only and is
// never touched here.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/internal/timeseries"
)

// Defaults applied to zero config fields.
const (
	DefaultInterval = time.Hour
	DefaultRaw      = 7 * 24 * time.Hour
	DefaultDaily    = 400 * 24 * time.Hour
)

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	timeseries.PruneStats
	RawCutoff   time.Time
	DailyCutoff time.Time
}

// Janitor periodically prunes expired metrics.
type Janitor struct {
	series   *timeseries.Aggregator
	interval time.Duration
	raw      time.Duration
	daily    time.Duration
	now      func() time.Time
}

// NewJanitor creates a janitor for series. historyDays is the research
// look-back the daily window must cover.
func NewJanitor(series *timeseries.Aggregator, cfg config.RetentionConfig, historyDays int) *Janitor {
	j := &Janitor{
		series:   series,
		interval: cfg.Interval,
		raw:      cfg.Raw,
		daily:    cfg.Daily,
		now:      time.Now,
	}
	if j.interval < time.Minute {
		j.interval = DefaultInterval
	}
	if j.raw <= 0 {
		j.raw = DefaultRaw
	}
	if j.daily <= 0 {
		j.daily = DefaultDaily
	}
	// One extra day so the oldest partially covered day survives.
	if floor := time.Duration(historyDays+1) * 24 * time.Hour; j.daily < floor {
		log.Warn().Dur("daily", j.daily).Dur("floor", floor).Msg("Daily retention below research history, raising it")
		j.daily = floor
	}
	return j
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("raw", j.raw).
		Dur("daily", j.daily).
		Msg("🧹 Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle()
		}
	}
}

// RunCycle performs one sweep.
func (j *Janitor) RunCycle() CycleStats {
	start := j.now().UTC()
	stats := CycleStats{
		RawCutoff:   start.Add(-j.raw),
		DailyCutoff: start.Add(-j.daily),
	}
	stats.PruneStats = j.series.Prune(stats.RawCutoff, stats.DailyCutoff)

	if stats.Points > 0 || stats.HourlyBuckets > 0 || stats.DailyBuckets > 0 {
		log.Info().
			Int("points", stats.Points).
			Int("hourly_buckets", stats.HourlyBuckets).
			Int("daily_buckets", stats.DailyBuckets).
			Int("series", stats.Series).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}
