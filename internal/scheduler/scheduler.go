// Package scheduler runs the background jobs: automatic checkpoints on
// a cron expression, the stale-session sweep, and relationship index
// rebuilds.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/ctxstore/internal/checkpoint"
	"github.com/basket/ctxstore/internal/graph"
	"github.com/basket/ctxstore/internal/recovery"
	"github.com/basket/ctxstore/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Checkpoints *checkpoint.Manager
	Recovery    *recovery.Manager
	Graph       *graph.Index

	ProjectID string
	// AutoCheckpointSpec is a cron expression; empty disables
	// automatic checkpoints.
	AutoCheckpointSpec string
	// SweepInterval is how often crashed sessions are flagged.
	SweepInterval time.Duration
	// GraphRebuildInterval is how often the relationship index is
	// refreshed from the store.
	GraphRebuildInterval time.Duration

	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks at a fixed interval and fires whichever jobs are due.
type Scheduler struct {
	checkpoints *checkpoint.Manager
	recovery    *recovery.Manager
	graph       *graph.Index

	projectID string
	cronSched cronlib.Schedule
	logger    *slog.Logger
	interval  time.Duration

	sweepInterval time.Duration
	graphInterval time.Duration

	nextCheckpoint time.Time
	nextSweep      time.Time
	nextRebuild    time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. An invalid cron expression is an error; an
// empty one disables the checkpoint job.
func New(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cronSched cronlib.Schedule
	if cfg.AutoCheckpointSpec != "" {
		parsed, err := cronParser.Parse(cfg.AutoCheckpointSpec)
		if err != nil {
			return nil, fmt.Errorf("parse auto checkpoint spec %q: %w", cfg.AutoCheckpointSpec, err)
		}
		cronSched = parsed
	}

	return &Scheduler{
		checkpoints:   cfg.Checkpoints,
		recovery:      cfg.Recovery,
		graph:         cfg.Graph,
		projectID:     cfg.ProjectID,
		cronSched:     cronSched,
		logger:        logger,
		interval:      interval,
		sweepInterval: cfg.SweepInterval,
		graphInterval: cfg.GraphRebuildInterval,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	now := time.Now()
	if s.cronSched != nil {
		s.nextCheckpoint = s.cronSched.Next(now)
	}
	s.nextSweep = now
	s.nextRebuild = now

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started",
		"interval", s.interval, "auto_checkpoint", s.cronSched != nil)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.graph != nil && s.graphInterval > 0 && !now.Before(s.nextRebuild) {
		if err := s.graph.Rebuild(ctx); err != nil {
			s.logger.Error("graph rebuild failed", "error", err)
		}
		s.nextRebuild = now.Add(s.graphInterval)
	}

	if s.recovery != nil && s.sweepInterval > 0 && !now.Before(s.nextSweep) {
		if _, err := s.recovery.Check(ctx, false); err != nil {
			s.logger.Error("stale session sweep failed", "error", err)
		}
		s.nextSweep = now.Add(s.sweepInterval)
	}

	if s.cronSched != nil && s.checkpoints != nil && !now.Before(s.nextCheckpoint) {
		s.fireCheckpoint(ctx, now)
		s.nextCheckpoint = s.cronSched.Next(now)
	}
}

func (s *Scheduler) fireCheckpoint(ctx context.Context, now time.Time) {
	cp, err := s.checkpoints.Create(ctx, checkpoint.CreateRequest{
		Label:     fmt.Sprintf("auto-%s", now.UTC().Format("20060102-150405")),
		Type:      store.CheckpointAuto,
		Scope:     store.ScopeGlobal,
		ProjectID: s.projectID,
	})
	if err != nil {
		s.logger.Error("auto checkpoint failed", "error", err)
		return
	}
	s.logger.Info("auto checkpoint created",
		"checkpoint_id", cp.CheckpointID, "label", cp.Label,
		"next_run_at", s.cronSched.Next(now))
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
