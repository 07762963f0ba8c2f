package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs the alert cycle every five minutes.
const DefaultSchedule = "*/5 * * * *"

var errMissingJob = errors.New("scheduled job required")

// Job is the work triggered on every tick.
type Job func(ctx context.Context)

// Config describes a Scheduler.
type Config struct {
	// Schedule is a standard five-field cron expression.
	Schedule string
	Job      Job
	// JobTimeout bounds a single run; zero leaves it unbounded.
	JobTimeout time.Duration
	Logger     *zap.Logger
}

// Scheduler triggers the job on a cron schedule, skipping ticks while a previous run is active.
type Scheduler struct {
	cron       *cron.Cron
	schedule   string
	job        Job
	jobTimeout time.Duration
	logger     *zap.Logger
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// New validates the schedule and constructs a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Job == nil {
		return nil, errMissingJob
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cronLogAdapter{logger: logger}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		schedule:   schedule,
		job:        cfg.Job,
		jobTimeout: cfg.JobTimeout,
		logger:     logger,
		baseCtx:    baseCtx,
		cancel:     cancel,
	}, nil
}

// Start registers the job and begins ticking in the background.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts ticking, cancels a running job, and waits for it to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	s.cancel()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out waiting for running job")
	}
}

func (s *Scheduler) runOnce() {
	ctx := s.baseCtx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}
	s.job(ctx)
}

type cronLogAdapter struct {
	logger *zap.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
