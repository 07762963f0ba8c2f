package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhilroshan/callendar/internal/alerts"
	"github.com/adhilroshan/callendar/internal/auth"
	"github.com/adhilroshan/callendar/internal/calendar"
	"github.com/adhilroshan/callendar/internal/metrics"
	"github.com/adhilroshan/callendar/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCallTimeout = 20 * time.Second

	outcomeCompleted     = "completed"
	outcomeInProgress    = "in_progress"
	outcomeNotConfigured = "not_configured"
	outcomeFailed        = "failed"

	messageInProgress = "Cycle already in progress."
)

var (
	errMissingUsers      = errors.New("user source required")
	errMissingResolver   = errors.New("credential resolver required")
	errMissingFetcher    = errors.New("event fetcher required")
	errMissingDispatcher = errors.New("alert dispatcher required")
	errMissingNotifier   = errors.New("notifier readiness check required")
)

// UserSource lists the users that may receive alerts.
type UserSource interface {
	ListEligible(ctx context.Context) ([]users.User, error)
}

// CredentialResolver yields a usable calendar credential for a user.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string, stored auth.Credential) (auth.Credential, error)
	Refresh(ctx context.Context, userID string, stored auth.Credential) (auth.Credential, error)
}

// EventFetcher returns the events inside the alerting window.
type EventFetcher interface {
	FetchUpcoming(ctx context.Context, credential auth.Credential, now time.Time) ([]calendar.Event, error)
}

// AlertDispatcher calls a user about the events not yet alerted.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, recipient alerts.Recipient, events []calendar.Event) alerts.DispatchResult
}

// NotifierReadiness reports whether the notification provider can place calls.
type NotifierReadiness interface {
	Configured() error
}

// OrchestratorConfig describes the dependencies of an Orchestrator.
type OrchestratorConfig struct {
	Users      UserSource
	Resolver   CredentialResolver
	Fetcher    EventFetcher
	Dispatcher AlertDispatcher
	Notifier   NotifierReadiness
	// Guard defaults to an in-process guard.
	Guard Guard
	Clock func() time.Time
	// CallTimeout bounds each credential refresh and calendar fetch.
	CallTimeout time.Duration
	// MaxParallelUsers defaults to 1, processing users sequentially.
	MaxParallelUsers int
	Metrics          *metrics.Collectors
	Logger           *zap.Logger
}

// Orchestrator runs one alert cycle across all eligible users.
type Orchestrator struct {
	users       UserSource
	resolver    CredentialResolver
	fetcher     EventFetcher
	dispatcher  AlertDispatcher
	notifier    NotifierReadiness
	guard       Guard
	clock       func() time.Time
	callTimeout time.Duration
	parallel    int
	metrics     *metrics.Collectors
	logger      *zap.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.Users == nil:
		return nil, errMissingUsers
	case cfg.Resolver == nil:
		return nil, errMissingResolver
	case cfg.Fetcher == nil:
		return nil, errMissingFetcher
	case cfg.Dispatcher == nil:
		return nil, errMissingDispatcher
	case cfg.Notifier == nil:
		return nil, errMissingNotifier
	}
	guard := cfg.Guard
	if guard == nil {
		guard = NewLocalGuard()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	parallel := cfg.MaxParallelUsers
	if parallel < 1 {
		parallel = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		users:       cfg.Users,
		resolver:    cfg.Resolver,
		fetcher:     cfg.Fetcher,
		dispatcher:  cfg.Dispatcher,
		notifier:    cfg.Notifier,
		guard:       guard,
		clock:       clock,
		callTimeout: callTimeout,
		parallel:    parallel,
		metrics:     cfg.Metrics,
		logger:      logger,
	}, nil
}

type userOutcome struct {
	callsMade int
	failures  []Failure
}

// Run executes one cycle. The summary is always populated; the error is non-nil when the
// cycle could not run at all (notifier not configured, another cycle in progress, users
// unavailable). Per-user and per-event failures are reported only in the summary.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	summary := RunSummary{
		RunID:     newRunID(),
		Failures:  make([]Failure, 0),
		StartedAt: o.clock().UTC(),
	}
	logger := o.logger.With(zap.String("run_id", summary.RunID))

	if err := o.notifier.Configured(); err != nil {
		logger.Warn("cycle skipped: notifier not configured", zap.Error(err))
		return o.finish(summary, outcomeNotConfigured, err.Error()), err
	}

	release, err := o.guard.Acquire(ctx, summary.RunID)
	if err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			logger.Info("cycle skipped: another cycle holds the run token")
			return o.finish(summary, outcomeInProgress, messageInProgress), err
		}
		logger.Error("cycle skipped: run token unavailable", zap.Error(err))
		return o.finish(summary, outcomeFailed, err.Error()), err
	}
	defer release()

	eligible, err := o.users.ListEligible(ctx)
	if err != nil {
		logger.Error("cycle aborted: users unavailable", zap.Error(err))
		wrapped := fmt.Errorf("list eligible users: %w", err)
		summary.Failures = append(summary.Failures, Failure{Error: wrapped.Error()})
		return o.finish(summary, outcomeFailed, wrapped.Error()), wrapped
	}

	outcomes := make([]userOutcome, len(eligible))
	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(o.parallel)
	for index := range eligible {
		user := eligible[index]
		group.Go(func() error {
			outcomes[index] = o.processUser(groupContext, logger, user)
			return nil
		})
	}
	_ = group.Wait()

	for _, outcome := range outcomes {
		summary.CallsMade += outcome.callsMade
		summary.Failures = append(summary.Failures, outcome.failures...)
	}
	summary.Success = true
	summary = o.finish(summary, outcomeCompleted, completedMessage(summary.CallsMade))
	logger.Info("cycle completed",
		zap.Int("users", len(eligible)),
		zap.Int("calls_made", summary.CallsMade),
		zap.Int("failures", len(summary.Failures)),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)))
	return summary, nil
}

func (o *Orchestrator) processUser(ctx context.Context, logger *zap.Logger, user users.User) userOutcome {
	if !user.Eligible() {
		return userOutcome{}
	}
	o.metrics.UserProcessed()
	userLogger := logger.With(zap.String("user_id", user.UserID))

	credential, err := o.resolve(ctx, user)
	if err != nil {
		o.metrics.UserFailure(metrics.FailureCredentialExpired)
		userLogger.Warn("credential unavailable", zap.Error(err))
		return userOutcome{failures: []Failure{{UserID: user.UserID, Error: err.Error()}}}
	}

	events, err := o.fetch(ctx, credential)
	if errors.Is(err, calendar.ErrUnauthorized) {
		userLogger.Info("calendar rejected credential, refreshing once")
		credential, err = o.refresh(ctx, user, credential)
		if err != nil {
			o.metrics.UserFailure(metrics.FailureCredentialExpired)
			userLogger.Warn("credential refresh after rejection failed", zap.Error(err))
			return userOutcome{failures: []Failure{{UserID: user.UserID, Error: err.Error()}}}
		}
		events, err = o.fetch(ctx, credential)
		if errors.Is(err, calendar.ErrUnauthorized) {
			o.metrics.UserFailure(metrics.FailureCredentialExpired)
			expired := fmt.Errorf("%w: %v", auth.ErrCredentialExpired, err)
			userLogger.Warn("calendar rejected refreshed credential", zap.Error(expired))
			return userOutcome{failures: []Failure{{UserID: user.UserID, Error: expired.Error()}}}
		}
	}
	if err != nil {
		o.metrics.UserFailure(metrics.FailureProvider)
		userLogger.Warn("calendar fetch failed", zap.Error(err))
		return userOutcome{failures: []Failure{{UserID: user.UserID, Error: err.Error()}}}
	}

	result := o.dispatcher.Dispatch(ctx, alerts.Recipient{UserID: user.UserID, PhoneNumber: user.PhoneNumber}, events)
	outcome := userOutcome{callsMade: result.CallsMade}
	for _, failure := range result.Failures {
		o.metrics.UserFailure(metrics.FailureDispatch)
		outcome.failures = append(outcome.failures, Failure{
			UserID:  user.UserID,
			EventID: failure.EventID,
			Error:   failure.Err.Error(),
		})
	}
	return outcome
}

func (o *Orchestrator) resolve(ctx context.Context, user users.User) (auth.Credential, error) {
	callContext, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.resolver.Resolve(callContext, user.UserID, user.Credential())
}

func (o *Orchestrator) refresh(ctx context.Context, user users.User, current auth.Credential) (auth.Credential, error) {
	callContext, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.resolver.Refresh(callContext, user.UserID, current)
}

func (o *Orchestrator) fetch(ctx context.Context, credential auth.Credential) ([]calendar.Event, error) {
	callContext, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.fetcher.FetchUpcoming(callContext, credential, o.clock())
}

func (o *Orchestrator) finish(summary RunSummary, outcome, message string) RunSummary {
	summary.Message = message
	summary.FinishedAt = o.clock().UTC()
	o.metrics.ObserveCycle(outcome, summary.FinishedAt.Sub(summary.StartedAt))
	return summary
}

func newRunID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}
