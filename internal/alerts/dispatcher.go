package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhilroshan/callendar/internal/calendar"
	"github.com/adhilroshan/callendar/internal/logging"
	"github.com/adhilroshan/callendar/internal/metrics"
	"go.uber.org/zap"
)

const defaultCallTimeout = 20 * time.Second

var (
	errMissingLedger   = errors.New("alert ledger required")
	errMissingNotifier = errors.New("notifier required")
	// ErrAlertNotRecorded indicates a call was placed but the ledger write failed.
	ErrAlertNotRecorded = errors.New("alert placed but not recorded")
	// ErrLedgerUnavailable indicates the ledger could not be consulted, so no call was attempted.
	ErrLedgerUnavailable = errors.New("alert ledger unavailable")
)

// AlertLedger is the durable (user, event) set consulted before every call.
type AlertLedger interface {
	HasAlerted(ctx context.Context, userID, eventID string) (bool, error)
	RecordAlert(ctx context.Context, userID, eventID string, alertedAt time.Time) (bool, error)
}

// Notifier places a call that reads the message to the destination number.
type Notifier interface {
	PlaceCall(ctx context.Context, destination, message string) (string, error)
}

// Recipient is the user being alerted.
type Recipient struct {
	UserID      string
	PhoneNumber string
}

// EventFailure describes one event whose handling failed.
type EventFailure struct {
	EventID string
	Err     error
}

// DispatchResult aggregates the outcome of dispatching one user's events.
type DispatchResult struct {
	CallsMade int
	// AlreadyAlerted counts events skipped because the ledger already held them.
	AlreadyAlerted int
	Failures       []EventFailure
}

// DispatcherConfig describes the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Ledger      AlertLedger
	Notifier    Notifier
	Clock       func() time.Time
	CallTimeout time.Duration
	Metrics     *metrics.Collectors
	Logger      *zap.Logger
}

// Dispatcher places at most one call per (user, event) pair.
type Dispatcher struct {
	ledger      AlertLedger
	notifier    Notifier
	clock       func() time.Time
	callTimeout time.Duration
	metrics     *metrics.Collectors
	logger      *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Notifier == nil {
		return nil, errMissingNotifier
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		ledger:      cfg.Ledger,
		notifier:    cfg.Notifier,
		clock:       clock,
		callTimeout: callTimeout,
		metrics:     cfg.Metrics,
		logger:      logger,
	}, nil
}

// Dispatch walks the events in order and calls the recipient for each one not yet alerted.
// A failure on one event never stops the remaining events.
func (d *Dispatcher) Dispatch(ctx context.Context, recipient Recipient, events []calendar.Event) DispatchResult {
	result := DispatchResult{Failures: make([]EventFailure, 0)}
	if strings.TrimSpace(recipient.PhoneNumber) == "" {
		return result
	}

	attempted := make(map[string]struct{}, len(events))
	for _, event := range events {
		if _, seen := attempted[event.ID]; seen {
			continue
		}
		attempted[event.ID] = struct{}{}

		fields := []zap.Field{
			zap.String("user_id", recipient.UserID),
			zap.String("event_id", event.ID),
		}

		alerted, err := d.ledger.HasAlerted(ctx, recipient.UserID, event.ID)
		if err != nil {
			d.logger.Warn("alert ledger lookup failed, skipping event", append(fields, zap.Error(err))...)
			result.Failures = append(result.Failures, EventFailure{
				EventID: event.ID,
				Err:     fmt.Errorf("%w: %v", ErrLedgerUnavailable, err),
			})
			continue
		}
		if alerted {
			result.AlreadyAlerted++
			continue
		}

		callSID, err := d.placeCall(ctx, recipient.PhoneNumber, ComposeMessage(event))
		if err != nil {
			d.metrics.CallFailed()
			d.logger.Warn("alert call failed", append(fields, zap.Error(err))...)
			result.Failures = append(result.Failures, EventFailure{EventID: event.ID, Err: err})
			continue
		}
		result.CallsMade++
		d.metrics.CallPlaced()
		d.logger.Info("alert call placed", append(fields,
			zap.String("call_sid", callSID),
			logging.PhoneNumber("to", recipient.PhoneNumber))...)

		inserted, err := d.ledger.RecordAlert(ctx, recipient.UserID, event.ID, d.clock())
		if err != nil {
			d.logger.Error("alert placed but not recorded", append(fields, zap.Error(err))...)
			result.Failures = append(result.Failures, EventFailure{
				EventID: event.ID,
				Err:     fmt.Errorf("%w: %v", ErrAlertNotRecorded, err),
			})
			continue
		}
		if !inserted {
			d.metrics.DuplicateAlert()
			d.logger.Info("alert already recorded by a concurrent writer", fields...)
		}
	}
	return result
}

func (d *Dispatcher) placeCall(ctx context.Context, destination, message string) (string, error) {
	callContext, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	return d.notifier.PlaceCall(callContext, destination, message)
}
