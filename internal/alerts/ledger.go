package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingEventID  = errors.New("event identifier is required")
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opLedgerNew   = "alerts.ledger.new"
	opHasAlerted  = "alerts.has_alerted"
	opRecordAlert = "alerts.record_alert"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// LedgerConfig describes the dependencies of the alert ledger.
type LedgerConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Ledger is the append-only set of (user, event) pairs that already triggered a call.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewLedger constructs an alert ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: cfg.Database, logger: logger}, nil
}

// HasAlerted reports whether an alert was already recorded for the pair.
func (l *Ledger) HasAlerted(ctx context.Context, userID, eventID string) (bool, error) {
	if err := validateKey(opHasAlerted, userID, eventID); err != nil {
		return false, err
	}
	var count int64
	err := l.db.WithContext(ctx).
		Model(&AlertRecord{}).
		Where("user_id = ? AND event_id = ?", userID, eventID).
		Count(&count).Error
	if err != nil {
		l.logError(opHasAlerted, "query_failed", err,
			zap.String("user_id", userID),
			zap.String("event_id", eventID))
		return false, newServiceError(opHasAlerted, "query_failed", err)
	}
	return count > 0, nil
}

// RecordAlert inserts the pair. It returns false without error when the pair was
// already present, so racing writers never produce a second record.
func (l *Ledger) RecordAlert(ctx context.Context, userID, eventID string, alertedAt time.Time) (bool, error) {
	if err := validateKey(opRecordAlert, userID, eventID); err != nil {
		return false, err
	}
	record := AlertRecord{
		UserID:           userID,
		EventID:          eventID,
		AlertedAtSeconds: alertedAt.UTC().Unix(),
	}
	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		l.logError(opRecordAlert, "insert_failed", result.Error,
			zap.String("user_id", userID),
			zap.String("event_id", eventID))
		return false, newServiceError(opRecordAlert, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		l.logger.Debug("alert already recorded",
			zap.String("user_id", userID),
			zap.String("event_id", eventID))
		return false, nil
	}
	return true, nil
}

func validateKey(operation, userID, eventID string) error {
	if strings.TrimSpace(userID) == "" {
		return newServiceError(operation, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(eventID) == "" {
		return newServiceError(operation, "missing_event_id", errMissingEventID)
	}
	return nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("alert ledger failure", attrs...)
}
