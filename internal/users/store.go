package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhilroshan/callendar/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserNotFound indicates no user record matches the lookup.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrInvalidEmail indicates the sign-in claims did not carry an email.
	ErrInvalidEmail = errors.New("users: email required")
	// ErrInvalidPhoneNumber indicates an empty contact number was submitted.
	ErrInvalidPhoneNumber = errors.New("users: phone number required")

	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
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
	opStoreNew         = "users.store.new"
	opListEligible     = "users.list_eligible"
	opGet              = "users.get"
	opUpsertFromSignIn = "users.upsert_from_sign_in"
	opUpdatePhone      = "users.update_phone_number"
	opUpdateCredential = "users.update_credential"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the user store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store reads and mutates user profiles.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs a user store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// ListEligible returns users that have a contact number and some stored credential,
// ordered by creation so cycles visit users deterministically.
func (s *Store) ListEligible(ctx context.Context) ([]User, error) {
	var records []User
	err := s.db.WithContext(ctx).
		Where("TRIM(COALESCE(phone_number, '')) <> ''").
		Where("(TRIM(COALESCE(access_token, '')) <> '' OR TRIM(COALESCE(refresh_token, '')) <> '')").
		Order("created_at_s ASC").
		Order("user_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListEligible, "query_failed", err)
		return nil, newServiceError(opListEligible, "query_failed", err)
	}
	return records, nil
}

// Get loads a single user by identifier.
func (s *Store) Get(ctx context.Context, userID string) (User, error) {
	if normalize(userID) == "" {
		return User{}, newServiceError(opGet, "missing_user_id", errMissingUserID)
	}
	var record User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, newServiceError(opGet, "not_found", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID))
		return User{}, newServiceError(opGet, "query_failed", err)
	}
	return record, nil
}

// UpsertFromSignIn returns the user keyed by email, creating it on first sign-in.
// A changed display name is written back; stored credentials and phone number are untouched.
func (s *Store) UpsertFromSignIn(ctx context.Context, email, displayName string) (User, error) {
	normalizedEmail := normalizeEmail(email)
	if normalizedEmail == "" {
		return User{}, newServiceError(opUpsertFromSignIn, "invalid_email", ErrInvalidEmail)
	}

	userID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opUpsertFromSignIn, "id_generation_failed", err)
		return User{}, newServiceError(opUpsertFromSignIn, "id_generation_failed", err)
	}
	now := s.clock().UTC().Unix()
	candidate := User{
		UserID:           userID,
		Email:            normalizedEmail,
		DisplayName:      normalize(displayName),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	var record User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).
			Create(&candidate).Error; err != nil {
			return newServiceError(opUpsertFromSignIn, "insert_failed", err)
		}
		if err := tx.Where("email = ?", normalizedEmail).Take(&record).Error; err != nil {
			return newServiceError(opUpsertFromSignIn, "select_failed", err)
		}
		if candidate.DisplayName != "" && candidate.DisplayName != record.DisplayName {
			if err := tx.Model(&User{}).
				Where("user_id = ?", record.UserID).
				Updates(map[string]interface{}{"display_name": candidate.DisplayName, "updated_at_s": now}).Error; err != nil {
				return newServiceError(opUpsertFromSignIn, "update_failed", err)
			}
			record.DisplayName = candidate.DisplayName
			record.UpdatedAtSeconds = now
		}
		return nil
	})
	if txErr != nil {
		s.logError(opUpsertFromSignIn, "transaction_failed", txErr)
		return User{}, txErr
	}
	return record, nil
}

// UpdatePhoneNumber stores the contact number the user wants to be called on.
func (s *Store) UpdatePhoneNumber(ctx context.Context, userID, phoneNumber string) error {
	trimmed := normalize(phoneNumber)
	if trimmed == "" {
		return newServiceError(opUpdatePhone, "invalid_phone_number", ErrInvalidPhoneNumber)
	}
	return s.update(ctx, opUpdatePhone, userID, map[string]interface{}{"phone_number": trimmed})
}

// UpdateCredential persists a calendar credential onto the user record.
// An empty refresh token keeps the one already stored.
func (s *Store) UpdateCredential(ctx context.Context, userID string, credential auth.Credential) error {
	updates := map[string]interface{}{
		"access_token":       credential.AccessToken,
		"token_expires_at_s": int64(0),
	}
	if credential.HasKnownExpiry() {
		updates["token_expires_at_s"] = credential.Expiry.UTC().Unix()
	}
	if normalize(credential.RefreshToken) != "" {
		updates["refresh_token"] = credential.RefreshToken
	}
	return s.update(ctx, opUpdateCredential, userID, updates)
}

func (s *Store) update(ctx context.Context, operation, userID string, updates map[string]interface{}) error {
	if normalize(userID) == "" {
		return newServiceError(operation, "missing_user_id", errMissingUserID)
	}
	updates["updated_at_s"] = s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", userID).Updates(updates)
	if result.Error != nil {
		s.logError(operation, "update_failed", result.Error, zap.String("user_id", userID))
		return newServiceError(operation, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(operation, "not_found", ErrUserNotFound)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("user store failure", attrs...)
}
