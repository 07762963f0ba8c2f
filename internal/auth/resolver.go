package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	opResolve        = "auth.resolve"
	opRefresh        = "auth.refresh"
	fieldUserID      = "user_id"
	reasonNoRefresh  = "missing_refresh_token"
	reasonRejected   = "refresh_failed"
	reasonPersisting = "persist_failed"
)

var errMissingRefresher = errors.New("refresher dependency required")

// Refresher exchanges a refresh token for a fresh access credential.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credential, error)
}

// CredentialStore persists refreshed credentials back onto the user record.
type CredentialStore interface {
	UpdateCredential(ctx context.Context, userID string, credential Credential) error
}

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Refresher Refresher
	// Store is optional; without it refreshed credentials live only for the current cycle.
	Store      CredentialStore
	Clock      func() time.Time
	ExpirySkew time.Duration
	Logger     *zap.Logger
}

// Resolver turns a stored, possibly stale credential into one that can be used right now.
type Resolver struct {
	refresher Refresher
	store     CredentialStore
	clock     func() time.Time
	skew      time.Duration
	logger    *zap.Logger
	group     singleflight.Group
}

// NewResolver constructs a credential resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Refresher == nil {
		return nil, errMissingRefresher
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	skew := cfg.ExpirySkew
	if skew <= 0 {
		skew = defaultExpirySkew
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		refresher: cfg.Refresher,
		store:     cfg.Store,
		clock:     clock,
		skew:      skew,
		logger:    logger,
	}, nil
}

// Resolve returns the stored credential when it is known to be valid, and refreshes it otherwise.
// A credential without a known expiry and without a refresh token is passed through unchanged so
// the calendar provider can make the final call on it.
func (r *Resolver) Resolve(ctx context.Context, userID string, stored Credential) (Credential, error) {
	if stored.ValidAt(r.clock(), r.skew) {
		return stored, nil
	}
	if !stored.HasKnownExpiry() && strings.TrimSpace(stored.RefreshToken) == "" && strings.TrimSpace(stored.AccessToken) != "" {
		r.logger.Debug("credential expiry unknown, using stored access token",
			zap.String("operation", opResolve),
			zap.String(fieldUserID, userID))
		return stored, nil
	}
	return r.Refresh(ctx, userID, stored)
}

// Refresh unconditionally refreshes the credential. Failures are reported as ErrCredentialExpired.
func (r *Resolver) Refresh(ctx context.Context, userID string, stored Credential) (Credential, error) {
	if strings.TrimSpace(stored.RefreshToken) == "" {
		r.logWarn(opRefresh, reasonNoRefresh, ErrMissingRefreshToken, zap.String(fieldUserID, userID))
		return Credential{}, fmt.Errorf("%w: %v", ErrCredentialExpired, ErrMissingRefreshToken)
	}

	result, err, shared := r.group.Do(userID+"\x00"+stored.RefreshToken, func() (interface{}, error) {
		refreshed, refreshErr := r.refresher.Refresh(ctx, stored.RefreshToken)
		if refreshErr != nil {
			return Credential{}, refreshErr
		}
		merged := stored.withRefreshed(refreshed)
		r.persist(ctx, userID, merged)
		return merged, nil
	})
	if err != nil {
		r.logWarn(opRefresh, reasonRejected, err, zap.String(fieldUserID, userID))
		return Credential{}, fmt.Errorf("%w: %v", ErrCredentialExpired, err)
	}

	credential, _ := result.(Credential)
	r.logger.Info("credential refreshed",
		zap.String(fieldUserID, userID),
		zap.Time("expires_at", credential.Expiry),
		zap.Bool("shared", shared))
	return credential, nil
}

func (r *Resolver) persist(ctx context.Context, userID string, credential Credential) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateCredential(ctx, userID, credential); err != nil {
		r.logWarn(opRefresh, reasonPersisting, err, zap.String(fieldUserID, userID))
	}
}

func (r *Resolver) logWarn(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Warn("credential resolver failure", attrs...)
}
