package auth

import (
	"errors"
	"strings"
	"time"
)

// defaultExpirySkew treats a credential as expired slightly before its actual expiry.
const defaultExpirySkew = 30 * time.Second

var (
	// ErrCredentialExpired indicates the stored credential could not be turned into a valid one.
	ErrCredentialExpired = errors.New("auth: credential expired")
	// ErrMissingRefreshToken indicates a refresh was required but no refresh token is stored.
	ErrMissingRefreshToken = errors.New("auth: refresh token missing")
)

// Credential is the OAuth credential a user granted for calendar access.
type Credential struct {
	AccessToken  string
	RefreshToken string
	// Expiry is zero when the provider did not report one.
	Expiry time.Time
}

// IsZero reports whether neither token is present.
func (c Credential) IsZero() bool {
	return strings.TrimSpace(c.AccessToken) == "" && strings.TrimSpace(c.RefreshToken) == ""
}

// HasKnownExpiry reports whether the credential carries an expiry timestamp.
func (c Credential) HasKnownExpiry() bool {
	return !c.Expiry.IsZero()
}

// ValidAt reports whether the access token is present and unexpired at the given instant.
func (c Credential) ValidAt(now time.Time, skew time.Duration) bool {
	if strings.TrimSpace(c.AccessToken) == "" || !c.HasKnownExpiry() {
		return false
	}
	return now.Add(skew).Before(c.Expiry)
}

// withRefreshed merges a refresh response into the stored credential, keeping the
// original refresh token when the provider did not issue a new one.
func (c Credential) withRefreshed(refreshed Credential) Credential {
	merged := Credential{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		Expiry:       refreshed.Expiry,
	}
	if strings.TrimSpace(merged.RefreshToken) == "" {
		merged.RefreshToken = c.RefreshToken
	}
	return merged
}
