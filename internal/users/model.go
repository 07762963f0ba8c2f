package users

import (
	"strings"
	"time"

	"github.com/adhilroshan/callendar/internal/auth"
)

// User is the persisted profile of someone who wants phone reminders before their events.
type User struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:64;not null"`
	Email            string `gorm:"column:email;size:320;not null;uniqueIndex"`
	DisplayName      string `gorm:"column:display_name;size:320"`
	PhoneNumber      string `gorm:"column:phone_number;size:32"`
	AccessToken      string `gorm:"column:access_token;type:text"`
	RefreshToken     string `gorm:"column:refresh_token;type:text"`
	TokenExpiresAtS  int64  `gorm:"column:token_expires_at_s;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing user profiles.
func (User) TableName() string {
	return "users"
}

// Credential returns the stored calendar credential. A zero expiry means the expiry is unknown.
func (u User) Credential() auth.Credential {
	credential := auth.Credential{
		AccessToken:  u.AccessToken,
		RefreshToken: u.RefreshToken,
	}
	if u.TokenExpiresAtS > 0 {
		credential.Expiry = time.Unix(u.TokenExpiresAtS, 0).UTC()
	}
	return credential
}

// HasPhoneNumber reports whether the user has a contact number to call.
func (u User) HasPhoneNumber() bool {
	return strings.TrimSpace(u.PhoneNumber) != ""
}

// HasCredential reports whether any calendar credential is stored.
func (u User) HasCredential() bool {
	return !u.Credential().IsZero()
}

// Eligible reports whether the user can receive alerts this cycle.
func (u User) Eligible() bool {
	return u.HasPhoneNumber() && u.HasCredential()
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
