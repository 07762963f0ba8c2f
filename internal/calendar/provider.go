package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/adhilroshan/callendar/internal/auth"
)

var (
	// ErrUnauthorized indicates the provider rejected the access credential.
	ErrUnauthorized = errors.New("calendar: provider rejected credential")
	// ErrProvider indicates any other provider failure.
	ErrProvider = errors.New("calendar: provider error")
)

// Provider lists the events of a user's primary calendar that overlap [timeMin, timeMax).
// Implementations request single-instance expansion and report authentication
// failures as ErrUnauthorized.
type Provider interface {
	ListEvents(ctx context.Context, credential auth.Credential, timeMin, timeMax time.Time) ([]Event, error)
}
