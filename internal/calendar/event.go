package calendar

import (
	"strings"
	"time"
)

// UntitledEvent is the display title used when the provider returns an event without a summary.
const UntitledEvent = "Untitled"

// Event is a single, non-recurring calendar occurrence produced fresh for each fetch.
type Event struct {
	ID    string
	Title string
	Start time.Time
	End   time.Time
	// AllDay marks date-only events; Start is midnight in the event's time zone.
	AllDay bool
	// Recurrence holds raw RRULE/EXDATE/RDATE lines when the provider returned a recurring master.
	Recurrence []string
}

// DisplayTitle returns the event title, falling back to a placeholder when it is blank.
func (e Event) DisplayTitle() string {
	if title := strings.TrimSpace(e.Title); title != "" {
		return title
	}
	return UntitledEvent
}

// IsRecurringMaster reports whether the event still carries recurrence rules.
func (e Event) IsRecurringMaster() bool {
	return len(e.Recurrence) > 0
}

// IsAlertable reports whether the event starts inside [now, now+lookahead).
func IsAlertable(event Event, now time.Time, lookahead time.Duration) bool {
	return startsWithin(event, now, now.Add(lookahead))
}

func startsWithin(event Event, from, to time.Time) bool {
	return !event.Start.Before(from) && event.Start.Before(to)
}
