package cycle

import (
	"fmt"
	"time"
)

// Failure is one entry of the run summary. EventID is empty for user-level failures.
type Failure struct {
	UserID  string `json:"userId"`
	EventID string `json:"eventId,omitempty"`
	Error   string `json:"error"`
}

// RunSummary is the result of one alert cycle.
type RunSummary struct {
	RunID      string    `json:"runId"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	CallsMade  int       `json:"callsMade"`
	Failures   []Failure `json:"errors"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

func completedMessage(callsMade int) string {
	return fmt.Sprintf("Cycle completed. Made %d calls.", callsMade)
}
