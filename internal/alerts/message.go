package alerts

import (
	"fmt"
	"strings"

	"github.com/adhilroshan/callendar/internal/calendar"
)

// MaxCustomMessageLength bounds user-supplied test call messages.
const MaxCustomMessageLength = 150

const defaultTestMessage = "This is a test call from your calendar reminder service."

// ComposeMessage renders the spoken reminder for an event.
func ComposeMessage(event calendar.Event) string {
	return fmt.Sprintf("Reminder: You have an event \"%s\" starting soon.", event.DisplayTitle())
}

// ComposeTestMessage returns the custom message truncated to MaxCustomMessageLength
// characters, or the default test phrase when it is blank.
func ComposeTestMessage(custom string) string {
	trimmed := strings.TrimSpace(custom)
	if trimmed == "" {
		return defaultTestMessage
	}
	runes := []rune(trimmed)
	if len(runes) > MaxCustomMessageLength {
		runes = runes[:MaxCustomMessageLength]
	}
	return string(runes)
}
