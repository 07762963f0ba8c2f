package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	recurrenceTimeLayout       = "20060102T150405Z"
	maxOccurrencesPerRecurring = 500
)

// expandRecurring turns a recurring master into concrete instances starting inside [from, to).
// Instance identifiers follow the provider's "<masterID>_<UTC start>" convention.
func expandRecurring(master Event, from, to time.Time) ([]Event, error) {
	location := master.Start.Location()
	lines := make([]string, 0, len(master.Recurrence)+1)
	lines = append(lines, "DTSTART:"+master.Start.UTC().Format(recurrenceTimeLayout))
	for _, line := range master.Recurrence {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}

	set, err := rrule.StrSliceToRRuleSetInLoc(lines, location)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence for %s: %w", master.ID, err)
	}
	set.DTStart(master.Start)

	// Between is inclusive on both ends when inc is true; the upper bound is trimmed below.
	occurrences := set.Between(from.In(location), to.In(location), true)
	if len(occurrences) > maxOccurrencesPerRecurring {
		occurrences = occurrences[:maxOccurrencesPerRecurring]
	}

	duration := master.End.Sub(master.Start)
	instances := make([]Event, 0, len(occurrences))
	for _, start := range occurrences {
		instance := Event{
			ID:     fmt.Sprintf("%s_%s", master.ID, start.UTC().Format(recurrenceTimeLayout)),
			Title:  master.Title,
			Start:  start,
			End:    start.Add(duration),
			AllDay: master.AllDay,
		}
		if !startsWithin(instance, from, to) {
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
