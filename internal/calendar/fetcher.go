package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/adhilroshan/callendar/internal/auth"
	"go.uber.org/zap"
)

const (
	// DefaultLookahead is the alerting window.
	DefaultLookahead = 5 * time.Minute
	// DefaultDisplayWindow is the user-facing upcoming-events window.
	DefaultDisplayWindow = 7 * 24 * time.Hour
)

var errMissingProvider = errors.New("calendar provider required")

// FetcherConfig describes the dependencies of a Fetcher.
type FetcherConfig struct {
	Provider  Provider
	Lookahead time.Duration
	Logger    *zap.Logger
}

// Fetcher retrieves normalized event windows from a calendar provider.
type Fetcher struct {
	provider  Provider
	lookahead time.Duration
	logger    *zap.Logger
}

// NewFetcher constructs a Fetcher.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	lookahead := cfg.Lookahead
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		provider:  cfg.Provider,
		lookahead: lookahead,
		logger:    logger,
	}, nil
}

// Lookahead returns the configured alerting window.
func (f *Fetcher) Lookahead() time.Duration {
	return f.lookahead
}

// FetchUpcoming returns the events starting inside [now, now+lookahead).
func (f *Fetcher) FetchUpcoming(ctx context.Context, credential auth.Credential, now time.Time) ([]Event, error) {
	return f.FetchWindow(ctx, credential, now, now.Add(f.lookahead))
}

// FetchWindow returns single-instance events starting inside [from, to), ordered by start
// time with ties broken by event id.
func (f *Fetcher) FetchWindow(ctx context.Context, credential auth.Credential, from, to time.Time) ([]Event, error) {
	if !to.After(from) {
		return []Event{}, nil
	}
	raw, err := f.provider.ListEvents(ctx, credential, from, to)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrProvider) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return f.normalize(raw, from, to), nil
}

func (f *Fetcher) normalize(raw []Event, from, to time.Time) []Event {
	seen := make(map[string]struct{}, len(raw))
	events := make([]Event, 0, len(raw))
	add := func(event Event) {
		if event.ID == "" {
			return
		}
		if _, duplicate := seen[event.ID]; duplicate {
			return
		}
		seen[event.ID] = struct{}{}
		event.Title = event.DisplayTitle()
		event.Recurrence = nil
		events = append(events, event)
	}

	for _, event := range raw {
		if event.IsRecurringMaster() {
			instances, err := expandRecurring(event, from, to)
			if err != nil {
				f.logger.Warn("recurring event could not be expanded",
					zap.String("event_id", event.ID),
					zap.Error(err))
				continue
			}
			for _, instance := range instances {
				add(instance)
			}
			continue
		}
		if startsWithin(event, from, to) {
			add(event)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Start.Equal(events[j].Start) {
			return events[i].ID < events[j].ID
		}
		return events[i].Start.Before(events[j].Start)
	})
	return events
}
