package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adhilroshan/callendar/internal/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultCalendarID   = "primary"
	eventStatusCanceled = "cancelled"
	allDayLayout        = "2006-01-02"
	maxResultsPerPage   = 250
)

// GoogleProviderConfig configures the Google Calendar provider.
type GoogleProviderConfig struct {
	// CalendarID defaults to the user's primary calendar.
	CalendarID string
	// Endpoint overrides the API base URL.
	Endpoint   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// GoogleProvider reads events through the Google Calendar v3 API.
type GoogleProvider struct {
	calendarID string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewGoogleProvider constructs a provider backed by the Google Calendar API.
func NewGoogleProvider(cfg GoogleProviderConfig) *GoogleProvider {
	calendarID := strings.TrimSpace(cfg.CalendarID)
	if calendarID == "" {
		calendarID = defaultCalendarID
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoogleProvider{
		calendarID: calendarID,
		endpoint:   strings.TrimSpace(cfg.Endpoint),
		httpClient: httpClient,
		logger:     logger,
	}
}

// ListEvents queries single event instances ordered by start time.
func (p *GoogleProvider) ListEvents(ctx context.Context, credential auth.Credential, timeMin, timeMax time.Time) ([]Event, error) {
	if strings.TrimSpace(credential.AccessToken) == "" {
		return nil, fmt.Errorf("%w: access token missing", ErrUnauthorized)
	}

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential.AccessToken, TokenType: "Bearer"})
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient), tokenSource)
	options := []option.ClientOption{option.WithHTTPClient(client)}
	if p.endpoint != "" {
		options = append(options, option.WithEndpoint(p.endpoint))
	}
	service, err := gcal.NewService(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	events := make([]Event, 0)
	call := service.Events.List(p.calendarID).
		TimeMin(timeMin.UTC().Format(time.RFC3339Nano)).
		TimeMax(timeMax.UTC().Format(time.RFC3339Nano)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(maxResultsPerPage)
	err = call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			event, ok, convertErr := convertGoogleEvent(item)
			if convertErr != nil {
				p.logger.Warn("skipping unparseable calendar event",
					zap.String("event_id", item.Id),
					zap.Error(convertErr))
				continue
			}
			if ok {
				events = append(events, event)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	return events, nil
}

func classifyGoogleError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", ErrUnauthorized, apiErr.Message)
		}
		return fmt.Errorf("%w: status %d: %v", ErrProvider, apiErr.Code, apiErr.Message)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, retrieveErr)
	}
	return fmt.Errorf("%w: %v", ErrProvider, err)
}

func convertGoogleEvent(item *gcal.Event) (Event, bool, error) {
	if item == nil || item.Status == eventStatusCanceled {
		return Event{}, false, nil
	}
	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return Event{}, false, fmt.Errorf("start: %w", err)
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		end = start
	}
	return Event{
		ID:         item.Id,
		Title:      item.Summary,
		Start:      start,
		End:        end,
		AllDay:     allDay,
		Recurrence: item.Recurrence,
	}, true, nil
}

func parseEventTime(value *gcal.EventDateTime) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, errors.New("missing time")
	}
	if value.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, value.DateTime)
		return parsed, false, err
	}
	if value.Date != "" {
		location := time.UTC
		if value.TimeZone != "" {
			if loaded, err := time.LoadLocation(value.TimeZone); err == nil {
				location = loaded
			}
		}
		parsed, err := time.ParseInLocation(allDayLayout, value.Date, location)
		return parsed, true, err
	}
	return time.Time{}, false, errors.New("missing date and dateTime")
}
