package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adhilroshan/callendar/internal/alerts"
	"github.com/adhilroshan/callendar/internal/auth"
	"github.com/adhilroshan/callendar/internal/calendar"
	"github.com/adhilroshan/callendar/internal/cycle"
	"github.com/adhilroshan/callendar/internal/notify"
	"github.com/adhilroshan/callendar/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testCronSecret = "cron-secret"

var routerNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type stubCycleRunner struct {
	summary cycle.RunSummary
	err     error
	calls   int
}

func (s *stubCycleRunner) Run(context.Context) (cycle.RunSummary, error) {
	s.calls++
	return s.summary, s.err
}

type stubNotifier struct {
	configuredErr error
	placeErr      error
	messages      []string
	destinations  []string
}

func (s *stubNotifier) Configured() error {
	return s.configuredErr
}

func (s *stubNotifier) Status(context.Context) notify.Status {
	return notify.Status{Configured: s.configuredErr == nil}
}

func (s *stubNotifier) PlaceCall(_ context.Context, destination, message string) (string, error) {
	if s.placeErr != nil {
		return "", s.placeErr
	}
	s.destinations = append(s.destinations, destination)
	s.messages = append(s.messages, message)
	return "CA-test", nil
}

type stubSessions struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessions) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type memoryUsers struct {
	mu   sync.Mutex
	user users.User
}

func (m *memoryUsers) UpsertFromSignIn(_ context.Context, email, displayName string) (users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user.UserID == "" {
		m.user = users.User{UserID: "user-1", Email: email, DisplayName: displayName}
	}
	return m.user, nil
}

func (m *memoryUsers) UpdatePhoneNumber(_ context.Context, _ string, phoneNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user.PhoneNumber = strings.TrimSpace(phoneNumber)
	return nil
}

func (m *memoryUsers) UpdateCredential(_ context.Context, _ string, credential auth.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user.AccessToken = credential.AccessToken
	if credential.RefreshToken != "" {
		m.user.RefreshToken = credential.RefreshToken
	}
	if credential.HasKnownExpiry() {
		m.user.TokenExpiresAtS = credential.Expiry.Unix()
	}
	return nil
}

type stubWindowFetcher struct {
	events []calendar.Event
	errs   map[string]error
	calls  int
	from   time.Time
	to     time.Time
}

func (f *stubWindowFetcher) FetchWindow(_ context.Context, credential auth.Credential, from, to time.Time) ([]calendar.Event, error) {
	f.calls++
	f.from = from
	f.to = to
	if err := f.errs[credential.AccessToken]; err != nil {
		return nil, err
	}
	return f.events, nil
}

type passThroughResolver struct {
	refreshErr error
}

func (passThroughResolver) Resolve(_ context.Context, _ string, stored auth.Credential) (auth.Credential, error) {
	return stored, nil
}

func (r passThroughResolver) Refresh(_ context.Context, _ string, stored auth.Credential) (auth.Credential, error) {
	if r.refreshErr != nil {
		return auth.Credential{}, r.refreshErr
	}
	return auth.Credential{AccessToken: "refreshed", RefreshToken: stored.RefreshToken}, nil
}

type routerFixture struct {
	cycle    *stubCycleRunner
	notifier *stubNotifier
	sessions stubSessions
	users    *memoryUsers
	fetcher  *stubWindowFetcher
	resolver passThroughResolver
	logger   *zap.Logger
}

func newRouterFixture() *routerFixture {
	return &routerFixture{
		cycle:    &stubCycleRunner{},
		notifier: &stubNotifier{},
		sessions: stubSessions{claims: auth.SessionClaims{UserEmail: "person@example.com", UserDisplayName: "Person"}},
		users:    &memoryUsers{},
		fetcher:  &stubWindowFetcher{errs: map[string]error{}},
	}
}

func (f *routerFixture) handler(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Cycle:      f.cycle,
		Notifier:   f.notifier,
		Sessions:   f.sessions,
		Users:      f.users,
		Fetcher:    f.fetcher,
		Resolver:   f.resolver,
		CronSecret: testCronSecret,
		Gatherer:   prometheus.NewRegistry(),
		Clock:      func() time.Time { return routerNow },
		Logger:     f.logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func cronHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testCronSecret}
}

func TestRunCycleRequiresCronSecret(t *testing.T) {
	fixture := newRouterFixture()
	handler := fixture.handler(t)

	if recorder := serve(handler, http.MethodPost, "/cycle/run", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", recorder.Code)
	}
	wrong := map[string]string{"Authorization": "Bearer nope"}
	if recorder := serve(handler, http.MethodPost, "/cycle/run", "", wrong); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong secret, got %d", recorder.Code)
	}
	if fixture.cycle.calls != 0 {
		t.Fatalf("cycle must not run without authorization")
	}
}

func TestRunCycleStatusMapping(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "completed", err: nil, expected: http.StatusOK},
		{name: "in progress", err: cycle.ErrCycleInProgress, expected: http.StatusConflict},
		{name: "not configured", err: notify.ErrNotConfigured, expected: http.StatusServiceUnavailable},
		{name: "users unavailable", err: errors.New("list eligible users: closed"), expected: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newRouterFixture()
			fixture.cycle.summary = cycle.RunSummary{RunID: "run-1", Success: testCase.err == nil, CallsMade: 2, Message: "Cycle completed. Made 2 calls."}
			fixture.cycle.err = testCase.err
			recorder := serve(fixture.handler(t), http.MethodPost, "/cycle/run", "", cronHeaders())
			if recorder.Code != testCase.expected {
				t.Fatalf("expected %d, got %d", testCase.expected, recorder.Code)
			}
			var summary cycle.RunSummary
			if err := json.Unmarshal(recorder.Body.Bytes(), &summary); err != nil {
				t.Fatalf("failed to decode summary: %v", err)
			}
			if summary.RunID != "run-1" || summary.CallsMade != 2 {
				t.Fatalf("unexpected summary %+v", summary)
			}
		})
	}
}

func TestRunCycleAcceptsGetForSchedulers(t *testing.T) {
	fixture := newRouterFixture()
	recorder := serve(fixture.handler(t), http.MethodGet, "/cycle/run", "", cronHeaders())
	if recorder.Code != http.StatusOK || fixture.cycle.calls != 1 {
		t.Fatalf("expected GET trigger to run the cycle, got %d", recorder.Code)
	}
}

func TestMeEndpointsRequireSession(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fixture := newRouterFixture()
	fixture.sessions = stubSessions{err: auth.ErrExpiredSessionToken}
	fixture.logger = zap.New(core)

	recorder := serve(fixture.handler(t), http.MethodGet, "/me", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	entries := logs.FilterMessage("session validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected one info entry for expired session, got %+v", entries)
	}
}

func TestUpdatePhoneAndProfile(t *testing.T) {
	fixture := newRouterFixture()
	handler := fixture.handler(t)

	if recorder := serve(handler, http.MethodPut, "/me/phone", `{"phoneNumber":"  "}`, nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank number, got %d", recorder.Code)
	}
	if recorder := serve(handler, http.MethodPut, "/me/phone", `{"phoneNumber":"+15551112222"}`, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}

	recorder := serve(handler, http.MethodGet, "/me", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var profile profilePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &profile); err != nil {
		t.Fatalf("failed to decode profile: %v", err)
	}
	if profile.PhoneNumber != "+15551112222" || profile.Email != "person@example.com" || profile.HasCredential {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestTestCallTruncatesCustomMessage(t *testing.T) {
	fixture := newRouterFixture()
	fixture.users.user = users.User{UserID: "user-1", Email: "person@example.com", PhoneNumber: "+15551112222"}
	handler := fixture.handler(t)

	body := `{"message":"` + strings.Repeat("x", alerts.MaxCustomMessageLength+50) + `"}`
	recorder := serve(handler, http.MethodPost, "/me/test-call", body, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(fixture.notifier.messages) != 1 || len(fixture.notifier.messages[0]) != alerts.MaxCustomMessageLength {
		t.Fatalf("expected truncated message, got %v", fixture.notifier.messages)
	}
	if fixture.notifier.destinations[0] != "+15551112222" {
		t.Fatalf("unexpected destination %v", fixture.notifier.destinations)
	}
}

func TestTestCallPreconditions(t *testing.T) {
	fixture := newRouterFixture()
	handler := fixture.handler(t)
	if recorder := serve(handler, http.MethodPost, "/me/test-call", "", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without phone number, got %d", recorder.Code)
	}

	unconfigured := newRouterFixture()
	unconfigured.notifier.configuredErr = notify.ErrNotConfigured
	if recorder := serve(unconfigured.handler(t), http.MethodPost, "/me/test-call", "", nil); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without notifier configuration, got %d", recorder.Code)
	}
}

func TestListEventsUsesDisplayWindowAndCache(t *testing.T) {
	fixture := newRouterFixture()
	fixture.users.user = users.User{UserID: "user-1", Email: "person@example.com", AccessToken: "access", RefreshToken: "refresh"}
	fixture.fetcher.events = []calendar.Event{{ID: "e1", Start: routerNow.Add(48 * time.Hour), End: routerNow.Add(49 * time.Hour)}}
	handler := fixture.handler(t)

	recorder := serve(handler, http.MethodGet, "/me/events", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !fixture.fetcher.from.Equal(routerNow) || !fixture.fetcher.to.Equal(routerNow.Add(calendar.DefaultDisplayWindow)) {
		t.Fatalf("unexpected window %v - %v", fixture.fetcher.from, fixture.fetcher.to)
	}
	var response eventsResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode events: %v", err)
	}
	if len(response.Events) != 1 || response.Events[0].Title != calendar.UntitledEvent {
		t.Fatalf("unexpected events %+v", response.Events)
	}

	serve(handler, http.MethodGet, "/me/events", "", nil)
	if fixture.fetcher.calls != 1 {
		t.Fatalf("expected cached response on second request, got %d fetches", fixture.fetcher.calls)
	}
}

func TestListEventsRefreshesOnceOnUnauthorized(t *testing.T) {
	fixture := newRouterFixture()
	fixture.users.user = users.User{UserID: "user-1", Email: "person@example.com", AccessToken: "stale", RefreshToken: "refresh"}
	fixture.fetcher.errs["stale"] = calendar.ErrUnauthorized
	handler := fixture.handler(t)

	recorder := serve(handler, http.MethodGet, "/me/events", "", nil)
	if recorder.Code != http.StatusOK || fixture.fetcher.calls != 2 {
		t.Fatalf("expected refresh and refetch, got %d after %d fetches", recorder.Code, fixture.fetcher.calls)
	}
}

func TestListEventsReportsExpiredCredential(t *testing.T) {
	fixture := newRouterFixture()
	fixture.users.user = users.User{UserID: "user-1", Email: "person@example.com", AccessToken: "stale"}
	fixture.fetcher.errs["stale"] = calendar.ErrUnauthorized
	fixture.resolver = passThroughResolver{refreshErr: auth.ErrCredentialExpired}

	recorder := serve(fixture.handler(t), http.MethodGet, "/me/events", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestStoreCredentialInvalidatesEventsCache(t *testing.T) {
	fixture := newRouterFixture()
	fixture.users.user = users.User{UserID: "user-1", Email: "person@example.com", AccessToken: "access"}
	handler := fixture.handler(t)

	serve(handler, http.MethodGet, "/me/events", "", nil)
	recorder := serve(handler, http.MethodPost, "/me/credential", `{"accessToken":"new","refreshToken":"r","expiresAt":1792227600}`, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if fixture.users.user.AccessToken != "new" || fixture.users.user.RefreshToken != "r" {
		t.Fatalf("credential not stored: %+v", fixture.users.user)
	}
	serve(handler, http.MethodGet, "/me/events", "", nil)
	if fixture.fetcher.calls != 2 {
		t.Fatalf("expected cache invalidation to force a refetch, got %d fetches", fixture.fetcher.calls)
	}
}

func TestNotifierStatusAndHealth(t *testing.T) {
	fixture := newRouterFixture()
	handler := fixture.handler(t)

	recorder := serve(handler, http.MethodGet, "/notifier/status", "", nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"configured":true`) {
		t.Fatalf("unexpected status response %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder := serve(handler, http.MethodGet, "/healthz", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", recorder.Code)
	}
	if recorder := serve(handler, http.MethodGet, "/metrics", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", recorder.Code)
	}
}

func TestCORSPreflightAllowsCredentials(t *testing.T) {
	fixture := newRouterFixture()
	recorder := serve(fixture.handler(t), http.MethodOptions, "/me/phone", "", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": http.MethodPut,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}
