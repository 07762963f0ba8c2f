package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/adhilroshan/callendar/internal/auth"
	"github.com/adhilroshan/callendar/internal/calendar"
	"github.com/adhilroshan/callendar/internal/cycle"
	"github.com/adhilroshan/callendar/internal/notify"
	"github.com/adhilroshan/callendar/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userContextKey     = "callendar_user"
	eventsCacheTTL     = time.Minute
	eventsCacheCleanup = 5 * time.Minute
)

var (
	errMissingCycleRunner      = errors.New("cycle runner dependency required")
	errMissingNotifier         = errors.New("notifier dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserStore        = errors.New("user store dependency required")
	errMissingEventFetcher     = errors.New("event fetcher dependency required")
	errMissingResolver         = errors.New("credential resolver dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// CycleRunner executes one alert cycle.
type CycleRunner interface {
	Run(ctx context.Context) (cycle.RunSummary, error)
}

// Notifier places calls and reports provider status.
type Notifier interface {
	Configured() error
	Status(ctx context.Context) notify.Status
	PlaceCall(ctx context.Context, destination, message string) (string, error)
}

// SessionValidator authenticates per-user requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserStore reads and mutates the signed-in user's profile.
type UserStore interface {
	UpsertFromSignIn(ctx context.Context, email, displayName string) (users.User, error)
	UpdatePhoneNumber(ctx context.Context, userID, phoneNumber string) error
	UpdateCredential(ctx context.Context, userID string, credential auth.Credential) error
}

// EventWindowFetcher lists events in an arbitrary window.
type EventWindowFetcher interface {
	FetchWindow(ctx context.Context, credential auth.Credential, from, to time.Time) ([]calendar.Event, error)
}

// CredentialResolver yields usable calendar credentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string, stored auth.Credential) (auth.Credential, error)
	Refresh(ctx context.Context, userID string, stored auth.Credential) (auth.Credential, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Cycle    CycleRunner
	Notifier Notifier
	Sessions SessionValidator
	Users    UserStore
	Fetcher  EventWindowFetcher
	Resolver CredentialResolver
	// CronSecret protects the cycle trigger; an empty secret disables the trigger.
	CronSecret     string
	DisplayWindow  time.Duration
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer
	Clock          func() time.Time
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Cycle == nil:
		return nil, errMissingCycleRunner
	case deps.Notifier == nil:
		return nil, errMissingNotifier
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserStore
	case deps.Fetcher == nil:
		return nil, errMissingEventFetcher
	case deps.Resolver == nil:
		return nil, errMissingResolver
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	displayWindow := deps.DisplayWindow
	if displayWindow <= 0 {
		displayWindow = calendar.DefaultDisplayWindow
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		cycle:         deps.Cycle,
		notifier:      deps.Notifier,
		sessions:      deps.Sessions,
		users:         deps.Users,
		fetcher:       deps.Fetcher,
		resolver:      deps.Resolver,
		cronSecret:    strings.TrimSpace(deps.CronSecret),
		displayWindow: displayWindow,
		eventsCache:   cache.New(eventsCacheTTL, eventsCacheCleanup),
		clock:         clock,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/notifier/status", handler.handleNotifierStatus)

	trigger := router.Group("/cycle")
	trigger.Use(handler.authorizeCron)
	trigger.POST("/run", handler.handleRunCycle)
	trigger.GET("/run", handler.handleRunCycle)

	me := router.Group("/me")
	me.Use(handler.authorizeSession)
	me.GET("", handler.handleGetProfile)
	me.PUT("/phone", handler.handleUpdatePhone)
	me.POST("/credential", handler.handleUpdateCredential)
	me.POST("/test-call", handler.handleTestCall)
	me.GET("/events", handler.handleListEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	cycle         CycleRunner
	notifier      Notifier
	sessions      SessionValidator
	users         UserStore
	fetcher       EventWindowFetcher
	resolver      CredentialResolver
	cronSecret    string
	displayWindow time.Duration
	eventsCache   *cache.Cache
	clock         func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleNotifierStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.notifier.Status(c.Request.Context()))
}
