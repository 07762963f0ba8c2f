package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/adhilroshan/callendar/internal/alerts"
	"github.com/adhilroshan/callendar/internal/auth"
	"github.com/adhilroshan/callendar/internal/calendar"
	"github.com/adhilroshan/callendar/internal/logging"
	"github.com/adhilroshan/callendar/internal/notify"
	"github.com/adhilroshan/callendar/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type profilePayload struct {
	UserID        string `json:"userId"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	PhoneNumber   string `json:"phoneNumber"`
	HasCredential bool   `json:"hasCredential"`
}

type phoneRequestPayload struct {
	PhoneNumber string `json:"phoneNumber"`
}

type credentialRequestPayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// ExpiresAt is a unix timestamp in seconds; zero means unknown.
	ExpiresAt int64 `json:"expiresAt"`
}

type testCallRequestPayload struct {
	Message string `json:"message"`
}

type eventPayload struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	AllDay bool      `json:"allDay"`
}

type eventsResponsePayload struct {
	Events []eventPayload `json:"events"`
	From   time.Time      `json:"from"`
	To     time.Time      `json:"to"`
}

func (h *httpHandler) authorizeSession(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.users.UpsertFromSignIn(c.Request.Context(), claims.Email(), claims.UserDisplayName)
	if err != nil {
		h.logger.Error("failed to load signed-in user", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_unavailable"})
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) (users.User, bool) {
	value, ok := c.Get(userContextKey)
	if !ok {
		return users.User{}, false
	}
	user, ok := value.(users.User)
	return user, ok
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, profilePayload{
		UserID:        user.UserID,
		Email:         user.Email,
		DisplayName:   user.DisplayName,
		PhoneNumber:   user.PhoneNumber,
		HasCredential: user.HasCredential(),
	})
}

func (h *httpHandler) handleUpdatePhone(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request phoneRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PhoneNumber) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_phone_number"})
		return
	}
	if err := h.users.UpdatePhoneNumber(c.Request.Context(), user.UserID, request.PhoneNumber); err != nil {
		h.logger.Error("failed to update phone number", zap.String("user_id", user.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	h.logger.Info("phone number updated",
		zap.String("user_id", user.UserID),
		logging.PhoneNumber("phone_number", request.PhoneNumber))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUpdateCredential(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request credentialRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccessToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credential"})
		return
	}
	credential := auth.Credential{
		AccessToken:  strings.TrimSpace(request.AccessToken),
		RefreshToken: strings.TrimSpace(request.RefreshToken),
	}
	if request.ExpiresAt > 0 {
		credential.Expiry = time.Unix(request.ExpiresAt, 0).UTC()
	}
	if err := h.users.UpdateCredential(c.Request.Context(), user.UserID, credential); err != nil {
		h.logger.Error("failed to store credential", zap.String("user_id", user.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	h.eventsCache.Delete(user.UserID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleTestCall(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.notifier.Configured(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if !user.HasPhoneNumber() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone_number_required"})
		return
	}
	var request testCallRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	callSID, err := h.notifier.PlaceCall(c.Request.Context(), user.PhoneNumber, alerts.ComposeTestMessage(request.Message))
	if err != nil {
		h.logger.Warn("test call failed", zap.String("user_id", user.UserID), zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, notify.ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"callSid": callSID})
}

func (h *httpHandler) handleListEvents(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if cached, found := h.eventsCache.Get(user.UserID); found {
		if response, ok := cached.(eventsResponsePayload); ok {
			c.JSON(http.StatusOK, response)
			return
		}
	}
	if !user.HasCredential() {
		c.JSON(http.StatusConflict, gin.H{"error": "calendar_not_connected"})
		return
	}

	from := h.clock().UTC()
	to := from.Add(h.displayWindow)
	events, err := h.fetchDisplayWindow(c.Request.Context(), user, from, to)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, auth.ErrCredentialExpired) || errors.Is(err, calendar.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		h.logger.Warn("failed to list upcoming events", zap.String("user_id", user.UserID), zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	response := eventsResponsePayload{Events: make([]eventPayload, 0, len(events)), From: from, To: to}
	for _, event := range events {
		response.Events = append(response.Events, eventPayload{
			ID:     event.ID,
			Title:  event.DisplayTitle(),
			Start:  event.Start,
			End:    event.End,
			AllDay: event.AllDay,
		})
	}
	h.eventsCache.SetDefault(user.UserID, response)
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) fetchDisplayWindow(ctx context.Context, user users.User, from, to time.Time) ([]calendar.Event, error) {
	credential, err := h.resolver.Resolve(ctx, user.UserID, user.Credential())
	if err != nil {
		return nil, err
	}
	events, err := h.fetcher.FetchWindow(ctx, credential, from, to)
	if !errors.Is(err, calendar.ErrUnauthorized) {
		return events, err
	}
	credential, err = h.resolver.Refresh(ctx, user.UserID, credential)
	if err != nil {
		return nil, err
	}
	return h.fetcher.FetchWindow(ctx, credential, from, to)
}
