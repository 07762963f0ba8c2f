package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var (
	errMissingClientID     = errors.New("oauth client id is required")
	errMissingClientSecret = errors.New("oauth client secret is required")
	// ErrRefreshRejected indicates the token endpoint refused the refresh token.
	ErrRefreshRejected = errors.New("auth: refresh token rejected")
	// ErrRefreshUnavailable indicates the token endpoint could not be reached or answered with a server error.
	ErrRefreshUnavailable = errors.New("auth: refresh endpoint unavailable")
	// ErrInvalidRefresherConfig indicates the OAuth client settings are incomplete.
	ErrInvalidRefresherConfig = errors.New("auth: invalid refresher config")
)

// OAuthRefresherConfig describes the OAuth client used to refresh Google credentials.
type OAuthRefresherConfig struct {
	ClientID     string
	ClientSecret string
	// TokenURL defaults to Google's token endpoint.
	TokenURL   string
	HTTPClient *http.Client
}

// OAuthRefresher exchanges refresh tokens at an OAuth2 token endpoint.
type OAuthRefresher struct {
	config     oauth2.Config
	httpClient *http.Client
}

// NewOAuthRefresher constructs a refresher from client credentials.
func NewOAuthRefresher(cfg OAuthRefresherConfig) (*OAuthRefresher, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRefresherConfig, errMissingClientID)
	}
	clientSecret := strings.TrimSpace(cfg.ClientSecret)
	if clientSecret == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRefresherConfig, errMissingClientSecret)
	}

	endpoint := google.Endpoint
	if tokenURL := strings.TrimSpace(cfg.TokenURL); tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &OAuthRefresher{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
		httpClient: httpClient,
	}, nil
}

// Refresh trades the refresh token for a new access token.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Credential{}, ErrMissingRefreshToken
	}

	requestContext := context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	source := r.config.TokenSource(requestContext, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return Credential{}, classifyRefreshError(err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return Credential{}, fmt.Errorf("%w: empty access token in response", ErrRefreshRejected)
	}

	return Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}, nil
}

func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d", ErrRefreshUnavailable, status)
		}
		if retrieveErr.ErrorCode != "" {
			return fmt.Errorf("%w: %s", ErrRefreshRejected, retrieveErr.ErrorCode)
		}
		return fmt.Errorf("%w: status %d", ErrRefreshRejected, status)
	}
	return fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
}
