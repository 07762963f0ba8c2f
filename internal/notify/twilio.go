package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhilroshan/callendar/internal/logging"
	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 20 * time.Second
	settingAccountSID     = "account_sid"
	settingAuthToken      = "auth_token"
	settingFromNumber     = "from_number"
)

var (
	// ErrNotConfigured indicates one or more provider settings are missing.
	ErrNotConfigured = errors.New("notify: notification provider not configured")
	// ErrCallFailed indicates the provider did not accept the call request.
	ErrCallFailed = errors.New("notify: call placement failed")
	// ErrInvalidDestination indicates an empty destination number.
	ErrInvalidDestination = errors.New("notify: destination number required")
)

type callAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	FetchAccount(sid string) (*twilioApi.ApiV2010Account, error)
}

// TwilioConfig describes the Twilio account used to place reminder calls.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// CallsPerSecond caps outbound call requests; zero disables limiting.
	CallsPerSecond float64
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// TwilioNotifier places voice calls that read a short message aloud.
type TwilioNotifier struct {
	accountSID string
	authToken  string
	fromNumber string
	api        callAPI
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// Status describes which provider settings are present and whether the account validates.
type Status struct {
	AccountSIDSet bool   `json:"accountSidSet"`
	AuthTokenSet  bool   `json:"authTokenSet"`
	FromNumberSet bool   `json:"fromNumberSet"`
	Configured    bool   `json:"configured"`
	AccountValid  bool   `json:"accountValid"`
	AccountStatus string `json:"accountStatus,omitempty"`
	AccountName   string `json:"accountName,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewTwilioNotifier constructs a notifier. Missing settings are reported by Configured
// rather than failing construction.
func NewTwilioNotifier(cfg TwilioConfig) *TwilioNotifier {
	notifier := newNotifier(cfg, nil)
	if notifier.Configured() == nil {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: notifier.accountSID,
			Password: notifier.authToken,
		})
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		client.SetTimeout(timeout)
		notifier.api = client.Api
	}
	return notifier
}

func newNotifier(cfg TwilioConfig, api callAPI) *TwilioNotifier {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.CallsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1)
	}
	return &TwilioNotifier{
		accountSID: strings.TrimSpace(cfg.AccountSID),
		authToken:  strings.TrimSpace(cfg.AuthToken),
		fromNumber: strings.TrimSpace(cfg.FromNumber),
		api:        api,
		limiter:    limiter,
		logger:     logger,
	}
}

// Configured returns ErrNotConfigured naming the missing settings, or nil.
func (n *TwilioNotifier) Configured() error {
	missing := make([]string, 0, 3)
	if n.accountSID == "" {
		missing = append(missing, settingAccountSID)
	}
	if n.authToken == "" {
		missing = append(missing, settingAuthToken)
	}
	if n.fromNumber == "" {
		missing = append(missing, settingFromNumber)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// PlaceCall asks the provider to call the destination and read the message.
// It returns the provider call identifier once the request is accepted.
func (n *TwilioNotifier) PlaceCall(ctx context.Context, destination, message string) (string, error) {
	if err := n.Configured(); err != nil {
		return "", err
	}
	to := strings.TrimSpace(destination)
	if to == "" {
		return "", ErrInvalidDestination
	}
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrCallFailed, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCallFailed, err)
	}

	document, err := ComposeTwiML(message)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCallFailed, err)
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(n.fromNumber)
	params.SetTwiml(document)

	call, err := n.api.CreateCall(params)
	if err != nil {
		n.logger.Warn("call placement failed",
			logging.PhoneNumber("to", to),
			zap.Error(err))
		return "", fmt.Errorf("%w: %s", ErrCallFailed, describeTwilioError(err))
	}
	callSID := ""
	if call != nil && call.Sid != nil {
		callSID = *call.Sid
	}
	n.logger.Info("call placed",
		logging.PhoneNumber("to", to),
		zap.String("call_sid", callSID))
	return callSID, nil
}

// Status reports configuration presence and validates the account credentials when possible.
func (n *TwilioNotifier) Status(ctx context.Context) Status {
	status := Status{
		AccountSIDSet: n.accountSID != "",
		AuthTokenSet:  n.authToken != "",
		FromNumberSet: n.fromNumber != "",
	}
	if err := n.Configured(); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Configured = true
	if err := ctx.Err(); err != nil {
		status.Error = err.Error()
		return status
	}

	account, err := n.api.FetchAccount(n.accountSID)
	if err != nil {
		status.Error = describeTwilioError(err)
		return status
	}
	status.AccountValid = true
	if account != nil {
		if account.Status != nil {
			status.AccountStatus = *account.Status
		}
		if account.FriendlyName != nil {
			status.AccountName = *account.FriendlyName
		}
	}
	return status
}

// ComposeTwiML renders the voice document that reads the message once.
func ComposeTwiML(message string) (string, error) {
	return twiml.Voice([]twiml.Element{&twiml.VoiceSay{Message: message}})
}

func describeTwilioError(err error) string {
	var restErr *twilioClient.TwilioRestError
	if errors.As(err, &restErr) {
		return fmt.Sprintf("twilio error %d (status %d): %s", restErr.Code, restErr.Status, restErr.Message)
	}
	return err.Error()
}
