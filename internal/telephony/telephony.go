// Package telephony wraps the Twilio REST API for outbound call placement.
//
// The IVR core never places calls itself; only the API layer uses this
// client, and the webhook stream it produces is handled by internal/ivr.
package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/dialscribe/DialScribe/internal/util"
)

// Dialer places outbound calls and returns the provider call SID.
type Dialer interface {
	PlaceCall(ctx context.Context, to string) (callSID string, err error)
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	WebhookURL string
	StatusURL  string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the caller id number in E.164 format.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithWebhookURL sets the publicly reachable voice webhook URL.
func WithWebhookURL(url string) Option {
	return func(o *Opts) { o.WebhookURL = url }
}

// WithStatusURL sets the status callback URL for lifecycle events.
func WithStatusURL(url string) Option {
	return func(o *Opts) { o.StatusURL = url }
}

// Client wraps the Twilio REST API for voice calls.
type Client struct {
	client     *twilio.RestClient
	fromNumber string
	webhookURL string
	statusURL  string
}

var _ Dialer = (*Client)(nil)

// NewClient creates a Twilio voice client. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER environment
// variables when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     client,
		fromNumber: cfg.FromNumber,
		webhookURL: cfg.WebhookURL,
		statusURL:  cfg.StatusURL,
	}, nil
}

// PlaceCall creates an outbound call with machine detection enabled and the
// voice webhook wired to DialScribe. Returns the provider call SID.
func (c *Client) PlaceCall(ctx context.Context, to string) (string, error) {
	requestID := uuid.NewString()
	slog.Debug("Twilio PlaceCall", "to", to, "requestID", requestID)

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetUrl(c.webhookURL)
	params.SetMethod("POST")
	if util.ParseBoolEnv("TWILIO_MACHINE_DETECTION", true) {
		params.SetMachineDetection("Enable")
	}
	if c.statusURL != "" {
		params.SetStatusCallback(c.statusURL)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
		params.SetStatusCallbackMethod("POST")
	}

	call, err := c.client.Api.CreateCall(params)
	if err != nil {
		slog.Error("Twilio PlaceCall failed", "error", err, "to", to, "requestID", requestID)
		return "", fmt.Errorf("failed to place call to %s: %w", to, err)
	}
	if call.Sid == nil {
		return "", fmt.Errorf("provider returned call without SID for %s", to)
	}

	slog.Info("Twilio PlaceCall succeeded", "to", to, "callSID", *call.Sid, "requestID", requestID)
	return *call.Sid, nil
}
