// Package mailclient implements component B, the email transport. The
// teacher template (github.com/brandur/passages-signup/mailclient) talks to
// Mailgun through the mailgun-go client and exposes an API interface with
// AddMember/SendMessage plus a FakeClient test double; that shape -- a small
// interface plus a fake, validated with go-playground/validator -- is kept,
// but the wire format changes to match this spec's provider, which expects
// Postmark's exact JSON casing and a bearer-style server token header
// rather than Mailgun's form-encoded API (see DESIGN.md for why
// mailgun-go is dropped).
package mailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/apperr"
)

var validate = validator.New()

// API provides an abstract interface for a mailing service. It's useful for
// selecting between a real mailing service and fake one that's useful for
// development and testing.
type API interface {
	// Send issues exactly one transactional email. It returns
	// apperr.ErrTransportFailed (wrapped) on any non-2xx response or on
	// timeout. There are no retries at this layer -- retry policy belongs
	// to callers.
	Send(ctx context.Context, params *SendParams) error
}

// SendParams are the fields of a single transactional email.
type SendParams struct {
	Recipient string `validate:"required,email"`
	Subject   string `validate:"required"`
	HTMLBody  string `validate:"required"`
	TextBody  string `validate:"required"`
}

//
// Client
//

// Client is an implementation of API that speaks Postmark's transactional
// email API: a single HTTP POST per send, a bearer-style server token
// header, and PascalCase JSON field names.
type Client struct {
	baseURL            string
	senderEmail        string
	authorizationToken string
	httpClient         *http.Client
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL            string        `validate:"required,url"`
	SenderEmail        string        `validate:"required,email"`
	AuthorizationToken string        `validate:"required"`
	Timeout            time.Duration `validate:"required"`
}

// NewClient validates config and constructs a Client. Timeout bounds every
// call this Client makes; the contract (§4.B) requires this bound, so it's
// not optional. Production defaults to a few seconds; tests configure
// something much tighter (the spec's default is 200ms) to keep suites fast.
func NewClient(config *ClientConfig) (*Client, error) {
	if err := validate.Struct(config); err != nil {
		return nil, xerrors.Errorf("invalid email client config: %w", err)
	}

	return &Client{
		baseURL:            config.BaseURL,
		senderEmail:        config.SenderEmail,
		authorizationToken: config.AuthorizationToken,
		httpClient:         &http.Client{Timeout: config.Timeout},
	}, nil
}

// postmarkRequestBody is the exact wire shape required by §6: PascalCase
// keys, one object per call.
type postmarkRequestBody struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// Send issues exactly one HTTP POST to the configured provider URL.
func (c *Client) Send(ctx context.Context, params *SendParams) error {
	if err := validate.Struct(params); err != nil {
		return xerrors.Errorf("invalid send params: %w", err)
	}

	body := postmarkRequestBody{
		From:     c.senderEmail,
		To:       params.Recipient,
		Subject:  params.Subject,
		HtmlBody: params.HTMLBody,
		TextBody: params.TextBody,
	}

	encoded, err := json.Marshal(&body)
	if err != nil {
		return xerrors.Errorf("error encoding email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(encoded))
	if err != nil {
		return xerrors.Errorf("error building email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.authorizationToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Errorf("error sending email: %w", xerrors.Errorf("%w: %v", apperr.ErrTransportFailed, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return xerrors.Errorf("email provider returned status %d: %w",
			resp.StatusCode, xerrors.Errorf("%w: %s", apperr.ErrTransportFailed, respBody))
	}

	return nil
}

//
// FakeClient
//

// FakeClient is a primitive test double that records sends in memory
// instead of reaching out to a real provider. Grounded on the teacher's
// FakeClient (mailclient/mail_client.go), generalized from
// AddMember/SendMessage to the single Send operation this spec defines.
type FakeClient struct {
	Sent []*SendParams

	// FailNext, when set, makes the next call to Send return
	// apperr.ErrTransportFailed instead of recording the message. It's
	// reset to false after being consumed once.
	FailNext bool
}

func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

func (c *FakeClient) Send(ctx context.Context, params *SendParams) error {
	if err := validate.Struct(params); err != nil {
		return xerrors.Errorf("invalid send params: %w", err)
	}

	if c.FailNext {
		c.FailNext = false
		return xerrors.Errorf("fake transport failure: %w", apperr.ErrTransportFailed)
	}

	c.Sent = append(c.Sent, params)
	return nil
}

// Recipients returns the recipient addresses of every message sent so far,
// in send order.
func (c *FakeClient) Recipients() []string {
	addrs := make([]string, len(c.Sent))
	for i, p := range c.Sent {
		addrs[i] = p.Recipient
	}
	return addrs
}
