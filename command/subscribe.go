// Package command holds the coordinators that drive the subscription state
// machine and newsletter publication. The pattern -- a validated struct with
// a Run(ctx, tx) method returning a typed result -- is lifted directly from
// the teacher template's command package (signup_starter.go,
// signup_finisher.go); only the branch structure and result fields change to
// match this system's state machine.
package command

import (
	"bytes"
	"context"
	"strings"

	"github.com/aymerick/douceur/inliner"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/domain"
	"github.com/brandur/newsletter/mailclient"
	"github.com/brandur/newsletter/ptemplate"
	"github.com/brandur/newsletter/store"
	"github.com/brandur/newsletter/tokenmint"
)

var validate = validator.New()

// SubscribeCoordinator is component G. It parses and validates a subscribe
// form submission, then either starts a new pending subscription or resends
// the confirmation email for one already pending. Grounded on
// command/signup_starter.go's no-row/pending-row/confirmed-row branch
// structure; the teacher's 24-hour resend throttle and 3-attempt cap are
// dropped (see DESIGN.md -- replaying an identical submission must produce
// an identical confirmation link, which a throttle would sometimes refuse).
type SubscribeCoordinator struct {
	Email          string
	Name           string
	MailAPI        mailclient.API           `validate:"required"`
	Renderer       *ptemplate.Renderer      `validate:"required"`
	SubscribeStore *store.SubscriptionStore `validate:"required"`
	BaseURL        string                   `validate:"required"`
}

// SubscribeResult reports which branch of the state machine ran. Email and
// ConfirmationToken are set whenever a confirmation message needs sending
// (NewSignup or ConfirmationResent); the caller sends it with
// SendConfirmation only after the transaction that produced this result has
// committed, so that a transport failure never rolls back the subscriber
// row and token it would otherwise need to replay against.
type SubscribeResult struct {
	// NewSignup is true when a brand new pending subscription was created.
	NewSignup bool

	// ConfirmationResent is true when an existing pending subscription's
	// confirmation email was resent using its existing token.
	ConfirmationResent bool

	// AlreadyConfirmed is true when the email is already a confirmed
	// subscriber; no email is sent in this case.
	AlreadyConfirmed bool

	// Email and ConfirmationToken address the confirmation message;
	// empty when AlreadyConfirmed.
	Email             string
	ConfirmationToken string
}

func (c *SubscribeCoordinator) Run(ctx context.Context, tx pgx.Tx) (*SubscribeResult, error) {
	logrus.Infof("SubscribeCoordinator running")

	if err := validate.Struct(c); err != nil {
		return nil, xerrors.Errorf("error validating command: %w", err)
	}

	name, err := domain.ParseName(c.Name)
	if err != nil {
		return nil, xerrors.Errorf("error parsing subscriber name: %w", err)
	}

	email, err := domain.ParseEmail(c.Email)
	if err != nil {
		return nil, xerrors.Errorf("error parsing subscriber email: %w", err)
	}

	existing, found, err := c.SubscribeStore.FindByEmail(ctx, tx, email.String())
	if err != nil {
		return nil, xerrors.Errorf("error looking up existing subscription: %w", err)
	}

	if !found {
		subscriberID, err := c.SubscribeStore.InsertPending(ctx, tx, name.String(), email.String())
		if err != nil {
			return nil, xerrors.Errorf("error inserting pending subscription: %w", err)
		}

		token, err := tokenmint.Generate()
		if err != nil {
			return nil, xerrors.Errorf("error minting confirmation token: %w", err)
		}

		if err := c.SubscribeStore.StoreToken(ctx, tx, subscriberID, token); err != nil {
			return nil, xerrors.Errorf("error storing confirmation token: %w", err)
		}

		return &SubscribeResult{NewSignup: true, Email: email.String(), ConfirmationToken: token}, nil
	}

	switch existing.Status {
	case store.StatusConfirmed:
		return &SubscribeResult{AlreadyConfirmed: true}, nil

	case store.StatusPendingConfirmation:
		token, err := c.SubscribeStore.FindToken(ctx, tx, existing.ID)
		if err != nil {
			return nil, xerrors.Errorf("error finding existing confirmation token: %w", err)
		}

		return &SubscribeResult{ConfirmationResent: true, Email: email.String(), ConfirmationToken: token}, nil

	default:
		return nil, xerrors.Errorf("subscriber %s has unrecognized status %q", existing.ID, existing.Status)
	}
}

// SendConfirmation sends the confirmation email described by a result
// returned from Run. It's a no-op for the AlreadyConfirmed branch, which
// never populates Email. Callers must invoke this only after the
// transaction that produced result has been committed (see main.go's
// handleSubscribe): original_source commits the subscriber+token write and
// then sends the confirmation email as a separate step, rather than inside
// the write's transaction, so a transport failure here never unwinds the
// pending row -- a later duplicate submission will find it and resend
// through the ConfirmationResent branch above.
func (c *SubscribeCoordinator) SendConfirmation(ctx context.Context, result *SubscribeResult) error {
	if result.Email == "" {
		return nil
	}
	return c.sendConfirmationMessage(ctx, result.Email, result.ConfirmationToken)
}

func (c *SubscribeCoordinator) sendConfirmationMessage(ctx context.Context, email, token string) error {
	logrus.Infof("Sending confirmation mail to %v with token %v", email, token)

	link := c.BaseURL + "/subscribe/confirm?subscription_token=" + token

	buf := new(bytes.Buffer)
	if err := c.Renderer.RenderTemplate(buf, "views/messages/confirm_plain", map[string]interface{}{
		"ConfirmationLink": link,
	}); err != nil {
		return xerrors.Errorf("error rendering confirmation email (plain): %w", err)
	}
	confirmPlain := strings.TrimSpace(buf.String())

	buf = new(bytes.Buffer)
	if err := c.Renderer.RenderTemplate(buf, "views/messages/confirm", map[string]interface{}{
		"ConfirmationLink": link,
	}); err != nil {
		return xerrors.Errorf("error rendering confirmation email (HTML): %w", err)
	}
	confirmHTML := buf.String()

	// Inline CSS styling, since that's the only way mail clients render it
	// consistently.
	confirmHTML, err := inliner.Inline(confirmHTML)
	if err != nil {
		return xerrors.Errorf("error inlining CSS styling: %w", err)
	}

	return c.MailAPI.Send(ctx, &mailclient.SendParams{
		Recipient: email,
		Subject:   "Confirm your subscription",
		HTMLBody:  confirmHTML,
		TextBody:  confirmPlain,
	})
}
