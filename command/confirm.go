package command

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/apperr"
	"github.com/brandur/newsletter/store"
	"github.com/brandur/newsletter/tokenmint"
)

// ConfirmCoordinator is components C/G's confirm side. Grounded on
// command/signup_finisher.go's token-lookup -> status-check ->
// mark-confirmed sequence, re-keyed from the teacher's
// "TokenNotFound"/"SignupFinished" result flags to this spec's
// ErrTokenInvalid/ErrTokenUnknown/ErrAlreadyConfirmed error kinds, since the
// contract here distinguishes three distinct failure kinds rather than one
// boolean.
type ConfirmCoordinator struct {
	Token             string                   `validate:"required"`
	SubscriptionStore *store.SubscriptionStore `validate:"required"`
}

// ConfirmResult reports the subscriber that was confirmed.
type ConfirmResult struct {
	SubscriberID string
}

func (c *ConfirmCoordinator) Run(ctx context.Context, tx pgx.Tx) (*ConfirmResult, error) {
	logrus.Infof("ConfirmCoordinator running")

	if err := validate.Struct(c); err != nil {
		return nil, xerrors.Errorf("error validating command: %w", err)
	}

	if err := tokenmint.Validate(c.Token); err != nil {
		return nil, xerrors.Errorf("error validating confirmation token: %w", err)
	}

	subscriberID, found, err := c.SubscriptionStore.IDFromToken(ctx, tx, c.Token)
	if err != nil {
		return nil, xerrors.Errorf("error resolving token: %w", err)
	}
	if !found {
		return nil, xerrors.Errorf("no subscriber for token: %w", apperr.ErrTokenUnknown)
	}

	status, err := c.SubscriptionStore.GetStatus(ctx, tx, subscriberID)
	if err != nil {
		return nil, xerrors.Errorf("error reading subscriber status: %w", err)
	}

	if status == store.StatusConfirmed {
		return nil, xerrors.Errorf("subscriber %s is already confirmed: %w", subscriberID, apperr.ErrAlreadyConfirmed)
	}

	if err := c.SubscriptionStore.MarkConfirmed(ctx, tx, subscriberID); err != nil {
		return nil, xerrors.Errorf("error marking subscriber confirmed: %w", err)
	}

	logrus.Infof("Confirmed subscriber %s", subscriberID)

	return &ConfirmResult{SubscriberID: subscriberID.String()}, nil
}
