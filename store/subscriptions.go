// Package store implements components C (subscription store) and E (issue
// store & delivery queue) from the spec. Every operation takes an
// already-open pgx.Tx, following the teacher template's convention
// (command/signup_starter.go, command/signup_finisher.go) of letting the
// caller own transaction boundaries while the store only issues queries.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/apperr"
)

// Status is a subscriber's position in the confirmation state machine. It
// only ever advances pending_confirmation -> confirmed.
type Status string

const (
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
)

// Subscriber is a row from the subscriptions table.
type Subscriber struct {
	ID        uuid.UUID
	Name      string
	Email     string
	Status    Status
	CreatedAt time.Time
}

// SubscriptionStore is component C: it persists subscribers and their
// confirmation tokens and enforces the subscription state machine.
type SubscriptionStore struct{}

// NewSubscriptionStore constructs a SubscriptionStore. It carries no state
// of its own -- every method takes the transaction to operate on. The
// command coordinators hold it as a concrete *SubscriptionStore, and their
// tests run it against a real test transaction.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{}
}

// FindByEmail looks up a subscriber by email address. The second return
// value is false (with a nil error) when no such subscriber exists.
func (s *SubscriptionStore) FindByEmail(ctx context.Context, tx pgx.Tx, email string) (*Subscriber, bool, error) {
	var sub Subscriber
	var status string

	err := tx.QueryRow(ctx, `
		SELECT id, name, email, status, subscribed_at
		FROM subscriptions
		WHERE email = $1
	`, email).Scan(&sub.ID, &sub.Name, &sub.Email, &status, &sub.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("error querying subscription by email: %w", joinStorageErr(err))
	}

	sub.Status = Status(status)
	return &sub, true, nil
}

// InsertPending creates a new subscriber row seeded to
// pending_confirmation and returns its freshly minted id.
func (s *SubscriptionStore) InsertPending(ctx context.Context, tx pgx.Tx, name, email string) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.UUID{}, xerrors.Errorf("error minting subscriber id: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (id, name, email, status, subscribed_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id, name, email, StatusPendingConfirmation)
	if err != nil {
		return uuid.UUID{}, xerrors.Errorf("error inserting pending subscription: %w", joinStorageErr(err))
	}

	return id, nil
}

// StoreToken associates a freshly minted confirmation token with a
// subscriber. Tokens are unique, so a collision (astronomically unlikely at
// 25 alphanumeric characters) surfaces as a storage error rather than being
// silently retried.
func (s *SubscriptionStore) StoreToken(ctx context.Context, tx pgx.Tx, subscriberID uuid.UUID, token string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO subscription_tokens (subscription_token, subscriber_id)
		VALUES ($1, $2)
	`, token, subscriberID)
	if err != nil {
		return xerrors.Errorf("error storing confirmation token: %w", joinStorageErr(err))
	}
	return nil
}

// FindToken returns the confirmation token associated with a subscriber.
// Used to replay the confirmation email when a still-pending subscriber
// submits the subscribe form again.
func (s *SubscriptionStore) FindToken(ctx context.Context, tx pgx.Tx, subscriberID uuid.UUID) (string, error) {
	var token string

	err := tx.QueryRow(ctx, `
		SELECT subscription_token
		FROM subscription_tokens
		WHERE subscriber_id = $1
		ORDER BY subscription_token
		LIMIT 1
	`, subscriberID).Scan(&token)
	if err != nil {
		return "", xerrors.Errorf("error finding confirmation token: %w", joinStorageErr(err))
	}

	return token, nil
}

// IDFromToken resolves a confirmation token to its subscriber id. The
// second return value is false when the token isn't known to the store --
// callers map that to apperr.ErrTokenUnknown, a distinct kind from a
// malformed token (which tokenmint.Validate rejects before this is ever
// called).
func (s *SubscriptionStore) IDFromToken(ctx context.Context, tx pgx.Tx, token string) (uuid.UUID, bool, error) {
	var id uuid.UUID

	err := tx.QueryRow(ctx, `
		SELECT subscriber_id
		FROM subscription_tokens
		WHERE subscription_token = $1
	`, token).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.UUID{}, false, nil
	}
	if err != nil {
		return uuid.UUID{}, false, xerrors.Errorf("error resolving token to subscriber: %w", joinStorageErr(err))
	}

	return id, true, nil
}

// GetStatus returns a subscriber's current status.
func (s *SubscriptionStore) GetStatus(ctx context.Context, tx pgx.Tx, subscriberID uuid.UUID) (Status, error) {
	var status string

	err := tx.QueryRow(ctx, `
		SELECT status
		FROM subscriptions
		WHERE id = $1
	`, subscriberID).Scan(&status)
	if err != nil {
		return "", xerrors.Errorf("error reading subscriber status: %w", joinStorageErr(err))
	}

	return Status(status), nil
}

// MarkConfirmed idempotently transitions a subscriber to confirmed. It's
// safe to call more than once: the UPDATE is a no-op the second time
// because the WHERE clause only matches pending_confirmation rows, and
// callers are expected to have already checked GetStatus and bailed out
// with apperr.ErrAlreadyConfirmed before a second call would ever happen.
func (s *SubscriptionStore) MarkConfirmed(ctx context.Context, tx pgx.Tx, subscriberID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE subscriptions
		SET status = $1
		WHERE id = $2 AND status = $3
	`, StatusConfirmed, subscriberID, StatusPendingConfirmation)
	if err != nil {
		return xerrors.Errorf("error marking subscriber confirmed: %w", joinStorageErr(err))
	}
	return nil
}

func joinStorageErr(err error) error {
	return xerrors.Errorf("%w: %v", apperr.ErrStorageFailed, err)
}
