package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"golang.org/x/xerrors"
)

// Issue is a row from the newsletter_issues table. Issues are immutable
// after insert.
type Issue struct {
	ID          uuid.UUID
	Title       string
	TextContent string
	HTMLContent string
	PublishedAt time.Time
}

// IssueStore is component E: it persists issues and fans delivery tasks
// out to the queue atomically with the issue insert. Grounded on
// original_source/src/routes/admin/newsletters.rs's get_confirmed_subscribers
// query, turned into an INSERT ... SELECT so the fan-out happens inside a
// single round trip rather than one row at a time from application code.
type IssueStore struct{}

func NewIssueStore() *IssueStore {
	return &IssueStore{}
}

// InsertIssue writes the immutable issue row and returns its id.
func (s *IssueStore) InsertIssue(ctx context.Context, tx pgx.Tx, title, text, html string) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.UUID{}, xerrors.Errorf("error minting issue id: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO newsletter_issues
			(newsletter_issue_id, title, text_content, html_content, published_at)
		VALUES
			($1, $2, $3, $4, NOW())
	`, id, title, text, html)
	if err != nil {
		return uuid.UUID{}, xerrors.Errorf("error inserting newsletter issue: %w", joinStorageErr(err))
	}

	return id, nil
}

// EnqueueAllConfirmed inserts exactly one delivery task per subscriber
// currently in the confirmed status, in the same transaction as the issue
// insert it accompanies. Satisfies invariant I2: a task can only be
// enqueued for an email that was confirmed at the instant of this query.
func (s *IssueStore) EnqueueAllConfirmed(ctx context.Context, tx pgx.Tx, issueID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
		SELECT $1, email
		FROM subscriptions
		WHERE status = $2
	`, issueID, StatusConfirmed)
	if err != nil {
		return xerrors.Errorf("error enqueueing delivery tasks: %w", joinStorageErr(err))
	}
	return nil
}

// GetIssue fetches an issue's body for delivery. Used by the worker inside
// its claim transaction, which is separate from the publish transaction --
// the issue row is immutable by the time any task referencing it can be
// dequeued.
func (s *IssueStore) GetIssue(ctx context.Context, q Queryable, issueID uuid.UUID) (*Issue, error) {
	var issue Issue
	issue.ID = issueID

	err := q.QueryRow(ctx, `
		SELECT title, text_content, html_content, published_at
		FROM newsletter_issues
		WHERE newsletter_issue_id = $1
	`, issueID).Scan(&issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.PublishedAt)
	if err != nil {
		return nil, xerrors.Errorf("error fetching newsletter issue: %w", joinStorageErr(err))
	}

	return &issue, nil
}

// Queryable is satisfied by both *pgxpool.Pool and pgx.Tx, so GetIssue can
// run either inside a transaction (as the worker calls it) or directly on a
// pool.
type Queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// DeliveryTask is a row from the issue_delivery_queue table.
type DeliveryTask struct {
	IssueID uuid.UUID
	Email   string
}
