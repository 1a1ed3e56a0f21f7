package command

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/store"
)

// PublishCoordinator is component F. It persists a newsletter issue and
// enqueues one delivery task per currently-confirmed subscriber, inside a
// single transaction, so a crash between the two never leaves an issue with
// a partial fan-out. Idempotent-response memoization (component D) wraps
// this coordinator at the HTTP handler layer rather than living inside it,
// following the teacher's convention of keeping command structs ignorant of
// transport concerns (signup_starter.go never touches an HTTP response
// either).
//
// Grounded on the orchestration shape of signup_starter.go/signup_finisher.go
// (validate -> tx-scoped store calls -> typed result struct) and on
// original_source/src/routes/admin/newsletters.rs for what "publish" means
// domain-wise.
type PublishCoordinator struct {
	Title       string            `validate:"required"`
	TextContent string            `validate:"required"`
	HTMLContent string            `validate:"required"`
	IssueStore  *store.IssueStore `validate:"required"`
}

// PublishResult reports the newly created issue's id.
type PublishResult struct {
	IssueID uuid.UUID
}

func (c *PublishCoordinator) Run(ctx context.Context, tx pgx.Tx) (*PublishResult, error) {
	logrus.Infof("PublishCoordinator running")

	if err := validate.Struct(c); err != nil {
		return nil, xerrors.Errorf("error validating command: %w", err)
	}

	issueID, err := c.IssueStore.InsertIssue(ctx, tx, c.Title, c.TextContent, c.HTMLContent)
	if err != nil {
		return nil, xerrors.Errorf("error inserting issue: %w", err)
	}

	if err := c.IssueStore.EnqueueAllConfirmed(ctx, tx, issueID); err != nil {
		return nil, xerrors.Errorf("error enqueueing delivery tasks: %w", err)
	}

	logrus.Infof("Published issue %s", issueID)

	return &PublishResult{IssueID: issueID}, nil
}
