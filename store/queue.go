package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"golang.org/x/xerrors"
)

// DequeueLocked claims a single delivery task using SKIP LOCKED, the
// Postgres idiom for safe multi-consumer queues (grounded on
// original_source/src/issue_delivery_worker.rs's dequeue_task and on the
// pack's outbox_worker.go, which uses the same FOR UPDATE SKIP LOCKED
// pattern). The row stays locked for the lifetime of tx; callers must
// commit or roll back promptly. The second return value is false when the
// queue is empty.
func (s *IssueStore) DequeueLocked(ctx context.Context, tx pgx.Tx) (*DeliveryTask, bool, error) {
	var task DeliveryTask

	err := tx.QueryRow(ctx, `
		SELECT newsletter_issue_id, subscriber_email
		FROM issue_delivery_queue
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&task.IssueID, &task.Email)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("error dequeuing delivery task: %w", joinStorageErr(err))
	}

	return &task, true, nil
}

// DeleteTask removes a delivery task, marking it delivered (or
// permanently dropped, for a poisoned task -- see worker.Worker).
func (s *IssueStore) DeleteTask(ctx context.Context, tx pgx.Tx, task *DeliveryTask) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM issue_delivery_queue
		WHERE newsletter_issue_id = $1 AND subscriber_email = $2
	`, task.IssueID, task.Email)
	if err != nil {
		return xerrors.Errorf("error deleting delivery task: %w", joinStorageErr(err))
	}
	return nil
}
