// Package worker implements component H, the delivery worker that drains
// issue_delivery_queue. The poll/claim/backoff loop shape is grounded on the
// pack's outbox_worker.go (FOR UPDATE SKIP LOCKED claim inside a short-lived
// transaction, idle vs. error backoff on an outer loop); the per-task
// delivery semantics -- fetch issue, send, delete task regardless of send
// outcome -- are grounded on
// original_source/src/issue_delivery_worker.rs's try_execute_task, which
// logs a send failure but still deletes the task (at-most-once delivery).
package worker

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/db"
	"github.com/brandur/newsletter/domain"
	"github.com/brandur/newsletter/mailclient"
	"github.com/brandur/newsletter/store"
)

const (
	// idleBackoff is how long the worker sleeps after finding an empty
	// queue, mirroring original_source's 10-second idle sleep.
	idleBackoff = 10 * time.Second

	// errorBackoff is how long the worker sleeps after a task attempt
	// returns an unexpected (non-send) error, mirroring original_source's
	// 1-second error sleep.
	errorBackoff = 1 * time.Second
)

// Config configures a Worker's retry behavior.
type Config struct {
	// DeleteOnSendError controls what happens to a delivery task when the
	// email transport fails partway through processing it. The spec's open
	// question on this point is resolved as a config knob (see DESIGN.md):
	// production defaults to true (at-most-once, matching
	// original_source/src/issue_delivery_worker.rs, which always deletes
	// the task and only logs the send failure); setting it false gives
	// at-least-once delivery by leaving the task in the queue for a future
	// claim to retry.
	DeleteOnSendError bool
}

// Worker repeatedly claims and delivers one task at a time from
// issue_delivery_queue until its context is canceled.
type Worker struct {
	pool       db.TXStarter
	issueStore *store.IssueStore
	mailAPI    mailclient.API
	config     Config
}

func New(pool db.TXStarter, issueStore *store.IssueStore, mailAPI mailclient.API, config Config) *Worker {
	return &Worker{pool: pool, issueStore: issueStore, mailAPI: mailAPI, config: config}
}

// Run blocks, processing tasks until ctx is canceled. Satisfies invariant
// I5 (no two workers hold the same task at once) by claiming each task
// inside its own FOR UPDATE SKIP LOCKED transaction.
func (w *Worker) Run(ctx context.Context) {
	logrus.Infof("Delivery worker starting")

	for {
		if ctx.Err() != nil {
			logrus.Infof("Delivery worker stopping: %v", ctx.Err())
			return
		}

		completed, err := w.tryExecuteTask(ctx)
		if err != nil {
			logrus.Errorf("Error executing delivery task: %v", err)
			sleepOrStop(ctx, errorBackoff)
			continue
		}

		if !completed {
			sleepOrStop(ctx, idleBackoff)
		}
	}
}

// tryExecuteTask claims, delivers, and removes a single task. The return
// value reports whether a task was found (true) or the queue was empty
// (false). A non-nil error means the claim or an infrastructure operation
// failed -- a send failure is not reported here; it's logged and absorbed
// according to Config.DeleteOnSendError.
func (w *Worker) tryExecuteTask(ctx context.Context) (bool, error) {
	var found bool

	err := db.WithTransaction(ctx, w.pool, func(ctx context.Context, tx pgx.Tx) error {
		task, ok, err := w.issueStore.DequeueLocked(ctx, tx)
		if err != nil {
			return xerrors.Errorf("error dequeuing task: %w", err)
		}
		if !ok {
			return nil
		}
		found = true

		return w.deliver(ctx, tx, task)
	})
	if err != nil {
		return false, err
	}

	return found, nil
}

// deliver sends one task's issue to its subscriber email and removes the
// task from the queue afterward. A poisoned task -- one whose stored email
// no longer parses -- is always deleted: there's no future claim under
// which domain.ParseEmail would start succeeding, so leaving it in the
// queue under Config.DeleteOnSendError=false would only spin forever.
// Config.DeleteOnSendError instead gates genuine transport failures,
// matching original_source/src/issue_delivery_worker.rs's try_execute_task,
// which never lets one poisoned subscriber stall the rest of the queue.
func (w *Worker) deliver(ctx context.Context, tx pgx.Tx, task *store.DeliveryTask) error {
	logger := logrus.WithFields(logrus.Fields{
		"newsletter_issue_id": task.IssueID,
		"subscriber_email":    task.Email,
	})

	email, err := domain.ParseEmail(task.Email)
	if err != nil {
		logger.Errorf("Stored subscriber email is invalid, discarding task: %v", err)
		return w.deleteTask(ctx, tx, task)
	}

	if sendErr := w.sendIssue(ctx, tx, task, email); sendErr != nil {
		logger.Errorf("Error delivering issue to subscriber, skipping: %v", sendErr)

		if !w.config.DeleteOnSendError {
			return nil
		}
	}

	return w.deleteTask(ctx, tx, task)
}

func (w *Worker) deleteTask(ctx context.Context, tx pgx.Tx, task *store.DeliveryTask) error {
	if err := w.issueStore.DeleteTask(ctx, tx, task); err != nil {
		return xerrors.Errorf("error deleting delivery task: %w", err)
	}
	return nil
}

func (w *Worker) sendIssue(ctx context.Context, tx pgx.Tx, task *store.DeliveryTask, email domain.Email) error {
	issue, err := w.issueStore.GetIssue(ctx, tx, task.IssueID)
	if err != nil {
		return xerrors.Errorf("error fetching issue: %w", err)
	}

	return w.mailAPI.Send(ctx, &mailclient.SendParams{
		Recipient: email.String(),
		Subject:   issue.Title,
		HTMLBody:  issue.HTMLContent,
		TextBody:  issue.TextContent,
	})
}

func sleepOrStop(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
