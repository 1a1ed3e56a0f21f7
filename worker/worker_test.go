package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brandur/newsletter/mailclient"
	"github.com/brandur/newsletter/store"
	"github.com/brandur/newsletter/testhelpers"
)

func TestWorkerDeliversAndDeletesTask(t *testing.T) {
	ctx := t.Context()
	tx := testhelpers.TestTx(ctx, t)

	issueStore := store.NewIssueStore()

	issueID, err := issueStore.InsertIssue(ctx, tx, "Issue 1", "text", "<p>html</p>")
	require.NoError(t, err)

	_, err = tx.Exec(ctx, `
		INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
		VALUES ($1, $2)
	`, issueID, testhelpers.TestEmail)
	require.NoError(t, err)

	mailAPI := mailclient.NewFakeClient()
	w := New(tx, issueStore, mailAPI, Config{DeleteOnSendError: true})

	completed, err := w.tryExecuteTask(ctx)
	require.NoError(t, err)
	require.True(t, completed)

	require.Equal(t, []string{testhelpers.TestEmail}, mailAPI.Recipients())

	_, found, err := issueStore.DequeueLocked(ctx, tx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestWorkerEmptyQueue(t *testing.T) {
	ctx := t.Context()
	tx := testhelpers.TestTx(ctx, t)

	issueStore := store.NewIssueStore()
	mailAPI := mailclient.NewFakeClient()
	w := New(tx, issueStore, mailAPI, Config{DeleteOnSendError: true})

	completed, err := w.tryExecuteTask(ctx)
	require.NoError(t, err)
	require.False(t, completed)
}

func TestWorkerDeletesTaskEvenOnSendFailureWhenConfigured(t *testing.T) {
	ctx := t.Context()
	tx := testhelpers.TestTx(ctx, t)

	issueStore := store.NewIssueStore()

	issueID, err := issueStore.InsertIssue(ctx, tx, "Issue 1", "text", "<p>html</p>")
	require.NoError(t, err)

	_, err = tx.Exec(ctx, `
		INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
		VALUES ($1, $2)
	`, issueID, testhelpers.TestEmail)
	require.NoError(t, err)

	mailAPI := mailclient.NewFakeClient()
	mailAPI.FailNext = true
	w := New(tx, issueStore, mailAPI, Config{DeleteOnSendError: true})

	completed, err := w.tryExecuteTask(ctx)
	require.NoError(t, err)
	require.True(t, completed)

	_, found, err := issueStore.DequeueLocked(ctx, tx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestWorkerRetainsTaskOnSendFailureWhenConfigured(t *testing.T) {
	ctx := t.Context()
	tx := testhelpers.TestTx(ctx, t)

	issueStore := store.NewIssueStore()

	issueID, err := issueStore.InsertIssue(ctx, tx, "Issue 1", "text", "<p>html</p>")
	require.NoError(t, err)

	_, err = tx.Exec(ctx, `
		INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
		VALUES ($1, $2)
	`, issueID, testhelpers.TestEmail)
	require.NoError(t, err)

	mailAPI := mailclient.NewFakeClient()
	mailAPI.FailNext = true
	w := New(tx, issueStore, mailAPI, Config{DeleteOnSendError: false})

	completed, err := w.tryExecuteTask(ctx)
	require.NoError(t, err)
	require.True(t, completed)

	task, found, err := issueStore.DequeueLocked(ctx, tx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, testhelpers.TestEmail, task.Email)
}

func TestWorkerDeletesPoisonedTaskEvenWhenRetainingOnSendFailure(t *testing.T) {
	ctx := t.Context()
	tx := testhelpers.TestTx(ctx, t)

	issueStore := store.NewIssueStore()

	issueID, err := issueStore.InsertIssue(ctx, tx, "Issue 1", "text", "<p>html</p>")
	require.NoError(t, err)

	_, err = tx.Exec(ctx, `
		INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
		VALUES ($1, $2)
	`, issueID, "not-an-email")
	require.NoError(t, err)

	mailAPI := mailclient.NewFakeClient()
	w := New(tx, issueStore, mailAPI, Config{DeleteOnSendError: false})

	completed, err := w.tryExecuteTask(ctx)
	require.NoError(t, err)
	require.True(t, completed)

	require.Empty(t, mailAPI.Recipients())

	_, found, err := issueStore.DequeueLocked(ctx, tx)
	require.NoError(t, err)
	require.False(t, found)
}
