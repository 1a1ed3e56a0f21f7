package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brandur/newsletter/mailclient"
	"github.com/brandur/newsletter/store"
	"github.com/brandur/newsletter/testhelpers"
)

func TestSubscribeCoordinator(t *testing.T) {
	ctx := t.Context()
	subscribeStore := store.NewSubscriptionStore()

	t.Run("NewSignup", func(t *testing.T) {
		tx := testhelpers.TestTx(ctx, t)

		mailAPI := mailclient.NewFakeClient()
		coordinator := &SubscribeCoordinator{
			Email:          testhelpers.TestEmail,
			Name:           testhelpers.TestName,
			MailAPI:        mailAPI,
			Renderer:       renderer,
			SubscribeStore: subscribeStore,
			BaseURL:        testhelpers.TestPublicURL,
		}

		res, err := coordinator.Run(ctx, tx)
		require.NoError(t, err)
		require.True(t, res.NewSignup)
		require.False(t, res.ConfirmationResent)
		require.False(t, res.AlreadyConfirmed)
		require.Empty(t, mailAPI.Sent)

		require.NoError(t, coordinator.SendConfirmation(ctx, res))
		require.Len(t, mailAPI.Sent, 1)
		require.Equal(t, testhelpers.TestEmail, mailAPI.Sent[0].Recipient)

		sub, found, err := subscribeStore.FindByEmail(ctx, tx, testhelpers.TestEmail)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, store.StatusPendingConfirmation, sub.Status)
	})

	t.Run("ConfirmationResent", func(t *testing.T) {
		tx := testhelpers.TestTx(ctx, t)

		subscriberID, err := subscribeStore.InsertPending(ctx, tx, testhelpers.TestName, testhelpers.TestEmail)
		require.NoError(t, err)
		require.NoError(t, subscribeStore.StoreToken(ctx, tx, subscriberID, "ABCDEFGHIJKLMNOPQRSTUVWXY"))

		mailAPI := mailclient.NewFakeClient()
		coordinator := &SubscribeCoordinator{
			Email:          testhelpers.TestEmail,
			Name:           testhelpers.TestName,
			MailAPI:        mailAPI,
			Renderer:       renderer,
			SubscribeStore: subscribeStore,
			BaseURL:        testhelpers.TestPublicURL,
		}

		res, err := coordinator.Run(ctx, tx)
		require.NoError(t, err)
		require.True(t, res.ConfirmationResent)

		require.NoError(t, coordinator.SendConfirmation(ctx, res))
		require.Len(t, mailAPI.Sent, 1)
	})

	t.Run("AlreadyConfirmed", func(t *testing.T) {
		tx := testhelpers.TestTx(ctx, t)

		subscriberID, err := subscribeStore.InsertPending(ctx, tx, testhelpers.TestName, testhelpers.TestEmail)
		require.NoError(t, err)
		require.NoError(t, subscribeStore.MarkConfirmed(ctx, tx, subscriberID))

		mailAPI := mailclient.NewFakeClient()
		coordinator := &SubscribeCoordinator{
			Email:          testhelpers.TestEmail,
			Name:           testhelpers.TestName,
			MailAPI:        mailAPI,
			Renderer:       renderer,
			SubscribeStore: subscribeStore,
			BaseURL:        testhelpers.TestPublicURL,
		}

		res, err := coordinator.Run(ctx, tx)
		require.NoError(t, err)
		require.True(t, res.AlreadyConfirmed)
		require.Empty(t, mailAPI.Sent)
	})

	t.Run("InvalidEmail", func(t *testing.T) {
		tx := testhelpers.TestTx(ctx, t)

		coordinator := &SubscribeCoordinator{
			Email:          "not-an-email",
			Name:           testhelpers.TestName,
			MailAPI:        mailclient.NewFakeClient(),
			Renderer:       renderer,
			SubscribeStore: subscribeStore,
			BaseURL:        testhelpers.TestPublicURL,
		}

		_, err := coordinator.Run(ctx, tx)
		require.Error(t, err)
	})
}
