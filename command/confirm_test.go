package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brandur/newsletter/apperr"
	"github.com/brandur/newsletter/store"
	"github.com/brandur/newsletter/testhelpers"
	"github.com/brandur/newsletter/tokenmint"
)

func TestConfirmCoordinator(t *testing.T) {
	ctx := t.Context()
	subscribeStore := store.NewSubscriptionStore()

	t.Run("Success", func(t *testing.T) {
		tx := testhelpers.TestTx(ctx, t)

		subscriberID, err := subscribeStore.InsertPending(ctx, tx, testhelpers.TestName, testhelpers.TestEmail)
		require.NoError(t, err)

		token, err := tokenmint.Generate()
		require.NoError(t, err)
		require.NoError(t, subscribeStore.StoreToken(ctx, tx, subscriberID, token))

		coordinator := &ConfirmCoordinator{Token: token, SubscriptionStore: subscribeStore}

		res, err := coordinator.Run(ctx, tx)
		require.NoError(t, err)
		require.Equal(t, subscriberID.String(), res.SubscriberID)

		status, err := subscribeStore.GetStatus(ctx, tx, subscriberID)
		require.NoError(t, err)
		require.Equal(t, store.StatusConfirmed, status)
	})

	t.Run("UnknownToken", func(t *testing.T) {
		tx := testhelpers.TestTx(ctx, t)

		token, err := tokenmint.Generate()
		require.NoError(t, err)

		coordinator := &ConfirmCoordinator{Token: token, SubscriptionStore: subscribeStore}

		_, err = coordinator.Run(ctx, tx)
		require.ErrorIs(t, err, apperr.ErrTokenUnknown)
	})

	t.Run("MalformedToken", func(t *testing.T) {
		tx := testhelpers.TestTx(ctx, t)

		coordinator := &ConfirmCoordinator{Token: "too-short", SubscriptionStore: subscribeStore}

		_, err := coordinator.Run(ctx, tx)
		require.ErrorIs(t, err, apperr.ErrTokenInvalid)
	})

	t.Run("AlreadyConfirmed", func(t *testing.T) {
		tx := testhelpers.TestTx(ctx, t)

		subscriberID, err := subscribeStore.InsertPending(ctx, tx, testhelpers.TestName, testhelpers.TestEmail)
		require.NoError(t, err)

		token, err := tokenmint.Generate()
		require.NoError(t, err)
		require.NoError(t, subscribeStore.StoreToken(ctx, tx, subscriberID, token))
		require.NoError(t, subscribeStore.MarkConfirmed(ctx, tx, subscriberID))

		coordinator := &ConfirmCoordinator{Token: token, SubscriptionStore: subscribeStore}

		_, err = coordinator.Run(ctx, tx)
		require.ErrorIs(t, err, apperr.ErrAlreadyConfirmed)
	})
}
