// Package testhelpers provides the common test fixtures shared across
// packages: a single pooled connection to a test database and a
// TestTx helper that wraps each test in its own rolled-back transaction, so
// tests never need their own cleanup logic and never see each other's data.
package testhelpers

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandur/newsletter/db"
)

const (
	TestEmail     = "foo@example.com"
	TestName      = "Foo Bar"
	TestPublicURL = "https://newsletter.example.com"
	TestUserID    = "11111111-1111-1111-1111-111111111111"

	testDatabaseURL = "postgres://localhost/newsletter_test?sslmode=disable"
)

var dbPool *pgxpool.Pool

func init() {
	var err error
	dbPool, err = db.Connect(context.Background(), &db.ConnectConfig{
		ApplicationName: "newsletter-tests",
		DatabaseURL:     testDatabaseURL,
	})
	if err != nil {
		logrus.Fatalf("Error connecting to test database: %v", err)
	}
}

// TestTx returns a test transaction that's automatically rolled back on test
// cleanup. Targets the main database.
func TestTx(ctx context.Context, tb testing.TB) pgx.Tx { //nolint:ireturn
	tb.Helper()

	tx, err := dbPool.Begin(ctx)
	require.NoError(tb, err)

	tb.Cleanup(func() {
		// Tests inherit context from `t.Context()` which is cancelled after
		// tests run and before calling clean up. We need a non-cancelled
		// context to issue rollback here, so use a bit of a bludgeon to do so
		// with `context.WithoutCancel()`.
		ctx := context.WithoutCancel(ctx)

		err := tx.Rollback(ctx)
		require.NoError(tb, err)
	})

	return tx
}
