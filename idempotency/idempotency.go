// Package idempotency implements component D, the response memo that makes
// a retried publish request indistinguishable from the first. Grounded on
// original_source/src/idempotency/persistence.rs for the (name, []byte)
// header-pair shape and terminal-once-written contract (invariant I4), and
// on the teacher's db.WithTransaction convention for threading a pgx.Tx
// across a reserve/finish boundary rather than opening one transaction per
// call.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v4"
	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/apperr"
)

// MaxKeyLength is the longest idempotency key this store will accept. Keys
// longer than this are rejected before ever reaching Postgres.
const MaxKeyLength = 50

// HeaderPair is one HTTP response header, stored as raw bytes rather than a
// string so that a memoized response replays byte-for-byte even if a header
// value isn't valid UTF-8. Marshaled to the row's jsonb response_headers
// column as a JSON array; encoding/json base64-encodes the Value field,
// so round-tripping through Postgres doesn't require it to be valid UTF-8
// either.
type HeaderPair struct {
	Name  string
	Value []byte
}

// SavedResponse is a previously completed response, as returned by TryBegin
// when a caller's request has already been fully processed.
type SavedResponse struct {
	StatusCode int
	Headers    []HeaderPair
	Body       []byte
}

// Store is component D. All operations run inside a caller-supplied pgx.Tx,
// the same convention as store.SubscriptionStore.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// ValidateKey rejects a key before it's ever used as a SQL parameter.
// Returns apperr.ErrIdempotencyMalformed on violation.
func ValidateKey(key string) error {
	if key == "" {
		return xerrors.Errorf("idempotency key must not be empty: %w", apperr.ErrIdempotencyMalformed)
	}
	if len(key) > MaxKeyLength {
		return xerrors.Errorf("idempotency key longer than %d bytes: %w", MaxKeyLength, apperr.ErrIdempotencyMalformed)
	}
	return nil
}

// TryBegin reserves the right to process (userID, key). Three outcomes are
// possible:
//
//   - The pair has never been seen: a new in-flight row is inserted and the
//     second return value is true, meaning the caller should proceed and
//     eventually call Finish.
//   - The pair is in-flight (another request is still processing it): the
//     INSERT blocks on the first caller's uncommitted row until that
//     transaction commits or rolls back. If it committed, the row is then
//     read as below; if it rolled back, this call's insert goes through and
//     it proceeds as in the never-seen case.
//   - The pair is complete: the saved response is returned immediately and
//     the second return value is false, meaning the caller should replay it
//     without doing any work.
//
// The blocking-on-lock behavior depends on tx and the first caller's
// transaction being distinct connections; within a single process, callers
// should still treat the in-flight case as "someone else is handling this"
// rather than retrying in a loop themselves.
func (s *Store) TryBegin(ctx context.Context, tx pgx.Tx, userID, key string) (*SavedResponse, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency (user_id, idempotency_key, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
	`, userID, key)
	if err != nil {
		return nil, false, xerrors.Errorf("error reserving idempotency key: %w", joinStorageErr(err))
	}

	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	// The key's row already exists (the INSERT above waited for any holder's
	// transaction to end). Lock the row, then read whatever state it left
	// behind.
	var statusCode *int
	var body []byte
	var headersJSON []byte

	err = tx.QueryRow(ctx, `
		SELECT response_status_code, response_body, response_headers
		FROM idempotency
		WHERE user_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, userID, key).Scan(&statusCode, &body, &headersJSON)
	if err != nil {
		return nil, false, xerrors.Errorf("error reading idempotency row: %w", joinStorageErr(err))
	}

	if statusCode == nil {
		// The row holds no response: it was reserved without Finish being
		// called, either committed that way or reserved earlier in this same
		// transaction. Treat this exactly like the never-seen case: take over
		// the row.
		return nil, true, nil
	}

	var headers []HeaderPair
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &headers); err != nil {
			return nil, false, xerrors.Errorf("error decoding saved response headers: %w", err)
		}
	}

	return &SavedResponse{StatusCode: *statusCode, Headers: headers, Body: body}, false, nil
}

// Finish records the response for (userID, key), transitioning the row from
// in-flight to complete (invariant I4: this is the only write the row ever
// receives after TryBegin's insert).
func (s *Store) Finish(ctx context.Context, tx pgx.Tx, userID, key string, statusCode int, headers []HeaderPair, body []byte) error {
	if headers == nil {
		headers = []HeaderPair{}
	}

	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return xerrors.Errorf("error encoding response headers: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE idempotency
		SET response_status_code = $1, response_headers = $2::jsonb, response_body = $3
		WHERE user_id = $4 AND idempotency_key = $5
	`, statusCode, string(headersJSON), body, userID, key)
	if err != nil {
		return xerrors.Errorf("error saving idempotent response: %w", joinStorageErr(err))
	}
	return nil
}

func joinStorageErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return xerrors.Errorf("%w: %v", apperr.ErrStorageFailed, err)
	}
	return xerrors.Errorf("%w: %v", apperr.ErrStorageFailed, err)
}
