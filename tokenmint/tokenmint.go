// Package tokenmint generates and validates the confirmation tokens handed
// out in subscription confirmation URLs.
//
// The teacher template (github.com/brandur/passages-signup) mints its
// single-use token with uuid.New().String() in command/signup_starter.go.
// This spec calls for a fixed-length alphanumeric token instead of a UUID,
// so the shape changes but the role -- a single-use secret minted alongside
// a new subscriber row -- does not. No library in the retrieval corpus
// generates a constrained-alphabet random string, so this is built directly
// on crypto/rand (see DESIGN.md).
package tokenmint

import (
	"crypto/rand"
	"math/big"

	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/apperr"
)

// Length is the fixed length of every minted confirmation token.
const Length = 25

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate draws a new Length-character token uniformly from
// [A-Za-z0-9] using a cryptographically seeded random source.
func Generate() (string, error) {
	b := make([]byte, Length)

	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", xerrors.Errorf("error drawing random token byte: %w", err)
		}
		b[i] = alphabet[n.Int64()]
	}

	return string(b), nil
}

// Validate checks that token has the shape of a minted token: exactly
// Length characters, all alphanumeric. It does not check whether the token
// is known to the subscription store -- that's a distinct error kind
// (apperr.ErrTokenUnknown) raised by command.ConfirmCoordinator when the
// store has no subscriber for the token.
func Validate(token string) error {
	if len(token) != Length {
		return xerrors.Errorf("token has length %d, expected %d: %w", len(token), Length, apperr.ErrTokenInvalid)
	}

	for _, r := range token {
		isAlpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		if !isAlpha && !isDigit {
			return xerrors.Errorf("token contains non-alphanumeric character %q: %w", r, apperr.ErrTokenInvalid)
		}
	}

	return nil
}
