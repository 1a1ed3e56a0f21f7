// Package auth verifies editor credentials and manages login sessions.
// Grounded on original_source/src/authentication.rs: Argon2id PHC-string
// verification with a constant-time dummy-hash fallback so that looking up
// an unknown username takes the same time as checking a real password
// (protects against username enumeration via response timing), and a
// Redis-backed session store for the logged-in cookie, a component this
// spec adds beyond the teacher's stateless service.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/apperr"
)

var base64RawStdEncoding = base64.RawStdEncoding

// dummyPasswordHash is verified against whenever a username isn't found, so
// that the total time this package spends hashing doesn't depend on
// whether the username exists. Lifted verbatim (same PHC string) from
// original_source/src/authentication.rs.
const dummyPasswordHash = "$argon2id$v=19$m=15000,t=2,p=1$gZiV/M1gPc22ElAH/Jh1Hw$CWOrkoo7oJBQ/iyh7uJ0LO2aLEfrHwTWllSAxT0zRno"

// CredentialsLookup resolves a username to its stored user id and PHC
// password hash. The second return value is false when no such user
// exists -- Authenticator still runs a dummy verification in that case so
// this lookup's result isn't observable via timing.
type CredentialsLookup func(ctx context.Context, username string) (userID string, passwordHash string, found bool, err error)

// Authenticator verifies editor credentials.
type Authenticator struct {
	lookup CredentialsLookup
}

func NewAuthenticator(lookup CredentialsLookup) *Authenticator {
	return &Authenticator{lookup: lookup}
}

// Authenticate checks username/password against the stored credentials.
// Returns apperr.ErrAuthRequired (wrapped) for an unknown username or a
// wrong password -- the two are deliberately indistinguishable to the
// caller. A failed credentials lookup or an unparseable stored hash is
// returned as its own error, without apperr.ErrAuthRequired.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (string, error) {
	userID, expectedHash, found, err := a.lookup(ctx, username)
	if err != nil {
		return "", xerrors.Errorf("error looking up credentials: %w", err)
	}

	if !found {
		expectedHash = dummyPasswordHash
	}

	ok, err := verifyPasswordHash(expectedHash, password)
	if err != nil {
		return "", xerrors.Errorf("error verifying password hash: %w", err)
	}

	if !found || !ok {
		return "", xerrors.Errorf("invalid username or password: %w", apperr.ErrAuthRequired)
	}

	return userID, nil
}

// argon2DefaultMemoryKiB, argon2DefaultIterations, and
// argon2DefaultParallelism match the parameters embedded in
// dummyPasswordHash, so newly hashed passwords cost the same to verify as
// the dummy fallback.
const (
	argon2DefaultMemoryKiB    = 15000
	argon2DefaultIterations   = 2
	argon2DefaultParallelism  = 1
	argon2SaltBytes           = 16
	argon2HashBytes           = 32
)

// HashPassword produces a PHC-formatted Argon2id hash of password, suitable
// for storing in users.password_hash. Used by the admin tool that seeds
// editor accounts -- this package never creates users from an HTTP request.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", xerrors.Errorf("error generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2DefaultIterations, argon2DefaultMemoryKiB, argon2DefaultParallelism, argon2HashBytes)

	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argon2DefaultMemoryKiB, argon2DefaultIterations, argon2DefaultParallelism,
		base64RawStdEncoding.EncodeToString(salt),
		base64RawStdEncoding.EncodeToString(hash),
	), nil
}

// phcParams mirrors the subset of the Argon2id PHC string format this
// package needs to parse: $argon2id$v=19$m=...,t=...,p=...$salt$hash.
type phcParams struct {
	memoryKiB   uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func verifyPasswordHash(encoded, candidate string) (bool, error) {
	params, err := parsePHC(encoded)
	if err != nil {
		return false, xerrors.Errorf("error parsing password hash: %w", err)
	}

	candidateHash := argon2.IDKey([]byte(candidate), params.salt, params.iterations, params.memoryKiB, params.parallelism, uint32(len(params.hash)))

	return subtle.ConstantTimeCompare(candidateHash, params.hash) == 1, nil
}

func parsePHC(encoded string) (*phcParams, error) {
	// $argon2id$v=19$m=15000,t=2,p=1$<b64 salt>$<b64 hash>
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, xerrors.Errorf("not an argon2id PHC string")
	}

	var memoryKiB, iterations, parallelism uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memoryKiB, &iterations, &parallelism); err != nil {
		return nil, xerrors.Errorf("error parsing argon2 params: %w", err)
	}

	salt, err := base64RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, xerrors.Errorf("error decoding salt: %w", err)
	}

	hash, err := base64RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, xerrors.Errorf("error decoding hash: %w", err)
	}

	return &phcParams{
		memoryKiB:   memoryKiB,
		iterations:  iterations,
		parallelism: uint8(parallelism),
		salt:        salt,
		hash:        hash,
	}, nil
}
