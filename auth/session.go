package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

// sessionKeyPrefix namespaces every session key this package writes, so a
// shared Redis instance can host other unrelated keys.
const sessionKeyPrefix = "session:"

// sessionIDBytes is the amount of randomness in a session id before
// base64 encoding -- 256 bits, comfortably unguessable.
const sessionIDBytes = 32

// Session is the payload stored at session:<id>. Grounded on §3's Session
// entity: opaque id, user id, created-at, expiry -- all owned by this
// store and never read by the subscription/publish/worker subsystems.
type Session struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore persists login sessions in Redis with a TTL, the same
// get/set/delete-by-key shape as the pack's RedisCache
// (providers/cache/redis_cache.go), generalized from a weather-response
// cache to a session store and switched from redis/v8 to redis/go-redis/v9.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// Create mints a fresh session id for userID and stores it with the
// configured TTL. The returned string is the value to set as the session
// cookie.
func (s *SessionStore) Create(ctx context.Context, userID string) (string, error) {
	id, err := generateSessionID()
	if err != nil {
		return "", xerrors.Errorf("error generating session id: %w", err)
	}

	session := Session{UserID: userID, CreatedAt: time.Now()}
	encoded, err := json.Marshal(&session)
	if err != nil {
		return "", xerrors.Errorf("error encoding session: %w", err)
	}

	if err := s.client.Set(ctx, sessionKeyPrefix+id, encoded, s.ttl).Err(); err != nil {
		return "", xerrors.Errorf("error storing session: %w", err)
	}

	return id, nil
}

// Get looks up a session by its cookie value. The second return value is
// false (with a nil error) when the id is unknown or expired.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, bool, error) {
	val, err := s.client.Get(ctx, sessionKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("error reading session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, false, xerrors.Errorf("error decoding session: %w", err)
	}

	return &session, true, nil
}

// Delete removes a session, used by the logout handler.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return xerrors.Errorf("error deleting session: %w", err)
	}
	return nil
}

func generateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", xerrors.Errorf("error reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
