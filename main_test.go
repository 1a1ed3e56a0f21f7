package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/brandur/newsletter/auth"
	"github.com/brandur/newsletter/config"
	"github.com/brandur/newsletter/idempotency"
	"github.com/brandur/newsletter/mailclient"
	"github.com/brandur/newsletter/middleware"
	"github.com/brandur/newsletter/ptemplate"
	"github.com/brandur/newsletter/store"
	"github.com/brandur/newsletter/testhelpers"
	"github.com/brandur/newsletter/tokenmint"
)

const testUsername = "editor"
const testPassword = "correct-horse-battery-staple"

// testTXStarter wraps a single already-open test transaction so handler
// tests can inject testhelpers.TestTx in place of a real *pgxpool.Pool,
// the same test seam the teacher template gave Conf.DatabaseTXStarter.
type testTXStarter struct {
	tx pgx.Tx
}

func (t testTXStarter) Begin(ctx context.Context) (pgx.Tx, error) {
	return t.tx.Begin(ctx)
}

func testServer(t *testing.T) (*Server, *mailclient.FakeClient, pgx.Tx) {
	t.Helper()

	ctx := t.Context()
	tx := testhelpers.TestTx(ctx, t)

	renderer, err := ptemplate.NewRenderer(&ptemplate.RendererConfig{
		DynamicReload:  true,
		NewsletterName: "Test Newsletter",
		PublicURL:      testhelpers.TestPublicURL,
		Templates:      os.DirFS("."),
	})
	require.NoError(t, err)

	mailAPI := mailclient.NewFakeClient()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := auth.NewSessionStore(redisClient, sessionTTL)

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)

	authenticator := auth.NewAuthenticator(func(_ context.Context, username string) (string, string, bool, error) {
		if username != testUsername {
			return "", "", false, nil
		}
		return testhelpers.TestUserID, hash, true, nil
	})

	s := &Server{
		conf: &config.Config{
			Application: config.ApplicationSettings{BaseURL: testhelpers.TestPublicURL},
		},
		mailAPI:           mailAPI,
		renderer:          renderer,
		txStarter:         testTXStarter{tx: tx},
		subscriptionStore: store.NewSubscriptionStore(),
		issueStore:        store.NewIssueStore(),
		idempotencyStore:  idempotency.NewStore(),
		sessions:          sessions,
		authenticator:     authenticator,
		requireUser:       middleware.NewRequireUserMiddleware(sessions),
	}

	return s, mailAPI, tx
}

func TestHandleShowSubscribe(t *testing.T) {
	s, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.handleShowSubscribe(w, req)

	require.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestHandleSubscribeNewSignup(t *testing.T) {
	s, mailAPI, _ := testServer(t)

	form := url.Values{"name": {"Foo Bar"}, "email": {testhelpers.TestEmail}}
	req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.handleSubscribe(w, req)

	resp := w.Result()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, 1, len(mailAPI.Sent))
	require.Equal(t, testhelpers.TestEmail, mailAPI.Sent[0].Recipient)
}

func TestHandleSubscribeInvalidEmail(t *testing.T) {
	s, _, _ := testServer(t)

	form := url.Values{"name": {"Foo Bar"}, "email": {"not-an-email"}}
	req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.handleSubscribe(w, req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Result().StatusCode)
}

func TestHandleConfirm(t *testing.T) {
	s, _, tx := testServer(t)
	ctx := t.Context()

	subscriberID, err := s.subscriptionStore.InsertPending(ctx, tx, testhelpers.TestName, testhelpers.TestEmail)
	require.NoError(t, err)

	token, err := tokenmint.Generate()
	require.NoError(t, err)
	require.NoError(t, s.subscriptionStore.StoreToken(ctx, tx, subscriberID, token))

	req := httptest.NewRequest(http.MethodGet, "/subscribe/confirm?subscription_token="+token, nil)
	w := httptest.NewRecorder()
	s.handleConfirm(w, req)

	require.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestHandleConfirmUnknownToken(t *testing.T) {
	s, _, _ := testServer(t)

	token, err := tokenmint.Generate()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/subscribe/confirm?subscription_token="+token, nil)
	w := httptest.NewRecorder()
	s.handleConfirm(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
}

func TestHandleLogin(t *testing.T) {
	s, _, _ := testServer(t)

	t.Run("Success", func(t *testing.T) {
		form := url.Values{"username": {testUsername}, "password": {testPassword}}
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		s.handleLogin(w, req)

		resp := w.Result()
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		require.Equal(t, "/admin/newsletters", resp.Header.Get("Location"))
		require.NotEmpty(t, resp.Cookies())
	})

	t.Run("WrongPassword", func(t *testing.T) {
		form := url.Values{"username": {testUsername}, "password": {"wrong"}}
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		s.handleLogin(w, req)

		resp := w.Result()
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		require.Contains(t, resp.Header.Get("Location"), "/login?error=")
	})
}

func TestHandlePublishRequiresAuth(t *testing.T) {
	s, _, _ := testServer(t)

	router := mux.NewRouter()
	router.Handle("/admin/newsletters", s.requireUser.Wrapper(http.HandlerFunc(s.handlePublish))).Methods(http.MethodPost)

	req := httptest.NewRequest(http.MethodPost, "/admin/newsletters", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp := w.Result()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestHandlePublishIsIdempotent(t *testing.T) {
	s, _, tx := testServer(t)
	ctx := t.Context()

	confirmedID, err := s.subscriptionStore.InsertPending(ctx, tx, "Confirmed User", "confirmed@example.com")
	require.NoError(t, err)
	require.NoError(t, s.subscriptionStore.MarkConfirmed(ctx, tx, confirmedID))

	sessionID, err := s.sessions.Create(ctx, testhelpers.TestUserID)
	require.NoError(t, err)

	form := url.Values{
		"title":           {"Issue #1"},
		"text_content":    {"text body"},
		"html_content":    {"<p>html body</p>"},
		"idempotency_key": {"key-1"},
	}

	doPublish := func() *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/admin/newsletters", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.AddCookie(&http.Cookie{Name: "session_id", Value: sessionID})
		w := httptest.NewRecorder()
		s.requireUser.Wrapper(http.HandlerFunc(s.handlePublish)).ServeHTTP(w, req)
		return w.Result()
	}

	resp1 := doPublish()
	require.Equal(t, http.StatusSeeOther, resp1.StatusCode)

	resp2 := doPublish()
	require.Equal(t, http.StatusSeeOther, resp2.StatusCode)
	require.Equal(t, resp1.Header.Get("Location"), resp2.Header.Get("Location"))

	task, found, err := s.issueStore.DequeueLocked(ctx, tx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "confirmed@example.com", task.Email)
}
