// Command newsletter runs the HTTP server for the subscription and
// publication service. It loads layered YAML+env configuration
// (config.Load), wires the core components (store, command, mailclient,
// idempotency, auth) behind a gorilla/mux router, and wraps the whole stack
// in CSRF protection and rate limiting the same way the teacher template's
// main.go does -- only the route set and the command structs behind them
// change to match this system's state machine.
package main

import (
	"context"
	"crypto/rand"
	"embed"
	"encoding/hex"
	"flag"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/throttled/throttled"
	"github.com/throttled/throttled/store/memstore"
	"golang.org/x/xerrors"

	"github.com/brandur/csrf"
	"github.com/brandur/newsletter/apperr"
	"github.com/brandur/newsletter/auth"
	"github.com/brandur/newsletter/command"
	"github.com/brandur/newsletter/config"
	"github.com/brandur/newsletter/db"
	"github.com/brandur/newsletter/idempotency"
	"github.com/brandur/newsletter/mailclient"
	"github.com/brandur/newsletter/middleware"
	"github.com/brandur/newsletter/ptemplate"
	"github.com/brandur/newsletter/store"
	"github.com/brandur/newsletter/worker"
)

const sessionTTL = 1 * time.Hour

var (
	//go:embed public/*
	embeddedAssets embed.FS

	//go:embed layouts/* views/*
	embeddedTemplates embed.FS
)

// Server holds everything needed to answer an HTTP request: the assembled
// component graph plus the composed handler chain.
type Server struct {
	conf              *config.Config
	handler           http.Handler
	mailAPI           mailclient.API
	renderer          *ptemplate.Renderer
	txStarter         db.TXStarter
	subscriptionStore *store.SubscriptionStore
	issueStore        *store.IssueStore
	idempotencyStore  *idempotency.Store
	sessions          *auth.SessionStore
	authenticator     *auth.Authenticator
	requireUser       *middleware.RequireUserMiddleware
}

func main() {
	configDir := flag.String("config-dir", "config", "directory containing base.yaml and <environment>.yaml")
	flag.Parse()

	conf, err := config.Load(*configDir)
	if err != nil {
		logrus.Fatalf("Error loading configuration: %v", err)
	}

	server, err := NewServer(conf)
	if err != nil {
		logrus.Fatalf("Error initializing server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveryWorker := worker.New(server.txStarter, server.issueStore, server.mailAPI, worker.Config{
		DeleteOnSendError: true,
	})
	go deliveryWorker.Run(ctx)

	if err := server.Start(); err != nil {
		logrus.Fatalf("Error starting server: %v", err)
	}
}

func NewServer(conf *config.Config) (*Server, error) {
	ctx := context.Background()

	var mailAPI mailclient.API
	if conf.IsProduction() {
		client, err := mailclient.NewClient(&mailclient.ClientConfig{
			BaseURL:            conf.EmailClient.BaseURL,
			SenderEmail:        conf.EmailClient.SenderEmail,
			AuthorizationToken: conf.EmailClient.AuthorizationToken,
			Timeout:            time.Duration(conf.EmailClient.TimeoutMS) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		mailAPI = client
	} else {
		mailAPI = mailclient.NewFakeClient()
	}

	// Use templates embedded with `go:embed` in production, but local
	// filesystem otherwise so we can easily iterate in development.
	var templates fs.FS
	if conf.IsProduction() {
		templates = embeddedTemplates
	} else {
		templates = os.DirFS(".")
	}

	renderer, err := ptemplate.NewRenderer(&ptemplate.RendererConfig{
		DynamicReload:  !conf.IsProduction(),
		NewsletterName: "Passages & Glass",
		PublicURL:      conf.Application.BaseURL,
		Templates:      templates,
	})
	if err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, &db.ConnectConfig{
		ApplicationName: "newsletter",
		DatabaseURL:     conf.Database.DSN(),
	})
	if err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(conf.RedisURI)
	if err != nil {
		return nil, xerrors.Errorf("error parsing redis_uri: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)

	sessions := auth.NewSessionStore(redisClient, sessionTTL)
	authenticator := auth.NewAuthenticator(lookupCredentials(pool))

	s := &Server{
		conf:              conf,
		mailAPI:           mailAPI,
		renderer:          renderer,
		txStarter:         pool,
		subscriptionStore: store.NewSubscriptionStore(),
		issueStore:        store.NewIssueStore(),
		idempotencyStore:  idempotency.NewStore(),
		sessions:          sessions,
		authenticator:     authenticator,
		requireUser:       middleware.NewRequireUserMiddleware(sessions),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleShowSubscribe).Methods(http.MethodGet)
	r.HandleFunc("/subscribe", s.handleSubscribe).Methods(http.MethodPost)
	r.HandleFunc("/subscribe/confirm", s.handleConfirm).Methods(http.MethodGet)

	r.HandleFunc("/login", s.handleShowLogin).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.Handle("/admin/logout", s.requireUser.Wrapper(http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)

	r.Handle("/admin/newsletters", s.requireUser.Wrapper(http.HandlerFunc(s.handleShowAdminNewsletters))).Methods(http.MethodGet)
	r.Handle("/admin/newsletters", s.requireUser.Wrapper(http.HandlerFunc(s.handlePublish))).Methods(http.MethodPost)

	r.PathPrefix("/public/").Handler(staticAssetsHandler(conf.IsProduction()))

	s.handler = r

	maintenance := middleware.NewMaintenanceModeMiddleware(conf.Application.MaintenanceMode, renderer)
	s.handler = maintenance.Wrapper(s.handler)

	options := []csrf.Option{
		csrf.AllowedOrigin(conf.Application.BaseURL),
	}
	s.handler = csrf.Protect(options...)(s.handler)

	logrus.Infof("Enabling memory-backed rate limiting")
	rateLimiter, err := getRateLimiter()
	if err != nil {
		return nil, err
	}
	s.handler = rateLimiter.RateLimit(s.handler)

	return s, nil
}

func (s *Server) Start() error {
	logrus.Infof("Listening on %v", s.conf.Application.Address())
	if err := http.ListenAndServe(s.conf.Application.Address(), s.handler); err != nil {
		return xerrors.Errorf("error listening on %q: %w", s.conf.Application.Address(), err)
	}
	return nil
}

// lookupCredentials adapts the users table to auth.CredentialsLookup.
func lookupCredentials(pool db.TXStarter) auth.CredentialsLookup {
	return func(ctx context.Context, username string) (string, string, bool, error) {
		var userID uuid.UUID
		var passwordHash string

		err := db.WithTransaction(ctx, pool, func(ctx context.Context, tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `
				SELECT user_id, password_hash
				FROM users
				WHERE username = $1
			`, username)
			return row.Scan(&userID, &passwordHash)
		})
		if xerrors.Is(err, pgx.ErrNoRows) {
			return "", "", false, nil
		}
		if err != nil {
			return "", "", false, xerrors.Errorf("error looking up user credentials: %w", err)
		}

		return userID.String(), passwordHash, true, nil
	}
}

//
// Handlers -- subscribe/confirm
//

func (s *Server) handleShowSubscribe(w http.ResponseWriter, r *http.Request) {
	s.withErrorHandling(w, func() error {
		return s.renderer.RenderTemplate(w, "views/subscribe", map[string]interface{}{
			"CSRFToken": csrf.Token(r),
			"Flash":     r.URL.Query().Get("flash"),
		})
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.withErrorHandling(w, func() error {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return s.renderer.RenderTemplate(w, "views/subscribe", map[string]interface{}{
				"CSRFToken": csrf.Token(r),
				"Error":     "Could not parse form submission.",
			})
		}

		coordinator := &command.SubscribeCoordinator{
			Email:          r.Form.Get("email"),
			Name:           r.Form.Get("name"),
			MailAPI:        s.mailAPI,
			Renderer:       s.renderer,
			SubscribeStore: s.subscriptionStore,
			BaseURL:        s.conf.Application.BaseURL,
		}

		var result *command.SubscribeResult
		err := db.WithTransaction(r.Context(), s.txStarter, func(ctx context.Context, tx pgx.Tx) error {
			var err error
			result, err = coordinator.Run(ctx, tx)
			return err
		})

		if apperr.Kind(err) == apperr.ErrFormInvalid {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return s.renderer.RenderTemplate(w, "views/subscribe", map[string]interface{}{
				"CSRFToken": csrf.Token(r),
				"Error":     "Please provide a valid name and email address.",
			})
		}
		if err != nil {
			logIfLoggable(err)
			http.Redirect(w, r, "/?flash="+url.QueryEscape("Something went wrong. Please try again."), http.StatusSeeOther)
			return nil
		}

		// The subscriber+token write above is already committed. Sending
		// happens as a separate step so a transport failure here can't roll
		// it back -- a later duplicate submission will find the pending row
		// and resend instead of losing it.
		if err := coordinator.SendConfirmation(r.Context(), result); err != nil {
			logIfLoggable(err)
			http.Redirect(w, r, "/?flash="+url.QueryEscape("You're signed up, but we couldn't send the confirmation email. Please try signing up again to resend it."), http.StatusSeeOther)
			return nil
		}

		message := "Thanks for signing up! Check your email for a confirmation link."
		switch {
		case result.AlreadyConfirmed:
			message = "This address is already subscribed."
		case result.ConfirmationResent:
			message = "We've resent your confirmation email."
		}

		http.Redirect(w, r, "/?flash="+url.QueryEscape(message), http.StatusSeeOther)
		return nil
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.withErrorHandling(w, func() error {
		token := r.URL.Query().Get("subscription_token")

		err := db.WithTransaction(r.Context(), s.txStarter, func(ctx context.Context, tx pgx.Tx) error {
			coordinator := &command.ConfirmCoordinator{
				Token:             token,
				SubscriptionStore: s.subscriptionStore,
			}

			_, err := coordinator.Run(ctx, tx)
			return err
		})

		if err != nil {
			status := statusForErr(err)
			w.WriteHeader(status)
			logIfLoggable(err)
			return s.renderer.RenderTemplate(w, "views/error", map[string]interface{}{
				"Error": confirmErrorMessage(err),
			})
		}

		return s.renderer.RenderTemplate(w, "views/subscribe_confirmed", map[string]interface{}{})
	})
}

func confirmErrorMessage(err error) string {
	switch apperr.Kind(err) {
	case apperr.ErrTokenInvalid, apperr.ErrTokenUnknown:
		return "We couldn't find that confirmation link."
	case apperr.ErrAlreadyConfirmed:
		return "This subscription is already confirmed."
	default:
		return "Something went wrong."
	}
}

//
// Handlers -- login/logout
//

func (s *Server) handleShowLogin(w http.ResponseWriter, r *http.Request) {
	s.withErrorHandling(w, func() error {
		return s.renderer.RenderTemplate(w, "views/login", map[string]interface{}{
			"CSRFToken": csrf.Token(r),
			"Error":     r.URL.Query().Get("error"),
		})
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.withErrorHandling(w, func() error {
		if err := r.ParseForm(); err != nil {
			http.Redirect(w, r, "/login?error="+url.QueryEscape("Invalid form submission."), http.StatusSeeOther)
			return nil
		}

		userID, err := s.authenticator.Authenticate(r.Context(), r.Form.Get("username"), r.Form.Get("password"))
		if err != nil {
			http.Redirect(w, r, "/login?error="+url.QueryEscape("Invalid username or password."), http.StatusSeeOther)
			return nil
		}

		sessionID, err := s.sessions.Create(r.Context(), userID)
		if err != nil {
			return xerrors.Errorf("error creating session: %w", err)
		}

		http.SetCookie(w, &http.Cookie{
			Name:     "session_id",
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			Secure:   s.conf.IsProduction(),
			MaxAge:   int(sessionTTL.Seconds()),
		})

		http.Redirect(w, r, "/admin/newsletters", http.StatusSeeOther)
		return nil
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.withErrorHandling(w, func() error {
		if cookie, err := r.Cookie("session_id"); err == nil {
			if err := s.sessions.Delete(r.Context(), cookie.Value); err != nil {
				logrus.Errorf("Error deleting session: %v", err)
			}
		}

		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "", Path: "/", MaxAge: -1})
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return nil
	})
}

//
// Handlers -- admin publish
//

func (s *Server) handleShowAdminNewsletters(w http.ResponseWriter, r *http.Request) {
	s.withErrorHandling(w, func() error {
		key, err := newIdempotencyKey()
		if err != nil {
			return err
		}

		return s.renderer.RenderTemplate(w, "views/admin_newsletters", map[string]interface{}{
			"CSRFToken":      csrf.Token(r),
			"IdempotencyKey": key,
			"Flash":          r.URL.Query().Get("flash"),
		})
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	s.withErrorHandling(w, func() error {
		userID := middleware.UserIDFromContext(r.Context())

		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return nil
		}

		title := r.Form.Get("title")
		textContent := r.Form.Get("text_content")
		htmlContent := r.Form.Get("html_content")
		idempotencyKey := r.Form.Get("idempotency_key")

		if title == "" || textContent == "" || htmlContent == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return nil
		}

		if err := idempotency.ValidateKey(idempotencyKey); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return nil
		}

		var flash string

		err := db.WithTransaction(r.Context(), s.txStarter, func(ctx context.Context, tx pgx.Tx) error {
			saved, proceed, err := s.idempotencyStore.TryBegin(ctx, tx, userID, idempotencyKey)
			if err != nil {
				return err
			}

			if !proceed {
				flash = string(saved.Body)
				return nil
			}

			coordinator := &command.PublishCoordinator{
				Title:       title,
				TextContent: textContent,
				HTMLContent: htmlContent,
				IssueStore:  s.issueStore,
			}
			if _, err := coordinator.Run(ctx, tx); err != nil {
				return err
			}

			flash = "Issue published."
			return s.idempotencyStore.Finish(ctx, tx, userID, idempotencyKey, http.StatusSeeOther, nil, []byte(flash))
		})
		if err != nil {
			logIfLoggable(err)
			http.Redirect(w, r, "/admin/newsletters?flash="+url.QueryEscape("Something went wrong. Please try again."), http.StatusSeeOther)
			return nil
		}

		http.Redirect(w, r, "/admin/newsletters?flash="+url.QueryEscape(flash), http.StatusSeeOther)
		return nil
	})
}

// newIdempotencyKey mints a fresh opaque key for the admin form's hidden
// field. It's regenerated on every GET so that reloading the publish form
// never reuses a key from an earlier, possibly abandoned, submission.
func newIdempotencyKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", xerrors.Errorf("error generating idempotency key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

//
// Private functions
//

func (s *Server) withErrorHandling(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		logrus.Errorf("Internal server error: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = s.renderer.RenderTemplate(w, "views/error", map[string]interface{}{
			"Error": "Internal server error.",
		})
		return
	}
}

func logIfLoggable(err error) {
	if apperr.Loggable(err) {
		logrus.Errorf("%v", err)
	} else {
		logrus.Infof("%v", err)
	}
}

func statusForErr(err error) int {
	switch apperr.Kind(err) {
	case apperr.ErrFormInvalid, apperr.ErrIdempotencyMalformed:
		return http.StatusUnprocessableEntity
	case apperr.ErrTokenInvalid, apperr.ErrTokenUnknown:
		return http.StatusUnauthorized
	case apperr.ErrAlreadyConfirmed:
		return http.StatusConflict
	case apperr.ErrAuthRequired:
		return http.StatusUnauthorized
	case apperr.ErrTransportFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func getRateLimiter() (*throttled.HTTPRateLimiter, error) {
	memStore, err := memstore.New(65536)
	if err != nil {
		return nil, xerrors.Errorf("error initializing memory store: %w", err)
	}

	quota := throttled.RateQuota{
		MaxBurst: 20,
		MaxRate:  throttled.PerSec(5),
	}

	rateLimiter, err := throttled.NewGCRARateLimiter(memStore, quota)
	if err != nil {
		return nil, xerrors.Errorf("error initializing rate limiter: %w", err)
	}

	deniedHandler := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Rate limit exceeded. Please try again in a few seconds.", http.StatusTooManyRequests)
	}))

	return &throttled.HTTPRateLimiter{
		DeniedHandler: deniedHandler,
		RateLimiter:   rateLimiter,
		VaryBy:        &throttled.VaryBy{RemoteAddr: true},
	}, nil
}

func staticAssetsHandler(useEmbedded bool) http.Handler {
	if useEmbedded {
		return http.FileServer(http.FS(embeddedAssets))
	}
	return http.StripPrefix("/public/", http.FileServer(http.Dir("./public")))
}
