// Package httpserver exposes the public feed API and the admin post API over HTTP.
package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/moments/internal/limiter"
	"github.com/and161185/moments/internal/metrics"
	"github.com/and161185/moments/internal/service"
)

// SessionCookie is the cookie carrying the admin session token.
const SessionCookie = "session"

// LoginPath is where browsers without a session are sent.
const LoginPath = "/admin/login"

// Deps are the collaborators the router needs.
type Deps struct {
	Posts service.PostService
	Auth  service.AuthService
	// SessionTTL is the cookie Max-Age on issue and refresh.
	SessionTTL    time.Duration
	SecureCookies bool
	// Limiter throttles admin requests per client IP; nil disables it.
	Limiter limiter.Limiter
	// Metrics is optional.
	Metrics *metrics.Registry
	Log     *zap.Logger
}

// Server holds handler state.
type Server struct {
	posts   service.PostService
	auth    service.AuthService
	ttl     time.Duration
	secure  bool
	lim     limiter.Limiter
	metrics *metrics.Registry
	log     *zap.Logger
}

// New constructs the router with all middleware attached.
func New(d Deps) http.Handler {
	if d.SessionTTL <= 0 {
		d.SessionTTL = service.DefaultSessionTTL
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	s := &Server{
		posts:   d.Posts,
		auth:    d.Auth,
		ttl:     d.SessionTTL,
		secure:  d.SecureCookies,
		lim:     d.Limiter,
		metrics: d.Metrics,
		log:     d.Log,
	}

	r := mux.NewRouter()
	r.Use(
		(&requestIDMiddleware{}).Wrapper,
		(&canonicalLogLineMiddleware{log: s.log, metrics: s.metrics}).Wrapper,
		(&recoverMiddleware{log: s.log}).Wrapper,
	)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/posts", s.handleListPosts).Methods(http.MethodGet)
	api.HandleFunc("/posts/{id}", s.handleGetPost).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	if s.lim != nil {
		admin.Use((&rateLimitMiddleware{lim: s.lim, log: s.log}).Wrapper)
	}
	admin.Use((&sessionMiddleware{srv: s}).Wrapper)
	admin.HandleFunc("/posts", s.handleCreatePost).Methods(http.MethodPost)
	admin.HandleFunc("/posts/{id}", s.handleUpdatePost).Methods(http.MethodPut)
	admin.HandleFunc("/posts/{id}", s.handleDeletePost).Methods(http.MethodDelete)
	admin.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	admin.HandleFunc("/sessions/cleanup", s.handleCleanupSessions).Methods(http.MethodPost)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	// CORS wraps the router: preflight never reaches route matching.
	return (&corsMiddleware{}).Wrapper(r)
}

// setSessionCookie issues token with a fresh Max-Age.
func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
