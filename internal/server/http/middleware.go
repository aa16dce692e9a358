package httpserver

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/moments/internal/limiter"
	"github.com/and161185/moments/internal/metrics"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	usernameKey
)

// RequestIDFrom returns the id assigned to the request, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// UsernameFrom returns the verified admin for the request, if any.
func UsernameFrom(ctx context.Context) string {
	u, _ := ctx.Value(usernameKey).(string)
	return u
}

// statusRecorder remembers the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

type requestIDMiddleware struct{}

func (m *requestIDMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			if u, err := uuid.NewV4(); err == nil {
				id = u.String()
			}
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// canonicalLogLineMiddleware emits one line per request.
type canonicalLogLineMiddleware struct {
	log     *zap.Logger
	metrics *metrics.Registry
}

func (m *canonicalLogLineMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		dur := time.Since(start)

		var route string
		if cr := mux.CurrentRoute(r); cr != nil {
			route, _ = cr.GetPathTemplate()
		}
		if route == "" {
			route = r.URL.Path
		}

		// no bodies, no cookies
		m.log.Info("http",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("dur", dur),
			zap.String("ip", clientIP(r)),
			zap.String("user_agent", r.UserAgent()),
		)
		if m.metrics != nil {
			m.metrics.Request(route, r.Method, rec.status, dur.Seconds())
		}
	})
}

type recoverMiddleware struct {
	log *zap.Logger
}

func (m *recoverMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}
				m.log.Error("panic",
					zap.Any("reason", v),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type corsMiddleware struct{}

func (m *corsMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rateLimitMiddleware struct {
	lim limiter.Limiter
	log *zap.Logger
}

func (m *rateLimitMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry, err := m.lim.Allow(r.Context(), clientIP(r))
		if err != nil {
			// limiter failures do not block the admin
			m.log.Warn("rate limiter", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			if retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionMiddleware admits only requests with a valid admin session cookie
// and reissues the cookie when the session was refreshed.
type sessionMiddleware struct {
	srv *Server
}

func (m *sessionMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if c, err := r.Cookie(SessionCookie); err == nil {
			token = c.Value
		}
		v := m.srv.auth.Verify(r.Context(), token)
		if !v.Valid {
			if token != "" {
				m.srv.clearSessionCookie(w)
			}
			if wantsHTML(r) {
				http.Redirect(w, r, LoginPath, http.StatusSeeOther)
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if v.NeedsCookieUpdate {
			m.srv.setSessionCookie(w, token)
		}
		ctx := context.WithValue(r.Context(), usernameKey, v.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// clientIP prefers the leftmost X-Forwarded-For entry.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
