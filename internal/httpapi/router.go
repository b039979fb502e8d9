package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/lukasbauer/voicestream-echo/internal/eventlog"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	// Trust X-Forwarded-Host / X-Forwarded-Proto / Forwarded from the proxy.
	TrustForwardedHeaders bool

	// Media stream limits (0 disables).
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

type Router struct {
	cfg      RouterConfig
	logger   zerolog.Logger
	events   *eventlog.Logger
	sessions *SessionTracker
	mux      *http.ServeMux

	// Cancelled once when the process begins shutting down; every media
	// stream session watches it.
	shutdown context.Context
}

func NewRouter(shutdown context.Context, cfg RouterConfig, logger zerolog.Logger, events *eventlog.Logger, sessions *SessionTracker) http.Handler {
	r := &Router{
		cfg:      cfg,
		logger:   logger.With().Str("component", "httpapi").Logger(),
		events:   events,
		sessions: sessions,
		mux:      http.NewServeMux(),
		shutdown: shutdown,
	}

	r.routes()

	var h http.Handler = r.withRequestLogging(r.mux)
	if cfg.TrustForwardedHeaders {
		h = handlers.ProxyHeaders(withForwardedHost(h))
	}
	return withSentryRecovery(h)
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /{$}", r.handleRoot)
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)

	// Twilio webhook + Media Stream
	r.mux.HandleFunc("POST /voice", r.handleVoice)
	r.mux.HandleFunc("GET /stream", r.handleStreamWS)
}

func (r *Router) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Hello World!"))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withForwardedHost picks a single host out of the forwarding headers.
// ProxyHeaders copies X-Forwarded-Host verbatim, so a proxy chain leaves a
// comma-separated list in r.Host, and it ignores the host= parameter of
// Forwarded. The entry added by the nearest proxy wins.
func withForwardedHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if host := forwardedHost(req.Header); host != "" {
			req.Host = host
		}
		next.ServeHTTP(w, req)
	})
}

func forwardedHost(h http.Header) string {
	if v := h.Get("X-Forwarded-Host"); v != "" {
		return lastListEntry(v)
	}

	v := h.Get("Forwarded")
	if v == "" {
		return ""
	}
	for _, pair := range strings.Split(lastListEntry(v), ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && strings.EqualFold(key, "host") {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

func lastListEntry(v string) string {
	entries := strings.Split(v, ",")
	return strings.TrimSpace(entries[len(entries)-1])
}

// withRequestLogging logs one line per request once the handler returns.
// For media streams that is when the session ends.
func (r *Router) withRequestLogging(next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p handlers.LogFormatterParams) {
		r.logger.Debug().
			Str("method", p.Request.Method).
			Str("path", p.URL.Path).
			Str("host", p.Request.Host).
			Str("remote_addr", p.Request.RemoteAddr).
			Int("status", p.StatusCode).
			Int("bytes", p.Size).
			Dur("duration", time.Since(p.TimeStamp)).
			Msg("http: request")
	})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				// A media stream is hijacked by then and its session closes the conn.
				if !websocket.IsWebSocketUpgrade(req) {
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}
