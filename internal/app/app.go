package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/lukasbauer/voicestream-echo/internal/eventlog"
	"github.com/lukasbauer/voicestream-echo/internal/httpapi"
	"github.com/rs/zerolog"
)

type App struct {
	cfg      Config
	logger   zerolog.Logger
	eventLog *eventlog.Logger
	sessions *httpapi.SessionTracker
}

func New(cfg Config, logger zerolog.Logger) (*App, error) {
	if cfg.HTTPAddr == "" {
		return nil, errors.New("HTTP_ADDR is required")
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		eventLog: eventlog.New(logger),
		sessions: httpapi.NewSessionTracker(),
	}, nil
}

// Router builds the HTTP handler. shutdown is passed to every media stream
// session; cancelling it closes them all.
func (a *App) Router(shutdown context.Context) http.Handler {
	routerCfg := httpapi.RouterConfig{
		TrustForwardedHeaders: a.cfg.TrustForwardedHeaders,
		MaxMessageBytes:       int64(a.cfg.StreamMaxMessageBytes),
		WriteTimeout:          a.cfg.StreamWriteTimeout,
	}
	return httpapi.NewRouter(shutdown, routerCfg, a.logger, a.eventLog, a.sessions)
}

// Drain rejects new media streams and waits for open ones to finish or ctx
// to expire.
func (a *App) Drain(ctx context.Context) error {
	a.sessions.StartDraining()
	if n := a.sessions.ActiveCount(); n > 0 {
		a.logger.Info().Int64("active", n).Msg("draining media streams")
	}
	return a.sessions.Wait(ctx)
}
