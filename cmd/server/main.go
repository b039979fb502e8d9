package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lukasbauer/voicestream-echo/internal/app"
	"github.com/lukasbauer/voicestream-echo/internal/logging"
	"golang.org/x/sync/errgroup"
)

func main() {
	dotenvLoaded, dotenvErr := app.LoadDotEnv(".env")

	cfg := app.LoadConfigFromEnv()

	logger := logging.New(os.Stdout, "voicestream-echo", cfg.LogLevel, cfg.LogFormat)

	if dotenvErr != nil {
		logger.Warn().Err(dotenvErr).Msg("could not read .env")
	} else if dotenvLoaded {
		logger.Debug().Msg("loaded .env")
	}

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Error().Err(err).Msg("sentry init failed")
		} else {
			logger.Info().Msg("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		logger.Fatal().Err(err).Msg("init app")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// gctx is the shutdown signal for every media stream session. It also
	// fires if the listener fails.
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(gctx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Shutdown does not track hijacked connections; Drain waits for them.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
		if err := a.Drain(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("media streams still open at shutdown deadline")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		logger.Fatal().Err(err).Msg("listen")
	}
}
