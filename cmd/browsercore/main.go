package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/browsercore/internal/browser"
	"github.com/onkernel/browsercore/internal/cdp"
	"github.com/onkernel/browsercore/internal/config"
	"github.com/onkernel/browsercore/internal/pool"
	"github.com/onkernel/browsercore/internal/registry"
	"github.com/onkernel/browsercore/internal/wsapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	slogger := newLogger(cfg)
	slogger.Info("browsercore configuration", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolClient := pool.New(cfg.BrowserEndpointHost, cfg.BrowserEndpointPort)
	dial := newDialer(cfg, slogger)

	reg := registry.New(browser.Config{
		ScreencastQuality:       cfg.ScreencastQuality,
		ScreencastEveryNthFrame: cfg.ScreencastEveryNthFrame,
		ViewportWidth:           cfg.ViewportWidth,
		ViewportHeight:          cfg.ViewportHeight,
	}, dial, slogger)

	wsHandler := wsapi.New(reg, cfg.ActionTimeout, slogger)

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
	)

	r.Get("/ws", wsHandler.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"clients": reg.ClientCount(),
		})
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reg.Stats())
	})
	mountPoolRoutes(r, poolClient, reg)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	g, _ := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
}

// mountPoolRoutes exposes a thin admin surface over the upstream browser
// pool so an operator can start/stop/list browsers without a separate tool;
// the stop route refuses to stop a browser while clients are still attached,
// using the Session Registry's own bookkeeping as the source of truth.
func mountPoolRoutes(r chi.Router, p *pool.Client, reg *registry.Registry) {
	r.Post("/browsers", func(w http.ResponseWriter, r *http.Request) {
		token, err := p.StartBrowser(r.Context(), r.RemoteAddr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	})

	r.Get("/browsers", func(w http.ResponseWriter, r *http.Request) {
		tokens, err := p.ListBrowsers(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"browsers": tokens})
	})

	r.Delete("/browsers/{token}", func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		if sess, ok := reg.SessionByToken(token); ok && sess.ClientCount() > 0 {
			http.Error(w, "browser still has attached clients", http.StatusConflict)
			return
		}
		if err := p.StopBrowser(r.Context(), token); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// newDialer opens a CDP Transport against the browser pool's per-token
// endpoint. *cdp.Transport satisfies browser.Transport structurally.
func newDialer(cfg *config.Config, slogger *slog.Logger) browser.Dialer {
	return func(ctx context.Context, token string) (browser.Transport, error) {
		url := fmt.Sprintf("ws://%s:%d/browser?token=%s", cfg.BrowserEndpointHost, cfg.BrowserEndpointPort, token)
		return cdp.Dial(ctx, url, slogger, cfg.LogCDPMessages)
	}
}
