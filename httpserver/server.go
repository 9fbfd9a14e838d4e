package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/attested-shard-router/api"
	"github.com/ruteri/attested-shard-router/metrics"
	"go.uber.org/atomic"
)

// RouteRegistrar is implemented by handlers that add routes to a router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Server runs the public API, the optional admin API and the optional metrics server.
type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	adminSrv   *http.Server
	metricsSrv *metrics.MetricsServer
}

// New creates a server. apiRoutes are served on cfg.ListenAddr together with the
// health endpoints; adminRoutes on cfg.AdminListenAddr if it is set. metricsSrv
// may be nil when metrics are disabled.
func New(cfg *api.HTTPServerConfig, metricsSrv *metrics.MetricsServer, apiRoutes []RouteRegistrar, adminRoutes []RouteRegistrar) *Server {
	srv := &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.createRouter(apiRoutes, true),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.AdminListenAddr != "" {
		srv.adminSrv = &http.Server{
			Addr:         cfg.AdminListenAddr,
			Handler:      srv.createRouter(adminRoutes, false),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
	}
	return srv
}

// Handler returns the public API handler.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

// AdminHandler returns the admin API handler, or nil if it is disabled.
func (srv *Server) AdminHandler() http.Handler {
	if srv.adminSrv == nil {
		return nil
	}
	return srv.adminSrv.Handler
}

func (srv *Server) createRouter(registrars []RouteRegistrar, public bool) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		if public {
			r.Use(srv.readyGate)
		}
		for _, registrar := range registrars {
			registrar.RegisterRoutes(r)
		}
	})

	if public {
		mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
		mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
		mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
		mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

		if srv.cfg.EnablePprof {
			srv.log.Info("pprof API enabled")
			mux.Mount("/debug", middleware.Profiler())
		}
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// readyGate refuses new API requests while the server is drained.
func (srv *Server) readyGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !srv.isReady.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Server marked as not ready")
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}

func (srv *Server) RunInBackground() {
	if srv.metricsSrv != nil && srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	if srv.adminSrv != nil {
		go func() {
			srv.log.Info("Starting admin HTTP server", "listenAddress", srv.cfg.AdminListenAddr)
			if err := srv.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Admin HTTP server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown marks the server not ready, waits for the drain period and stops
// all listeners gracefully.
func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	srv.shutdown("HTTP server", srv.srv)
	if srv.adminSrv != nil {
		srv.shutdown("Admin HTTP server", srv.adminSrv)
	}

	if srv.metricsSrv != nil && srv.cfg.MetricsAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()
		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}

func (srv *Server) shutdown(name string, s *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful shutdown failed", "server", name, "err", err)
	} else {
		srv.log.Info("Gracefully stopped", "server", name)
	}
}
