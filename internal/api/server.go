// Package api binds every component to the HTTP + WebSocket surface on
// the single control port.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nyxlight/backend/internal/access"
	"github.com/nyxlight/backend/internal/apperr"
	"github.com/nyxlight/backend/internal/audit"
	"github.com/nyxlight/backend/internal/auth"
	"github.com/nyxlight/backend/internal/config"
	"github.com/nyxlight/backend/internal/docpipe"
	"github.com/nyxlight/backend/internal/erp"
	"github.com/nyxlight/backend/internal/ledger"
	"github.com/nyxlight/backend/internal/llm"
	"github.com/nyxlight/backend/internal/monitoring"
	"github.com/nyxlight/backend/internal/notify"
	"github.com/nyxlight/backend/internal/pipeline"
	"github.com/nyxlight/backend/internal/safety"
	"github.com/nyxlight/backend/internal/scheduler"
	"github.com/nyxlight/backend/internal/sessions"
)

// App carries owned references to every component; handlers receive it
// through the Server, tests construct it directly.
type App struct {
	Config    *config.Config
	Vault     *auth.Vault
	Tokens    *auth.TokenManager
	Access    *access.Controller
	Sessions  *sessions.Manager
	Pipeline  *pipeline.Pipeline
	Docs      *docpipe.Pipeline
	Queue     *llm.Queue
	Notify    *notify.Manager
	Trail     *audit.Trail
	Ledger    *ledger.Ledger
	Overseer  *safety.Overseer
	Scheduler *scheduler.Scheduler
	Emitter   erp.Emitter
	Metrics   *monitoring.Metrics
}

type Server struct {
	app     *App
	router  *mux.Router
	metrics *monitoring.Metrics
	httpSrv *http.Server
}

func NewServer(app *App) *Server {
	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		metrics: app.Metrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.accessMiddleware)
	r.Use(s.metricsMiddleware)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	// WebSocket authenticates inside the handler (token query param)
	// because browsers cannot set headers on the upgrade request.
	r.HandleFunc("/api/ws", s.handleWS).Methods(http.MethodGet)

	authed := r.PathPrefix("/api").Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	authed.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	authed.HandleFunc("/bookings", s.handleSubmit).Methods(http.MethodPost)
	authed.HandleFunc("/bookings/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	authed.HandleFunc("/bookings/{id}/reject", s.handleReject).Methods(http.MethodPost)
	authed.HandleFunc("/bookings/{id}/correct", s.handleCorrect).Methods(http.MethodPost)
	authed.HandleFunc("/export", s.handleExport).Methods(http.MethodPost)
	authed.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	authed.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	authed.HandleFunc("/monitor", s.handleMonitor).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.app.Config.Server.Host, s.app.Config.Server.APIPort)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second, // chat responses may take the full LLM budget
		IdleTimeout:  120 * time.Second,
	}
	slog.Info("control API listening", "addr", addr)
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ==== Middleware ====

type ctxKey int

const userKey ctxKey = 1

func userFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(userKey).(*auth.Claims)
	return claims
}

// accessMiddleware applies the network policy before any routing.
func (s *Server) accessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		verdict := s.app.Access.Check(host, s.app.Config.Server.APIPort)
		if !verdict.Allowed {
			slog.Warn("access denied", "remote", host, "reason", verdict.Reason)
			s.writeErr(w, apperr.New(apperr.Forbidden, "pristup odbijen: "+verdict.Reason))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RecordHTTP(route, time.Since(start).Seconds())
	})
}

// authMiddleware verifies the bearer token and injects the user.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			s.writeErr(w, apperr.New(apperr.Unauthorized, "nedostaje bearer token"))
			return
		}
		claims, err := s.app.Tokens.Verify(raw)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, claims)))
	})
}
