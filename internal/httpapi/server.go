// Package httpapi is the operator-facing HTTP surface: alert ingestion,
// hub actions, preferences and health.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"crowdalert/internal/dispatch"
	"crowdalert/internal/engine"
	"crowdalert/internal/lifecycle"
	"crowdalert/internal/notification"
	"crowdalert/internal/prefs"
	rtsup "crowdalert/internal/runtime/supervisor"
	"crowdalert/internal/storage"
	logx "crowdalert/pkg/logx"
)

// Engine is the part of the engine the HTTP surface drives.
type Engine interface {
	IngestJSON(b []byte) (int, error)
	MarkRead(ctx context.Context, ids []string) (int, error)
	MarkAllRead(ctx context.Context) (int, error)
	Dismiss(ctx context.Context, id string) error
	DismissBanner(ctx context.Context) (bool, error)
	List(ctx context.Context, f notification.Filter) ([]notification.Notification, error)
	Indicator(ctx context.Context) (engine.Indicator, error)
	Banner(ctx context.Context) (*engine.Banner, error)
	Stats() engine.Stats
}

type Preferences interface {
	Get() prefs.Preferences
	Update(ctx context.Context, pt prefs.Patch) (prefs.Preferences, error)
	Reset(ctx context.Context) (prefs.Preferences, error)
}

type DeliveryLog interface {
	History() []dispatch.Record
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the collaborators behind the routes. Engine and Prefs are
// required; the rest may be nil.
type Deps struct {
	Engine     Engine
	Prefs      Preferences
	Deliveries DeliveryLog
	Audit      Auditor
	Loops      func() []rtsup.LoopStats
	Jobs       func() []lifecycle.JobStatus
}

type Config struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ShutdownTimeout  time.Duration
	CORSOrigins      []string
	IngestRatePerSec float64
	IngestBurst      int
	MaxBodyBytes     int64
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.IngestBurst <= 0 {
		c.IngestBurst = 20
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	rl   *RateLimiter
	h    http.Handler

	srv  *http.Server
	addr net.Addr
	sup  *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Prefs == nil {
		return nil, errors.New("httpapi: engine and preferences are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With(logx.String("comp", "http")),
		rl:   NewRateLimiter(cfg.IngestRatePerSec, cfg.IngestBurst),
	}
	s.h = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.h }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(s.requestLog)
	r.Use(chimiddleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.With(s.rl.Limit).Post("/alerts", s.ingest)

		r.Get("/notifications", s.listNotifications)
		r.Post("/notifications/read", s.markRead)
		r.Delete("/notifications/{id}", s.dismiss)

		r.Get("/indicator", s.indicator)
		r.Get("/banner", s.banner)
		r.Delete("/banner", s.dismissBanner)

		r.Get("/preferences", s.getPreferences)
		r.Put("/preferences", s.updatePreferences)
		r.Post("/preferences/reset", s.resetPreferences)

		r.Get("/deliveries", s.deliveries)
	})
	return r
}

// requestLog logs one line per request at debug, or warn for 5xx.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", chimiddleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	})
}

// Start binds the listener and serves until Stop or ctx ends. Bind errors
// are returned directly.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	s.srv = &http.Server{
		Handler:           s.h,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	srv := s.srv
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.sup.Go("http.limiter_cleanup", func(ctx context.Context) error {
		t := time.NewTicker(limiterCleanup)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				s.rl.Sweep()
			}
		}
	})
	s.log.Info("http listening", logx.String("addr", s.addr.String()))
	return nil
}

// Addr is the bound address after Start.
func (s *Server) Addr() string {
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

func (s *Server) Supervisor() *rtsup.Supervisor { return s.sup }

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(sctx)
	if err != nil {
		_ = s.srv.Close()
	}
	_ = s.sup.Stop(sctx)
	return err
}
