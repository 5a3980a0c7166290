package api

import (
	"context"
	"net/http"
	"time"

	"ephem/cfg"
	"ephem/svc/auth"
	"ephem/svc/db"
	"ephem/svc/lim"
	"ephem/svc/svc"
	"ephem/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	sel        *db.Selector
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *svc.Paste, acct *svc.Account, hasher *auth.Hasher, l *lim.Limiter, sel *db.Selector) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{
		router: r,
		cfg:    c,
		sel:    sel,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.JSONContentType)
		r.Get("/api/healthz", s.Healthz)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.BasicAuthMetrics)
		r.Handle("/metrics", promhttp.Handler())
		r.Mount("/debug", middleware.Profiler())
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Observe)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		hdl := &Hdl{paste: p, acct: acct, hasher: hasher, cfg: c}
		r.Route("/api", func(r chi.Router) {
			r.With(mw.RateLimit("create")).Post("/pastes", hdl.CreatePaste)
			r.With(mw.RateLimit("list")).Get("/pastes", hdl.ListPastes)
			r.With(mw.RateLimit("view")).Get("/pastes/{id}", hdl.GetPaste)
			r.With(mw.RateLimit("view")).Get("/pastes/{id}/qr", hdl.GetPasteQR)
			r.Get("/config/presets", hdl.GetPresets)
			r.Route("/auth", func(r chi.Router) {
				r.With(mw.RateLimit("auth")).Post("/register", hdl.Register)
				r.With(mw.RateLimit("auth")).Post("/login", hdl.Login)
				r.Post("/logout", hdl.Logout)
				r.Get("/me", hdl.Me)
			})
		})
	})
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
