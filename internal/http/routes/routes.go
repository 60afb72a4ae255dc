package routes

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	appmw "github.com/briangreenhill/offlinecache/internal/http/middleware"
	"github.com/briangreenhill/offlinecache/internal/service"
)

// maxBodyBytes bounds request bodies read by the proxy and control routes
const maxBodyBytes = 10 << 20

type Server struct {
	Router   *chi.Mux
	Svc      *service.CacheService
	Upstream *url.URL
	Log      zerolog.Logger
}

type ServerOptions struct {
	Service      *service.CacheService
	UpstreamURL  string
	ControlToken string
	Logger       zerolog.Logger
}

func New(opts ServerOptions) (*Server, error) {
	upstream, err := url.Parse(opts.UpstreamURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", opts.UpstreamURL)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(requestIDToLog)
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Svc: opts.Service, Upstream: upstream, Log: opts.Logger}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})

	r.Route("/_sw", func(cr chi.Router) {
		cr.Use(appmw.RequireControlToken(opts.ControlToken))
		cr.Post("/install", s.handleInstall)
		cr.Post("/activate", s.handleActivate)
		cr.Post("/message", s.handleMessage)
		cr.Post("/online", s.handleOnline)
		cr.Post("/sync/{tag}", s.handleSync)
		cr.Get("/sync/{tag}", s.handlePending)
		cr.Post("/push", s.handlePush)
		cr.Post("/notifications/click", s.handleNotificationClick)
		cr.Get("/notifications", s.handleNotificationStream)
		cr.Get("/stores", s.handleStores)
	})

	r.HandleFunc("/*", s.handleProxy)

	return s, nil
}

func requestIDToLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}
