package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/kibble/cache"
	"github.com/briangreenhill/kibble/internal/auth"
	"github.com/briangreenhill/kibble/internal/config"
	"github.com/briangreenhill/kibble/internal/content"
	"github.com/briangreenhill/kibble/internal/hooks"
	appmw "github.com/briangreenhill/kibble/internal/http/middleware"
	"github.com/briangreenhill/kibble/internal/metrics"
	"github.com/briangreenhill/kibble/internal/ratelimit"
	"github.com/briangreenhill/kibble/internal/render"
)

// Hooks are optional per-request callbacks. e is nil when the entity has not
// been loaded yet.
type Hooks struct {
	// Variant picks the cache variant; requested is the ?variant= value.
	Variant func(r *http.Request, requested string, e *content.Entity) string
	// ContentSignal overrides the Content-Signal header. Empty omits it.
	ContentSignal func(e *content.Entity) string
}

type Server struct {
	Router *chi.Mux

	cfg        config.Config
	log        zerolog.Logger
	repo       content.Repository
	store      cache.Store
	limiter    ratelimit.Limiter
	renderer   *render.Renderer
	variants   map[string]*render.Renderer
	dispatcher hooks.Dispatcher
	metrics    *metrics.Metrics
	hooks      Hooks

	allowed   map[string]bool
	baseURL   string // without trailing slash
	basePath  string // "/" or "/blog"
	adminPath string
}

type ServerOptions struct {
	Cfg      config.Config
	Logger   zerolog.Logger
	Repo     content.Repository
	Store    cache.Store
	Limiter  ratelimit.Limiter
	Renderer *render.Renderer
	// Variants maps a sanitized variant name to its own renderer. Variants
	// without an entry use Renderer.
	Variants   map[string]*render.Renderer
	Dispatcher hooks.Dispatcher
	Metrics    *metrics.Metrics
	Hooks      Hooks
	// Now is the clock used to check webhook signatures.
	Now func() time.Time
}

func New(opts ServerOptions) *Server {
	cfg := opts.Cfg
	s := &Server{
		cfg:        cfg,
		log:        opts.Logger,
		repo:       opts.Repo,
		store:      opts.Store,
		limiter:    opts.Limiter,
		renderer:   opts.Renderer,
		variants:   opts.Variants,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		hooks:      opts.Hooks,
		allowed:    make(map[string]bool, len(cfg.AllowedTypes)),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		basePath:   "/" + strings.Trim(cfg.BasePath, "/"),
	}
	for _, t := range cfg.AllowedTypes {
		s.allowed[t] = true
	}
	s.adminPath = path.Join(s.basePath, cfg.AdminPrefix)
	if s.renderer == nil {
		s.renderer = render.New(render.Options{TokenMultiplier: cfg.TokenMultiplier})
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewWindow(cfg.RegenLimit, cfg.RegenWindow)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)
	s.Router = r

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("write health check response")
		}
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	if cfg.HookSecret != "" && s.dispatcher != nil {
		signer := auth.WebhookSigner{Secret: []byte(cfg.HookSecret)}
		r.With(appmw.RequireSignature(signer, opts.Now)).Post("/_hooks/{event}", s.handleHook)
	}

	r.Get("/*", s.handleDocument)
	r.Head("/*", s.handleDocument)

	return s
}

// requestIDLogger tags the request logger with chi's request id.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if s.ServeMarkdown(w, r) {
		return
	}
	s.serveHTML(w, r)
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	ev, err := hooks.ParseEvent(chi.URLParam(r, "event"))
	if err != nil {
		http.Error(w, "unknown event", http.StatusNotFound)
		return
	}

	var p hooks.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), ev, p); err != nil {
		log.Error().Err(err).Str("event", string(ev)).Msg("invalidation failed")
		http.Error(w, "invalidation failed", http.StatusInternalServerError)
		return
	}

	s.metrics.Invalidation(string(ev))
	log.Info().Str("event", string(ev)).Int64("entity_id", p.EntityID).Msg("invalidation accepted")
	w.WriteHeader(http.StatusAccepted)
}
