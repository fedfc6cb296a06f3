package routes

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/kibble/cache"
	"github.com/briangreenhill/kibble/internal/content"
	"github.com/briangreenhill/kibble/internal/metrics"
	"github.com/briangreenhill/kibble/internal/render"
)

const (
	markdownSuffix    = ".md"
	markdownMediaType = "text/markdown"
	formatParam       = "format"
	formatMarkdown    = "markdown"
	variantParam      = "variant"

	msgNotFound  = "Not found."
	msgProtected = "This content is password protected."
	msgThrottled = "Too many requests. Try again later."
)

// target is a Markdown request that passed intent detection and path
// sanitising.
type target struct {
	path    string // canonical entity path, empty for the front page
	key     string
	variant string
}

// ServeMarkdown answers r with a Markdown document when it asks for one. It
// returns false, having written nothing, when the request should be handled
// as ordinary HTML.
func (s *Server) ServeMarkdown(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet || s.isAdmin(r.URL.Path) {
		return false
	}
	if !s.wantsMarkdown(r) {
		return false
	}

	t, ok := s.target(r)
	if !ok {
		return false
	}
	ctx := r.Context()
	log := hlog.FromRequest(r).With().Str("key", t.key).Str("variant", t.variant).Logger()

	if meta, ok := s.store.ReadMeta(t.key, t.variant); ok {
		if entry, ok := s.replay(ctx, t, meta); ok {
			log.Debug().Int64("entity_id", meta.PostID).Msg("served from fast path")
			s.metrics.Request(metrics.OutcomeFastPath)
			s.writeMarkdown(w, entry.Document, entry.Meta.Tokens, t.path, nil)
			return true
		}
		log.Debug().Msg("cached sidecar failed replay, resolving entity")
	}

	return s.slowPath(ctx, w, r, t, log)
}

func (s *Server) slowPath(ctx context.Context, w http.ResponseWriter, r *http.Request, t target, log zerolog.Logger) bool {
	e, err := s.lookup(ctx, t.path)
	if err != nil {
		if !errors.Is(err, content.ErrNotFound) {
			log.Warn().Err(err).Msg("entity lookup failed")
		}
		s.metrics.Request(metrics.OutcomeFallthrough)
		return false
	}
	if !s.allowed[e.Type] {
		s.metrics.Request(metrics.OutcomeFallthrough)
		return false
	}
	permalink, err := content.Permalink(ctx, s.repo, e)
	if err != nil || permalink != t.path {
		log.Debug().Int64("entity_id", e.ID).Str("permalink", permalink).Msg("permalink does not match request")
		s.metrics.Request(metrics.OutcomeFallthrough)
		return false
	}

	if !e.Published() {
		s.metrics.Request(metrics.OutcomeNotFound)
		writeText(w, http.StatusNotFound, msgNotFound)
		return true
	}
	if e.Protected() {
		s.metrics.Request(metrics.OutcomeForbidden)
		writeText(w, http.StatusForbidden, msgProtected)
		return true
	}

	variant := s.variantFor(r, e)

	// admission precedes the cache read on the slow path
	if !s.limiter.Allow(ctx) {
		log.Info().Int64("entity_id", e.ID).Msg("regeneration throttled")
		s.metrics.Request(metrics.OutcomeThrottled)
		w.Header().Set("Retry-After", retryAfterSeconds(s.limiter.RetryAfter()))
		writeText(w, http.StatusTooManyRequests, msgThrottled)
		return true
	}

	// the key may have belonged to another entity, e.g. a previous front page
	if entry, ok := s.store.ReadIfFresh(t.key, variant, e.ModifiedAt); ok && entry.Meta.PostID == e.ID {
		s.metrics.Request(metrics.OutcomeCacheHit)
		s.writeMarkdown(w, entry.Document, entry.Meta.Tokens, t.path, e)
		return true
	}

	start := time.Now()
	doc, err := s.rendererFor(variant).Render(ctx, e)
	if err != nil {
		log.Error().Err(err).Int64("entity_id", e.ID).Msg("render failed, falling back to html")
		s.metrics.Request(metrics.OutcomeRenderError)
		return false
	}
	s.metrics.RenderDuration(time.Since(start))

	body := []byte(doc.Markdown)
	s.store.Write(t.key, variant, body, cache.Meta{
		PostID:  e.ID,
		Type:    e.Type,
		Variant: variant,
		Tokens:  doc.Tokens,
		Length:  len(body),
	}, e.ModifiedAt)

	log.Debug().Int64("entity_id", e.ID).Int("tokens", doc.Tokens).Msg("rendered")
	s.metrics.Request(metrics.OutcomeRendered)
	s.writeMarkdown(w, body, doc.Tokens, t.path, e)
	return true
}

// replay re-checks a cached sidecar against live state. The cache cannot be
// trusted to reflect publication changes, so every check runs on every hit.
func (s *Server) replay(ctx context.Context, t target, meta *cache.Meta) (*cache.Entry, bool) {
	if !s.allowed[meta.Type] || meta.PostID == 0 {
		return nil, false
	}
	e, err := s.repo.ByID(ctx, meta.PostID)
	if err != nil {
		return nil, false
	}
	if !e.Published() || e.Protected() || !s.allowed[e.Type] {
		return nil, false
	}

	if t.key == cache.FrontPageKey {
		front, err := s.repo.FrontPageID(ctx)
		if err != nil || front == 0 || front != meta.PostID {
			return nil, false
		}
	} else if permalink, err := content.Permalink(ctx, s.repo, e); err != nil || permalink != t.path {
		return nil, false
	}

	entry, ok := s.store.ReadIfFresh(t.key, t.variant, e.ModifiedAt)
	if !ok || entry.Meta.PostID != meta.PostID {
		return nil, false
	}
	return entry, true
}

// lookup resolves a canonical path; the empty path is the front page.
func (s *Server) lookup(ctx context.Context, p string) (*content.Entity, error) {
	if p != "" {
		return s.repo.ByPath(ctx, p)
	}
	id, err := s.repo.FrontPageID(ctx)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, content.ErrNotFound
	}
	return s.repo.ByID(ctx, id)
}

func (s *Server) isAdmin(p string) bool {
	return p == s.adminPath || strings.HasPrefix(p, s.adminPath+"/")
}

// wantsMarkdown detects a .md suffix, ?format=markdown or, when enabled, an
// Accept header naming text/markdown.
func (s *Server) wantsMarkdown(r *http.Request) bool {
	if hasMarkdownSuffix(r.URL.Path) || r.URL.Query().Get(formatParam) == formatMarkdown {
		return true
	}
	if !s.cfg.AcceptNegotiation {
		return false
	}
	return strings.Contains(strings.Join(r.Header.Values("Accept"), ","), markdownMediaType)
}

// looksLikeMarkdown reports whether the URL itself names the Markdown
// representation. Such URLs are never canonicalised.
func looksLikeMarkdown(r *http.Request) bool {
	return hasMarkdownSuffix(r.URL.Path) || r.URL.Query().Get(formatParam) == formatMarkdown
}

func hasMarkdownSuffix(p string) bool {
	return strings.HasSuffix(strings.TrimRight(p, "/"), markdownSuffix)
}

// relativePath strips the site's base path. Paths outside it are rejected.
func (s *Server) relativePath(p string) (string, bool) {
	if s.basePath == "/" {
		return p, true
	}
	if p == s.basePath {
		return "", true
	}
	if rest, ok := strings.CutPrefix(p, s.basePath+"/"); ok {
		return rest, true
	}
	return "", false
}

// entityPath trims slashes and a .md suffix from a base-relative path. A bare
// ".md" names no entity.
func entityPath(rel string) (string, bool) {
	p := strings.Trim(rel, "/")
	trimmed, ok := strings.CutSuffix(p, markdownSuffix)
	if !ok {
		return p, true
	}
	p = strings.Trim(trimmed, "/")
	return p, p != ""
}

func (s *Server) target(r *http.Request) (target, bool) {
	rel, ok := s.relativePath(r.URL.Path)
	if !ok {
		return target{}, false
	}
	p, ok := entityPath(rel)
	if !ok {
		return target{}, false
	}

	key, ok := cache.KeyForPath(p)
	if !ok {
		return target{}, false
	}
	return target{path: p, key: key, variant: s.variantFor(r, nil)}, true
}

func (s *Server) variantFor(r *http.Request, e *content.Entity) string {
	v := r.URL.Query().Get(variantParam)
	if s.hooks.Variant != nil {
		v = s.hooks.Variant(r, v, e)
	}
	return cache.SanitizeVariant(v)
}

func (s *Server) rendererFor(variant string) *render.Renderer {
	if rr, ok := s.variants[variant]; ok && rr != nil {
		return rr
	}
	return s.renderer
}

// canonicalURL is the absolute HTML URL of the entity at path p.
func (s *Server) canonicalURL(p string) string {
	if p == "" {
		return s.baseURL + "/"
	}
	return s.baseURL + "/" + p + "/"
}

func (s *Server) contentSignal(e *content.Entity) string {
	signal := s.cfg.ContentSignal
	if s.hooks.ContentSignal != nil {
		signal = s.hooks.ContentSignal(e)
	}
	return strings.NewReplacer("\r", "", "\n", "").Replace(signal)
}

func (s *Server) writeMarkdown(w http.ResponseWriter, doc []byte, tokens int, p string, e *content.Entity) {
	h := w.Header()
	h.Set("Content-Type", "text/markdown; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(doc)))
	h.Set("Vary", "Accept")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Markdown-Tokens", strconv.Itoa(tokens))
	h.Set("X-Robots-Tag", "noindex")
	h.Set("Link", "<"+s.canonicalURL(p)+`>; rel="canonical"`)
	if signal := s.contentSignal(e); signal != "" {
		h.Set("Content-Signal", signal)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc); err != nil {
		s.log.Debug().Err(err).Str("path", p).Msg("write markdown response")
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
