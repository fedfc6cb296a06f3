package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adrg/frontmatter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/kibble/cache"
	"github.com/briangreenhill/kibble/internal/auth"
	"github.com/briangreenhill/kibble/internal/config"
	"github.com/briangreenhill/kibble/internal/content"
	"github.com/briangreenhill/kibble/internal/hooks"
	"github.com/briangreenhill/kibble/internal/metrics"
	"github.com/briangreenhill/kibble/internal/ratelimit"
	"github.com/briangreenhill/kibble/internal/render"
)

var modTime = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	srv     *Server
	repo    *content.MemoryRepository
	store   *cache.FileStore
	now     time.Time
	renders int
}

func publishedPost(id int64, path, title string) *content.Entity {
	return &content.Entity{
		ID:          id,
		Type:        "post",
		Title:       title,
		Path:        path,
		Status:      content.StatusPublished,
		HTML:        "<p>Some words about " + title + ".</p>",
		PublishedAt: modTime.Add(-time.Hour),
		ModifiedAt:  modTime,
	}
}

func newFixture(t *testing.T, vars map[string]string, mutate ...func(*ServerOptions)) *fixture {
	t.Helper()

	env := map[string]string{
		"SEED_DIR":    "unused",
		"BASE_URL":    "https://example.com",
		"HOOK_SECRET": "s3cret",
	}
	for k, v := range vars {
		env[k] = v
	}
	cfg, err := config.LoadFrom(env)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	store, err := cache.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		repo:  content.NewMemoryRepository(),
		store: store,
		now:   time.Unix(1700000000, 0),
	}

	f.repo.Put(publishedPost(1, "my-post", "Hello World"))
	draft := publishedPost(2, "secret-draft", "Secret Draft")
	draft.Status = content.StatusDraft
	f.repo.Put(draft)
	f.repo.Put(&content.Entity{
		ID: 3, Type: "page", Title: "About", Path: "about", Status: content.StatusPublished,
		Password: "hunter2", HTML: "<p>classified biography</p>", ModifiedAt: modTime,
	})
	f.repo.Put(&content.Entity{
		ID: 4, Type: "page", Title: "Welcome", Path: "home", Status: content.StatusPublished,
		HTML: "<p>front page</p>", ModifiedAt: modTime,
	})
	f.repo.SetFrontPage(4)
	f.repo.Put(&content.Entity{
		ID: 5, Type: "product", Title: "Widget", Path: "widget", Status: content.StatusPublished,
		HTML: "<p>buy now</p>", ModifiedAt: modTime,
	})

	opts := ServerOptions{
		Cfg:     cfg,
		Logger:  zerolog.Nop(),
		Repo:    f.repo,
		Store:   store,
		Limiter: ratelimit.NewWindow(cfg.RegenLimit, cfg.RegenWindow, ratelimit.WithClock(func() time.Time { return f.now })),
		Renderer: render.New(render.Options{
			Output: func(doc string, _ *content.Entity) string {
				f.renders++
				return doc
			},
		}),
		Dispatcher: hooks.New(store, f.repo, zerolog.Nop()),
		Metrics:    metrics.New(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.srv = New(opts)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(target string) *httptest.ResponseRecorder {
	return f.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func isMarkdown(rec *httptest.ResponseRecorder) bool {
	return strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown")
}

type docHeader struct {
	Title  string `yaml:"title"`
	Type   string `yaml:"type"`
	Tokens int    `yaml:"tokens"`
}

func TestServeMarkdownSuffix(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get("/my-post.md")
	require.Equal(t, http.StatusOK, rec.Code)

	h := rec.Header()
	assert.Equal(t, "text/markdown; charset=utf-8", h.Get("Content-Type"))
	assert.Equal(t, fmt.Sprint(rec.Body.Len()), h.Get("Content-Length"))
	assert.Equal(t, "Accept", h.Get("Vary"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "noindex", h.Get("X-Robots-Tag"))
	assert.Equal(t, `<https://example.com/my-post/>; rel="canonical"`, h.Get("Link"))
	assert.Equal(t, "ai-train=yes, search=yes, ai-input=yes", h.Get("Content-Signal"))

	var fm docHeader
	body, err := frontmatter.MustParse(strings.NewReader(rec.Body.String()), &fm)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", fm.Title)
	assert.Equal(t, "post", fm.Type)
	assert.Equal(t, fmt.Sprint(fm.Tokens), h.Get("X-Markdown-Tokens"))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(string(body)), "# Hello World"))
}

func TestServeMarkdownIntent(t *testing.T) {
	f := newFixture(t, nil)

	assert.True(t, isMarkdown(f.get("/my-post/?format=markdown")))
	assert.True(t, isMarkdown(f.get("/my-post.md/")))

	req := httptest.NewRequest(http.MethodGet, "/my-post/", nil)
	req.Header.Set("Accept", "text/markdown, text/html;q=0.9")
	assert.True(t, isMarkdown(f.do(req)))

	rec := f.get("/my-post/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, isMarkdown(rec))
}

func TestAcceptNegotiationDisabled(t *testing.T) {
	f := newFixture(t, map[string]string{"ACCEPT_NEGOTIATION": "false"})

	req := httptest.NewRequest(http.MethodGet, "/my-post/", nil)
	req.Header.Set("Accept", "text/markdown")
	rec := f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, isMarkdown(rec))

	assert.True(t, isMarkdown(f.get("/my-post.md")), "suffix still works")
}

func TestIdempotentServing(t *testing.T) {
	f := newFixture(t, nil)

	first := f.get("/my-post.md")
	second := f.get("/my-post.md")
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, first.Header().Get("X-Markdown-Tokens"), second.Header().Get("X-Markdown-Tokens"))
	assert.Equal(t, 1, f.renders, "second request must be served from cache")

	meta, ok := f.store.ReadMeta("my-post", "")
	require.True(t, ok)
	assert.Equal(t, int64(1), meta.PostID)
	assert.Equal(t, first.Body.Len(), meta.Length)

	m := f.get("/metrics")
	assert.Contains(t, m.Body.String(), `kibble_markdown_requests_total{outcome="fast_path"} 1`)
	assert.Contains(t, m.Body.String(), `kibble_markdown_requests_total{outcome="rendered"} 1`)
}

func TestDraftNotServed(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get("/secret-draft.md")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, isMarkdown(rec))
	assert.NotContains(t, rec.Body.String(), "Secret Draft")
	assert.Equal(t, 0, f.renders)
}

func TestFastPathReplaysAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.get("/my-post.md").Code)

	unpublished := publishedPost(1, "my-post", "Hello World")
	unpublished.Status = content.StatusPrivate
	f.repo.Put(unpublished)

	rec := f.get("/my-post.md")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, msgNotFound, rec.Body.String())

	protected := publishedPost(1, "my-post", "Hello World")
	protected.Password = "pw"
	f.repo.Put(protected)

	rec = f.get("/my-post.md")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Some words")
}

func TestFastPathRejectsDisallowedType(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.get("/my-post.md").Code)

	// a sidecar for a type that is no longer served
	doc, ok := f.store.ReadDocument("my-post", "")
	require.True(t, ok)
	f.store.Write("my-post", "", doc, cache.Meta{PostID: 1, Type: "product"}, modTime)

	rec := f.get("/my-post.md")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.renders, "slow path found the fresh cache entry")
}

func TestPasswordProtectedViaAccept(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/about/", nil)
	req.Header.Set("Accept", "text/markdown")
	rec := f.do(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, msgProtected, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "classified")
	assert.Equal(t, 0, f.renders)
}

func TestRegenerationLimit(t *testing.T) {
	f := newFixture(t, nil)
	for i := 1; i <= 21; i++ {
		f.repo.Put(publishedPost(int64(100+i), fmt.Sprintf("p%d", i), fmt.Sprintf("Post %d", i)))
	}

	for i := 1; i <= 20; i++ {
		rec := f.get(fmt.Sprintf("/p%d.md", i))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := f.get("/p21.md")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, msgThrottled, rec.Body.String())

	// cached documents are still served while throttled
	assert.Equal(t, http.StatusOK, f.get("/p1.md").Code)

	f.now = f.now.Add(61 * time.Second)
	assert.Equal(t, http.StatusOK, f.get("/p21.md").Code)
	assert.Equal(t, 21, f.renders)
}

func TestSlowPathAdmitsBeforeCacheRead(t *testing.T) {
	f := newFixture(t, map[string]string{"REGEN_LIMIT": "1"})
	require.Equal(t, http.StatusOK, f.get("/my-post.md").Code)

	// a sidecar that fails replay sends the request down the slow path
	doc, ok := f.store.ReadDocument("my-post", "")
	require.True(t, ok)
	f.store.Write("my-post", "", doc, cache.Meta{PostID: 1, Type: "product"}, modTime)

	rec := f.get("/my-post.md")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, f.renders)

	f.now = f.now.Add(61 * time.Second)
	rec = f.get("/my-post.md")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.renders, "the fresh entry is served once admitted")
}

func TestFrontPage(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get("/?format=markdown")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# Welcome")
	assert.Equal(t, `<https://example.com/>; rel="canonical"`, rec.Header().Get("Link"))
	_, ok := f.store.ReadMeta(cache.FrontPageKey, "")
	assert.True(t, ok)

	f.repo.Put(&content.Entity{
		ID: 6, Type: "page", Title: "Landing", Path: "landing", Status: content.StatusPublished,
		HTML: "<p>new front</p>", ModifiedAt: modTime,
	})
	f.repo.SetFrontPage(6)

	rec = f.get("/?format=markdown")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# Landing")
	assert.NotContains(t, rec.Body.String(), "Welcome")

	// the front page is not served under its own path
	assert.False(t, isMarkdown(f.get("/landing.md")))
}

func TestStaleCacheRerenders(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.get("/my-post.md").Code)

	edited := publishedPost(1, "my-post", "Hello Again")
	edited.ModifiedAt = modTime.Add(time.Hour)
	f.repo.Put(edited)

	rec := f.get("/my-post.md")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# Hello Again")
	assert.Equal(t, 2, f.renders)
}

func TestUnsafeAndUnknownPathsFallThrough(t *testing.T) {
	f := newFixture(t, nil)

	for _, target := range []string{"/my.post.md", "/variant/slim.md", "/_front-page.md", "/CON.md", "/missing.md", "/.md", "/.md/"} {
		rec := f.get(target)
		assert.False(t, isMarkdown(rec), target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
	assert.Equal(t, 0, f.renders)
}

func TestDisallowedTypeFallsThrough(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get("/widget.md")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, isMarkdown(rec))
	assert.Empty(t, rec.Header().Get("Link"), "no alternate for types that are not served")
}

func TestMethodAndAdminGate(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodHead, "/my-post.md", nil))
	assert.False(t, isMarkdown(rec))

	rec = f.get("/admin/my-post.md")
	assert.False(t, isMarkdown(rec))
	assert.Equal(t, 0, f.renders)
}

func TestHTMLDiscoveryAndRedirects(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get("/my-post/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<link rel="alternate" type="text/markdown" href="https://example.com/my-post/?format=markdown" />`)
	assert.Equal(t, `<https://example.com/my-post/?format=markdown>; rel="alternate"; type="text/markdown"`, rec.Header().Get("Link"))

	rec = f.get("/my-post?ref=feed")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://example.com/my-post/?ref=feed", rec.Header().Get("Location"))

	rec = f.get("/home/")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code, "front page lives at the root")
	assert.Equal(t, "https://example.com/", rec.Header().Get("Location"))

	rec = f.get("/secret-draft/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkdownURLsAreNotRedirected(t *testing.T) {
	f := newFixture(t, nil, func(o *ServerOptions) {
		o.Renderer = render.New(render.Options{Converter: failingConverter{}})
	})

	// rendering fails, so the HTML handler answers without canonicalising
	rec := f.get("/my-post.md")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, isMarkdown(rec))

	rec = f.get("/my-post?format=markdown")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

type failingConverter struct{}

func (failingConverter) Convert(string) (string, error) { return "", errors.New("boom") }

func TestVariants(t *testing.T) {
	slim := render.New(render.Options{
		Output: func(doc string, _ *content.Entity) string { return doc + "<!-- slim -->\n" },
	})
	f := newFixture(t, nil, func(o *ServerOptions) {
		o.Variants = map[string]*render.Renderer{"slim": slim}
	})

	plain := f.get("/my-post.md")
	rec := f.get("/my-post.md?variant=SLIM")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<!-- slim -->")
	assert.NotEqual(t, plain.Body.String(), rec.Body.String())

	meta, ok := f.store.ReadMeta("my-post", "slim")
	require.True(t, ok)
	assert.Equal(t, "slim", meta.Variant)

	again := f.get("/my-post.md?variant=slim")
	assert.Equal(t, rec.Body.String(), again.Body.String())
}

func TestHooks(t *testing.T) {
	f := newFixture(t, nil, func(o *ServerOptions) {
		o.Hooks = Hooks{
			Variant: func(_ *http.Request, requested string, _ *content.Entity) string {
				if requested == "" {
					return "bots"
				}
				return requested
			},
			ContentSignal: func(e *content.Entity) string {
				if e != nil && e.ID == 1 {
					return "ai-train=no,\r\n search=yes"
				}
				return ""
			},
		}
	})

	rec := f.get("/my-post.md")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ai-train=no, search=yes", rec.Header().Get("Content-Signal"))
	_, ok := f.store.ReadMeta("my-post", "bots")
	assert.True(t, ok)

	// fast path has no entity, so the hook returns empty and the header is omitted
	rec = f.get("/my-post.md")
	require.Equal(t, http.StatusOK, rec.Code)
	_, present := rec.Header()["Content-Signal"]
	assert.False(t, present)
}

func TestBasePath(t *testing.T) {
	f := newFixture(t, map[string]string{"BASE_URL": "https://example.com/blog"})

	rec := f.get("/blog/my-post.md")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `<https://example.com/blog/my-post/>; rel="canonical"`, rec.Header().Get("Link"))

	assert.False(t, isMarkdown(f.get("/my-post.md")))
	assert.Equal(t, http.StatusOK, f.get("/blog/?format=markdown").Code)
}

func TestInvalidationWebhook(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.get("/my-post.md").Code)

	signer := auth.WebhookSigner{Secret: []byte("s3cret")}
	body := `{"entity_id":1}`

	req := httptest.NewRequest(http.MethodPost, "/_hooks/entity_saved", strings.NewReader(body))
	rec := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	_, ok := f.store.ReadMeta("my-post", "")
	assert.True(t, ok, "unsigned hooks change nothing")

	req = httptest.NewRequest(http.MethodPost, "/_hooks/entity_saved", strings.NewReader(body))
	req.Header.Set(auth.SignatureHeader, signer.Sign([]byte(body), time.Now()))
	rec = f.do(req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	_, ok = f.store.ReadMeta("my-post", "")
	assert.False(t, ok)

	req = httptest.NewRequest(http.MethodPost, "/_hooks/reboot", strings.NewReader(body))
	req.Header.Set(auth.SignatureHeader, signer.Sign([]byte(body), time.Now()))
	assert.Equal(t, http.StatusNotFound, f.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/_hooks/flush", nil)
	req.Header.Set(auth.SignatureHeader, signer.Sign(nil, time.Now()))
	assert.Equal(t, http.StatusAccepted, f.do(req).Code)
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, hooks.Event, hooks.Payload) error {
	return errors.New("queue down")
}

func TestInvalidationWebhookDispatchError(t *testing.T) {
	f := newFixture(t, nil, func(o *ServerOptions) { o.Dispatcher = failingDispatcher{} })

	signer := auth.WebhookSigner{Secret: []byte("s3cret")}
	req := httptest.NewRequest(http.MethodPost, "/_hooks/flush", nil)
	req.Header.Set(auth.SignatureHeader, signer.Sign(nil, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, f.do(req).Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
