package routes

import (
	"bytes"
	"errors"
	"html"
	"html/template"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/kibble/internal/content"
)

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{- if .Alternate}}
<link rel="alternate" type="text/markdown" href="{{.Alternate}}" />
{{- end}}
</head>
<body>
<article>
<h1>{{.Title}}</h1>
{{.Body}}
</article>
</body>
</html>
`))

type page struct {
	Title     string
	Body      template.HTML
	Alternate string
}

// serveHTML is the ordinary rendering of a document. Singular entities of
// an allowed type advertise their Markdown alternate.
func (s *Server) serveHTML(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	rel, ok := s.relativePath(r.URL.Path)
	if !ok || s.isAdmin(r.URL.Path) {
		http.Error(w, msgNotFound, http.StatusNotFound)
		return
	}
	p, ok := entityPath(rel)
	if !ok {
		http.Error(w, msgNotFound, http.StatusNotFound)
		return
	}
	markdownURL := looksLikeMarkdown(r)

	e, err := s.lookup(r.Context(), p)
	if err != nil {
		if !errors.Is(err, content.ErrNotFound) {
			log.Warn().Err(err).Str("path", p).Msg("entity lookup failed")
		}
		http.Error(w, msgNotFound, http.StatusNotFound)
		return
	}
	if !e.Published() {
		http.Error(w, msgNotFound, http.StatusNotFound)
		return
	}
	if e.Protected() {
		http.Error(w, msgProtected, http.StatusForbidden)
		return
	}

	permalink, err := content.Permalink(r.Context(), s.repo, e)
	if err != nil {
		log.Warn().Err(err).Int64("entity_id", e.ID).Msg("permalink lookup failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// Markdown-looking URLs keep their suffix or query parameter.
	if !markdownURL && (permalink != p || !strings.HasSuffix(r.URL.Path, "/")) {
		target := s.canonicalURL(permalink)
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	data := page{
		Title: html.UnescapeString(e.Title),
		Body:  template.HTML(e.HTML), //nolint:gosec // entity HTML is trusted site content
	}
	if s.allowed[e.Type] {
		data.Alternate = s.canonicalURL(permalink) + "?" + formatParam + "=" + formatMarkdown
		w.Header().Add("Link", "<"+data.Alternate+`>; rel="alternate"; type="`+markdownMediaType+`"`)
	}

	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, data); err != nil {
		log.Error().Err(err).Int64("entity_id", e.ID).Msg("render html page")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if s.cfg.AcceptNegotiation {
		w.Header().Add("Vary", "Accept")
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug().Err(err).Msg("write html response")
	}
}
