package content

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adrg/frontmatter"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"go.trai.ch/zerr"
)

type seedFrontMatter struct {
	ID         int64     `yaml:"id"`
	Type       string    `yaml:"type"`
	Title      string    `yaml:"title"`
	Path       string    `yaml:"path"`
	Status     string    `yaml:"status"`
	Password   string    `yaml:"password"`
	Parent     int64     `yaml:"parent"`
	Date       time.Time `yaml:"date"`
	Modified   time.Time `yaml:"modified"`
	Categories []string  `yaml:"categories"`
	Tags       []string  `yaml:"tags"`
	FrontPage  bool      `yaml:"front_page"`
}

func newSeedEngine() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)
}

// LoadSeedDir builds a MemoryRepository from the Markdown files below dir.
// Each file carries its entity fields as YAML frontmatter; the body is
// rendered to HTML. Files without an id are numbered after the highest
// explicit id in path order, and a missing path defaults to the file's
// location relative to dir without the extension.
func LoadSeedDir(dir string, hierarchical ...string) (*MemoryRepository, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".md") {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "walk seed directory"), "dir", dir)
	}
	sort.Strings(files)

	engine := newSeedEngine()
	repo := NewMemoryRepository(hierarchical...)

	type pending struct {
		e     *Entity
		front bool
	}
	var (
		loaded []pending
		maxID  int64
	)
	for _, p := range files {
		e, front, err := loadSeedFile(engine, dir, p)
		if err != nil {
			return nil, err
		}
		if e.ID > maxID {
			maxID = e.ID
		}
		loaded = append(loaded, pending{e: e, front: front})
	}

	for _, l := range loaded {
		if l.e.ID == 0 {
			maxID++
			l.e.ID = maxID
		}
		repo.Put(l.e)
		if l.front {
			repo.SetFrontPage(l.e.ID)
		}
	}
	return repo, nil
}

func loadSeedFile(engine goldmark.Markdown, dir, p string) (*Entity, bool, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false, zerr.With(zerr.Wrap(err, "read seed file"), "path", p)
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, false, zerr.With(zerr.Wrap(err, "stat seed file"), "path", p)
	}

	var fm seedFrontMatter
	body, err := frontmatter.Parse(bytes.NewReader(data), &fm)
	if err != nil {
		return nil, false, zerr.With(zerr.Wrap(err, "parse seed frontmatter"), "path", p)
	}

	var buf bytes.Buffer
	if err := engine.Convert(body, &buf); err != nil {
		return nil, false, zerr.With(zerr.Wrap(err, "render seed body"), "path", p)
	}

	e := &Entity{
		ID:          fm.ID,
		Type:        fm.Type,
		Title:       fm.Title,
		Path:        fm.Path,
		Status:      Status(fm.Status),
		Password:    fm.Password,
		ParentID:    fm.Parent,
		HTML:        buf.String(),
		PublishedAt: fm.Date,
		ModifiedAt:  fm.Modified,
		Categories:  fm.Categories,
		Tags:        fm.Tags,
	}
	if e.Type == "" {
		e.Type = "post"
	}
	if e.Status == "" {
		e.Status = StatusPublished
	}
	if e.Path == "" {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil, false, zerr.With(zerr.Wrap(err, "relative seed path"), "path", p)
		}
		e.Path = filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))
	}
	if e.ModifiedAt.IsZero() {
		e.ModifiedAt = info.ModTime()
	}
	if e.PublishedAt.IsZero() {
		e.PublishedAt = e.ModifiedAt
	}
	if e.Title == "" {
		e.Title = filepath.Base(e.Path)
	}
	return e, fm.FrontPage, nil
}
