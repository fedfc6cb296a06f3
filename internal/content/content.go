// Package content models the site's documents and how they are looked up.
package content

import (
	"context"
	"strings"
	"time"

	"go.trai.ch/zerr"
)

// ErrNotFound is returned by repositories when no entity matches.
var ErrNotFound = zerr.New("entity not found")

// Status is an entity's publication state.
type Status string

const (
	StatusPublished Status = "published"
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusPrivate   Status = "private"
)

// Entity is a single document of the site: a post, a page or another
// configured type.
type Entity struct {
	ID          int64
	Type        string
	Title       string
	Path        string // canonical path without leading or trailing slash
	Status      Status
	Password    string
	ParentID    int64
	HTML        string
	PublishedAt time.Time
	ModifiedAt  time.Time
	Categories  []string
	Tags        []string
}

// Published reports whether the entity is publicly visible.
func (e *Entity) Published() bool {
	return e.Status == StatusPublished
}

// Protected reports whether the entity requires a password.
func (e *Entity) Protected() bool {
	return e.Password != ""
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Categories = append([]string(nil), e.Categories...)
	c.Tags = append([]string(nil), e.Tags...)
	return &c
}

// Repository resolves entities. Implementations must be safe for concurrent use.
type Repository interface {
	ByID(ctx context.Context, id int64) (*Entity, error)
	// ByPath resolves a canonical path to an entity of any status.
	ByPath(ctx context.Context, path string) (*Entity, error)
	// Children returns the direct children of id.
	Children(ctx context.Context, id int64) ([]*Entity, error)
	// FrontPageID is the designated front page, or 0 when there is none.
	FrontPageID(ctx context.Context) (int64, error)
	Hierarchical(typ string) bool
}

// NormalizePath trims the slashes that surround a request or entity path.
func NormalizePath(p string) string {
	return strings.Trim(p, "/")
}

// Permalink returns the canonical path of e: empty for the designated front
// page and e.Path otherwise.
func Permalink(ctx context.Context, repo Repository, e *Entity) (string, error) {
	front, err := repo.FrontPageID(ctx)
	if err != nil {
		return "", zerr.Wrap(err, "load front page")
	}
	if front != 0 && front == e.ID {
		return "", nil
	}
	return NormalizePath(e.Path), nil
}

// Descendants walks the entity tree below id breadth-first. Cycles in the
// parent links are tolerated; every entity is returned at most once.
func Descendants(ctx context.Context, repo Repository, id int64) ([]*Entity, error) {
	var out []*Entity
	seen := map[int64]bool{id: true}
	queue := []int64{id}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		parent := queue[0]
		queue = queue[1:]

		children, err := repo.Children(ctx, parent)
		if err != nil {
			return out, zerr.With(zerr.Wrap(err, "list children"), "parent_id", parent)
		}
		for _, c := range children {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}
