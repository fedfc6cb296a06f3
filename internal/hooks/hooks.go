// Package hooks keeps the Markdown cache consistent with content changes.
package hooks

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"go.trai.ch/zerr"

	"github.com/briangreenhill/kibble/cache"
	"github.com/briangreenhill/kibble/internal/content"
)

// Event names a content change.
type Event string

const (
	EventEntitySaved      Event = "entity_saved"
	EventEntityDeleted    Event = "entity_deleted"
	EventFrontPageChanged Event = "front_page_changed"
	EventFlush            Event = "flush"
)

var ErrUnknownEvent = zerr.New("unknown invalidation event")

// ParseEvent maps a wire name onto an Event.
func ParseEvent(s string) (Event, error) {
	switch e := Event(s); e {
	case EventEntitySaved, EventEntityDeleted, EventFrontPageChanged, EventFlush:
		return e, nil
	}
	return "", zerr.With(zerr.Wrap(ErrUnknownEvent, "parse event"), "event", s)
}

// Payload carries the details of an event. Deleted entities are described by
// the snapshot fields because they can no longer be looked up.
type Payload struct {
	EntityID     int64  `json:"entity_id,omitempty"`
	PreviousPath string `json:"previous_path,omitempty"`
	Path         string `json:"path,omitempty"`
	Type         string `json:"type,omitempty"`
}

// Dispatcher delivers events to an Invalidator, inline or through a queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event, p Payload) error
}

// Invalidator purges cache entries affected by content changes.
type Invalidator struct {
	store cache.Writer
	repo  content.Repository
	log   zerolog.Logger
}

var _ Dispatcher = (*Invalidator)(nil)

func New(store cache.Writer, repo content.Repository, logger zerolog.Logger) *Invalidator {
	return &Invalidator{
		store: store,
		repo:  repo,
		log:   logger.With().Str("component", "invalidator").Logger(),
	}
}

// Dispatch applies ev synchronously.
func (i *Invalidator) Dispatch(ctx context.Context, ev Event, p Payload) error {
	switch ev {
	case EventEntitySaved:
		return i.EntitySaved(ctx, p.EntityID, p.PreviousPath)
	case EventEntityDeleted:
		return i.EntityDeleted(ctx, &content.Entity{ID: p.EntityID, Path: p.Path, Type: p.Type})
	case EventFrontPageChanged:
		return i.FrontPageChanged(ctx)
	case EventFlush:
		return i.GlobalChanged(ctx)
	}
	return zerr.With(zerr.Wrap(ErrUnknownEvent, "dispatch event"), "event", string(ev))
}

// EntitySaved purges the entity, the path it was previously served under and,
// for hierarchical types, every descendant.
func (i *Invalidator) EntitySaved(ctx context.Context, id int64, previousPath string) error {
	previousPath = content.NormalizePath(previousPath)

	e, err := i.repo.ByID(ctx, id)
	if errors.Is(err, content.ErrNotFound) {
		if previousPath != "" {
			i.purgePath(previousPath)
		}
		return nil
	}
	if err != nil {
		return zerr.With(zerr.Wrap(err, "load saved entity"), "entity_id", id)
	}

	purged := map[string]bool{}
	purge := func(path string) {
		if purged[path] {
			return
		}
		purged[path] = true
		i.purgePath(path)
	}

	permalink, err := content.Permalink(ctx, i.repo, e)
	if err != nil {
		return err
	}
	purge(permalink)
	purge(e.Path)
	if previousPath != "" {
		purge(previousPath)
	}

	if !i.repo.Hierarchical(e.Type) {
		return nil
	}
	if previousPath != "" && previousPath != e.Path {
		if key, ok := cache.KeyForPath(previousPath); ok {
			i.store.PurgePrefix(key)
		}
	}
	children, err := content.Descendants(ctx, i.repo, e.ID)
	if err != nil {
		return err
	}
	for _, c := range children {
		purge(c.Path)
		// a renamed ancestor leaves descendants cached under the old prefix
		if previousPath != "" && previousPath != e.Path {
			if rest, ok := strings.CutPrefix(c.Path, e.Path+"/"); ok {
				purge(previousPath + "/" + rest)
			}
		}
	}

	i.log.Debug().Int64("entity_id", id).Int("keys", len(purged)).Msg("entity saved, cache purged")
	return nil
}

// EntityDeleted purges a removed entity using a snapshot taken before deletion.
func (i *Invalidator) EntityDeleted(ctx context.Context, snapshot *content.Entity) error {
	if snapshot == nil {
		return nil
	}
	if snapshot.Path != "" {
		i.purgePath(snapshot.Path)
	}

	front, err := i.repo.FrontPageID(ctx)
	if err != nil {
		return zerr.Wrap(err, "load front page")
	}
	if front != 0 && front == snapshot.ID {
		i.store.Purge(cache.FrontPageKey)
	}

	if !i.repo.Hierarchical(snapshot.Type) {
		return nil
	}
	// children may already be detached from the deleted row, so their
	// documents are also found by path
	if key, ok := cache.KeyForPath(snapshot.Path); ok && key != cache.FrontPageKey {
		i.store.PurgePrefix(key)
	}
	if snapshot.ID == 0 {
		return nil
	}
	children, err := content.Descendants(ctx, i.repo, snapshot.ID)
	if err != nil {
		return err
	}
	for _, c := range children {
		i.purgePath(c.Path)
	}
	return nil
}

// FrontPageChanged purges the document served at the site root.
func (i *Invalidator) FrontPageChanged(_ context.Context) error {
	i.store.Purge(cache.FrontPageKey)
	return nil
}

// GlobalChanged empties the whole cache, e.g. after a theme or plugin change.
func (i *Invalidator) GlobalChanged(_ context.Context) error {
	i.store.FlushAll()
	return nil
}

func (i *Invalidator) purgePath(path string) {
	key, ok := cache.KeyForPath(path)
	if !ok {
		i.log.Debug().Str("path", path).Msg("path has no cache key, nothing to purge")
		return
	}
	i.store.Purge(key)
}
