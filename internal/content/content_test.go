package content

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepositoryLookups(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.Put(&Entity{ID: 1, Type: "post", Title: "Hello", Path: "/hello/", Status: StatusPublished, Tags: []string{"a"}})
	repo.Put(&Entity{ID: 2, Type: "page", Title: "About", Path: "about", Status: StatusDraft})

	e, err := repo.ByPath(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.ID)
	assert.Equal(t, "hello", e.Path)

	e.Tags[0] = "mutated"
	again, err := repo.ByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again.Tags, "returned entities are copies")

	draft, err := repo.ByPath(ctx, "/about")
	require.NoError(t, err, "drafts still resolve")
	assert.False(t, draft.Published())

	_, err = repo.ByPath(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = repo.ByPath(ctx, "")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = repo.ByID(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryRepositoryMove(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.Put(&Entity{ID: 1, Path: "old"})
	repo.Put(&Entity{ID: 1, Path: "new"})

	_, err := repo.ByPath(ctx, "old")
	assert.Error(t, err)
	e, err := repo.ByPath(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.ID)

	repo.SetFrontPage(1)
	repo.Remove(1)
	front, err := repo.FrontPageID(ctx)
	require.NoError(t, err)
	assert.Zero(t, front)
	assert.Zero(t, repo.Len())
}

func TestDescendants(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.Put(&Entity{ID: 1, Type: "page", Path: "docs"})
	repo.Put(&Entity{ID: 2, Type: "page", Path: "docs/a", ParentID: 1})
	repo.Put(&Entity{ID: 3, Type: "page", Path: "docs/b", ParentID: 1})
	repo.Put(&Entity{ID: 4, Type: "page", Path: "docs/a/deep", ParentID: 2})
	repo.Put(&Entity{ID: 5, Type: "page", Path: "other"})

	got, err := Descendants(ctx, repo, 1)
	require.NoError(t, err)
	ids := make([]int64, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []int64{2, 3, 4}, ids)

	leaf, err := Descendants(ctx, repo, 4)
	require.NoError(t, err)
	assert.Empty(t, leaf)
}

func TestDescendantsToleratesCycles(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.Put(&Entity{ID: 1, Path: "a", ParentID: 2})
	repo.Put(&Entity{ID: 2, Path: "b", ParentID: 1})

	got, err := Descendants(ctx, repo, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
}

func TestPermalink(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	home := &Entity{ID: 1, Type: "page", Path: "home"}
	post := &Entity{ID: 2, Type: "post", Path: "my-post"}
	repo.Put(home)
	repo.Put(post)

	p, err := Permalink(ctx, repo, home)
	require.NoError(t, err)
	assert.Equal(t, "home", p)

	repo.SetFrontPage(1)
	p, err = Permalink(ctx, repo, home)
	require.NoError(t, err)
	assert.Equal(t, "", p, "the front page lives at the site root")

	p, err = Permalink(ctx, repo, post)
	require.NoError(t, err)
	assert.Equal(t, "my-post", p)
}

func TestHierarchical(t *testing.T) {
	assert.True(t, NewMemoryRepository().Hierarchical("page"))
	assert.False(t, NewMemoryRepository().Hierarchical("post"))
	assert.True(t, NewMemoryRepository("doc").Hierarchical("doc"))
}

func TestEntityFlags(t *testing.T) {
	e := &Entity{Status: StatusPublished, ModifiedAt: time.Now()}
	assert.True(t, e.Published())
	assert.False(t, e.Protected())

	e.Password = "secret"
	assert.True(t, e.Protected())
}
