package content

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.trai.ch/zerr"
)

// Schema creates the tables PostgresRepository reads from.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
    id           BIGSERIAL PRIMARY KEY,
    type         TEXT        NOT NULL,
    title        TEXT        NOT NULL DEFAULT '',
    path         TEXT        NOT NULL,
    status       TEXT        NOT NULL DEFAULT 'draft',
    password     TEXT        NOT NULL DEFAULT '',
    parent_id    BIGINT      REFERENCES entities(id) ON DELETE SET NULL,
    html         TEXT        NOT NULL DEFAULT '',
    published_at TIMESTAMPTZ,
    modified_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS entities_path_idx ON entities (path);
CREATE INDEX IF NOT EXISTS entities_parent_idx ON entities (parent_id);

CREATE TABLE IF NOT EXISTS entity_terms (
    entity_id BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    taxonomy  TEXT   NOT NULL,
    name      TEXT   NOT NULL,
    position  INT    NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS entity_terms_entity_idx ON entity_terms (entity_id);

CREATE TABLE IF NOT EXISTS site_options (
    name  TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const (
	entityColumns = `id, type, title, path, status, password, parent_id, html, published_at, modified_at`

	frontPageOption = "page_on_front"

	taxonomyCategory = "category"
	taxonomyTag      = "tag"
)

// querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository reads entities from a Postgres database.
type PostgresRepository struct {
	db           querier
	hierarchical map[string]bool
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db querier, hierarchical ...string) *PostgresRepository {
	if len(hierarchical) == 0 {
		hierarchical = []string{"page"}
	}
	h := make(map[string]bool, len(hierarchical))
	for _, t := range hierarchical {
		h[t] = true
	}
	return &PostgresRepository{db: db, hierarchical: h}
}

// Migrate creates the schema if it does not exist yet.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return zerr.Wrap(err, "migrate content schema")
	}
	return nil
}

func (p *PostgresRepository) ByID(ctx context.Context, id int64) (*Entity, error) {
	row := p.db.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if err != nil {
		return nil, err
	}
	if err := p.loadTerms(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresRepository) ByPath(ctx context.Context, path string) (*Entity, error) {
	path = NormalizePath(path)
	if path == "" {
		return nil, ErrNotFound
	}
	row := p.db.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE path = $1 ORDER BY id LIMIT 1`, path)
	e, err := scanEntity(row)
	if err != nil {
		return nil, err
	}
	if err := p.loadTerms(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresRepository) Children(ctx context.Context, id int64) ([]*Entity, error) {
	rows, err := p.db.Query(ctx, `SELECT `+entityColumns+` FROM entities WHERE parent_id = $1 AND id <> $1 ORDER BY id`, id)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "query children"), "parent_id", id)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "iterate children"), "parent_id", id)
	}
	return out, nil
}

func (p *PostgresRepository) FrontPageID(ctx context.Context) (int64, error) {
	var value string
	err := p.db.QueryRow(ctx, `SELECT value FROM site_options WHERE name = $1`, frontPageOption).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, zerr.Wrap(err, "query front page option")
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// a non-numeric option means no static front page
		return 0, nil
	}
	return id, nil
}

// SetFrontPage stores the front page option; 0 clears it.
func (p *PostgresRepository) SetFrontPage(ctx context.Context, id int64) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO site_options (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
		frontPageOption, strconv.FormatInt(id, 10))
	if err != nil {
		return zerr.Wrap(err, "store front page option")
	}
	return nil
}

func (p *PostgresRepository) Hierarchical(typ string) bool {
	return p.hierarchical[typ]
}

func (p *PostgresRepository) loadTerms(ctx context.Context, e *Entity) error {
	rows, err := p.db.Query(ctx, `SELECT taxonomy, name FROM entity_terms WHERE entity_id = $1 ORDER BY position, name`, e.ID)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "query terms"), "entity_id", e.ID)
	}
	defer rows.Close()

	for rows.Next() {
		var taxonomy, name string
		if err := rows.Scan(&taxonomy, &name); err != nil {
			return zerr.With(zerr.Wrap(err, "scan term"), "entity_id", e.ID)
		}
		switch taxonomy {
		case taxonomyCategory:
			e.Categories = append(e.Categories, name)
		case taxonomyTag:
			e.Tags = append(e.Tags, name)
		}
	}
	return rows.Err()
}

func scanEntity(row pgx.Row) (*Entity, error) {
	var (
		e         Entity
		status    string
		parent    pgtype.Int8
		published pgtype.Timestamptz
		modified  pgtype.Timestamptz
	)
	err := row.Scan(&e.ID, &e.Type, &e.Title, &e.Path, &status, &e.Password, &parent, &e.HTML, &published, &modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, zerr.Wrap(err, "scan entity")
	}

	e.Status = Status(status)
	e.Path = NormalizePath(e.Path)
	if parent.Valid {
		e.ParentID = parent.Int64
	}
	if published.Valid {
		e.PublishedAt = published.Time
	}
	if modified.Valid {
		e.ModifiedAt = modified.Time
	}
	return &e, nil
}
