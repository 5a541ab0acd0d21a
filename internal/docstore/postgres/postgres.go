// Package postgres stores documents as JSONB rows. Filters compile to JSONB
// path predicates so matching happens in the database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mallku/internal/docstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS docstore_collections (
    name       TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS docstore_documents (
    collection TEXT NOT NULL REFERENCES docstore_collections (name) ON DELETE CASCADE,
    key        TEXT NOT NULL,
    doc        JSONB NOT NULL,
    PRIMARY KEY (collection, key)
);
CREATE INDEX IF NOT EXISTS idx_docstore_documents_doc ON docstore_documents USING GIN (doc jsonb_path_ops);
`

const uniqueViolation = "23505"

// Database is a Postgres-backed docstore.Database.
type Database struct {
	pool *pgxpool.Pool
}

// New creates the docstore tables when missing.
func New(ctx context.Context, pool *pgxpool.Pool) (*Database, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate docstore schema: %w", err)
	}
	return &Database{pool: pool}, nil
}

func (d *Database) HasCollection(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM docstore_collections WHERE name = $1)", name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	return exists, nil
}

func (d *Database) CreateCollection(ctx context.Context, name string) (docstore.Collection, error) {
	if err := docstore.ValidateName(name); err != nil {
		return nil, err
	}
	tag, err := d.pool.Exec(ctx, "INSERT INTO docstore_collections (name) VALUES ($1) ON CONFLICT DO NOTHING", name)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, docstore.Conflict("collection", name)
	}
	return &collection{pool: d.pool, name: name}, nil
}

func (d *Database) Collection(ctx context.Context, name string) (docstore.Collection, error) {
	ok, err := d.HasCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, docstore.NotFound("collection", name)
	}
	return &collection{pool: d.pool, name: name}, nil
}

func (d *Database) Query(ctx context.Context, q docstore.Query, bindVars map[string]any) ([]docstore.Document, error) {
	return docstore.RunQuery(ctx, d, q, bindVars)
}

type collection struct {
	pool *pgxpool.Pool
	name string
}

func (c *collection) Name() string { return c.name }

func (c *collection) Insert(ctx context.Context, doc docstore.Document) (string, error) {
	keys, err := c.InsertMany(ctx, []docstore.Document{doc})
	if err != nil {
		return "", err
	}
	return keys[0], nil
}

func (c *collection) InsertMany(ctx context.Context, docs []docstore.Document) ([]string, error) {
	keys := make([]string, len(docs))
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		for i, doc := range docs {
			normalized, err := docstore.Normalize(doc)
			if err != nil {
				return err
			}
			key := normalized.Key()
			if key == "" {
				key = uuid.NewString()
				normalized[docstore.KeyField] = key
			}
			raw, err := json.Marshal(normalized)
			if err != nil {
				return fmt.Errorf("encode document %s: %w", key, err)
			}
			_, err = tx.Exec(ctx, "INSERT INTO docstore_documents (collection, key, doc) VALUES ($1, $2, $3::jsonb)",
				c.name, key, string(raw))
			if isUniqueViolation(err) {
				return docstore.Conflict("document", key)
			}
			if err != nil {
				return fmt.Errorf("insert document %s: %w", key, err)
			}
			keys[i] = key
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *collection) Get(ctx context.Context, key string) (docstore.Document, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx, "SELECT doc FROM docstore_documents WHERE collection = $1 AND key = $2", c.name, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, docstore.NotFound("document", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", key, err)
	}
	return decode(key, raw)
}

// Update uses the jsonb || operator, which merges top-level members.
func (c *collection) Update(ctx context.Context, key string, patch docstore.Document) error {
	normalized, err := docstore.Normalize(patch)
	if err != nil {
		return err
	}
	delete(normalized, docstore.KeyField)
	raw, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("encode patch %s: %w", key, err)
	}
	tag, err := c.pool.Exec(ctx, "UPDATE docstore_documents SET doc = doc || $3::jsonb WHERE collection = $1 AND key = $2",
		c.name, key, string(raw))
	if err != nil {
		return fmt.Errorf("update document %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.NotFound("document", key)
	}
	return nil
}

func (c *collection) Replace(ctx context.Context, key string, doc docstore.Document) error {
	normalized, err := docstore.Normalize(doc)
	if err != nil {
		return err
	}
	normalized[docstore.KeyField] = key
	raw, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", key, err)
	}
	tag, err := c.pool.Exec(ctx, "UPDATE docstore_documents SET doc = $3::jsonb WHERE collection = $1 AND key = $2",
		c.name, key, string(raw))
	if err != nil {
		return fmt.Errorf("replace document %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.NotFound("document", key)
	}
	return nil
}

func (c *collection) Delete(ctx context.Context, key string) error {
	tag, err := c.pool.Exec(ctx, "DELETE FROM docstore_documents WHERE collection = $1 AND key = $2", c.name, key)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.NotFound("document", key)
	}
	return nil
}

func (c *collection) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := c.pool.Exec(ctx, "DELETE FROM docstore_documents WHERE collection = $1 AND key = ANY($2)", c.name, keys); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func (c *collection) Truncate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, "DELETE FROM docstore_documents WHERE collection = $1", c.name); err != nil {
		return fmt.Errorf("truncate %s: %w", c.name, err)
	}
	return nil
}

func (c *collection) Find(ctx context.Context, filter docstore.Filter, limit int) ([]docstore.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	where, args, err := compile(filter, []any{c.name})
	if err != nil {
		return nil, err
	}
	sql := "SELECT key, doc FROM docstore_documents WHERE collection = $1" + where + " ORDER BY key"
	if limit > 0 {
		args = append(args, limit)
		sql += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.name, err)
	}
	defer rows.Close()
	var out []docstore.Document
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decode(key, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", c.name, err)
	}
	return out, nil
}

// compile turns a filter into " AND ..." predicates, appending to args.
// Ordered comparisons only match members of the same JSON type as the value,
// mirroring docstore.Filter.Matches.
func compile(filter docstore.Filter, args []any) (string, []any, error) {
	var b strings.Builder
	for _, cond := range filter {
		args = append(args, cond.Path)
		path := "$" + strconv.Itoa(len(args)) + "::text[]"

		switch cond.Op {
		case docstore.OpEq, docstore.OpNe:
			raw, err := json.Marshal(cond.Value)
			if err != nil {
				return "", nil, fmt.Errorf("encode condition %s: %w", cond.String(), err)
			}
			args = append(args, string(raw))
			value := "$" + strconv.Itoa(len(args)) + "::jsonb"
			if cond.Op == docstore.OpEq {
				b.WriteString(" AND doc #> " + path + " = " + value)
			} else {
				b.WriteString(" AND doc #> " + path + " IS DISTINCT FROM " + value)
			}
		default:
			sqlOp := string(cond.Op)
			if f, ok := toFloat(cond.Value); ok {
				args = append(args, f)
				value := "$" + strconv.Itoa(len(args)) + "::float8"
				b.WriteString(" AND CASE WHEN jsonb_typeof(doc #> " + path + ") = 'number' THEN (doc #>> " + path + ")::float8 " + sqlOp + " " + value + " ELSE false END")
				continue
			}
			s, ok := cond.Value.(string)
			if !ok {
				return "", nil, fmt.Errorf("condition %s: %T cannot be ordered", cond.String(), cond.Value)
			}
			args = append(args, s)
			value := "$" + strconv.Itoa(len(args)) + "::text"
			b.WriteString(" AND CASE WHEN jsonb_typeof(doc #> " + path + ") = 'string' THEN (doc #>> " + path + ") COLLATE \"C\" " + sqlOp + " " + value + " ELSE false END")
		}
	}
	return b.String(), args, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func decode(key string, raw []byte) (docstore.Document, error) {
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", key, err)
	}
	return doc, nil
}
