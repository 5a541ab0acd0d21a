// Package redis stores documents as JSON values in one Redis hash per
// collection. Filtering happens client-side after HGETALL, which suits the
// modest collection sizes of the reciprocity ledger.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mallku/internal/docstore"
)

// DefaultPrefix namespaces every key this package writes.
const DefaultPrefix = "mallku:docstore"

const maxTxRetries = 5

// Database is a Redis-backed docstore.Database.
type Database struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a Database.
type Option func(*Database)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(d *Database) {
		if prefix != "" {
			d.prefix = prefix
		}
	}
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) *Database {
	d := &Database{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Database) collectionsKey() string {
	return d.prefix + ":collections"
}

func (d *Database) HasCollection(ctx context.Context, name string) (bool, error) {
	ok, err := d.client.SIsMember(ctx, d.collectionsKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	return ok, nil
}

func (d *Database) CreateCollection(ctx context.Context, name string) (docstore.Collection, error) {
	if err := docstore.ValidateName(name); err != nil {
		return nil, err
	}
	added, err := d.client.SAdd(ctx, d.collectionsKey(), name).Result()
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	if added == 0 {
		return nil, docstore.Conflict("collection", name)
	}
	return d.handle(name), nil
}

func (d *Database) Collection(ctx context.Context, name string) (docstore.Collection, error) {
	ok, err := d.HasCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, docstore.NotFound("collection", name)
	}
	return d.handle(name), nil
}

func (d *Database) Query(ctx context.Context, q docstore.Query, bindVars map[string]any) ([]docstore.Document, error) {
	return docstore.RunQuery(ctx, d, q, bindVars)
}

func (d *Database) handle(name string) *collection {
	return &collection{client: d.client, name: name, key: d.prefix + ":coll:" + name}
}

type collection struct {
	client redis.UniversalClient
	name   string
	key    string
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
	values := make([]any, 0, len(docs)*2)
	seen := make(map[string]struct{}, len(docs))
	for i, doc := range docs {
		normalized, err := docstore.Normalize(doc)
		if err != nil {
			return nil, err
		}
		key := normalized.Key()
		if key == "" {
			key = uuid.NewString()
			normalized[docstore.KeyField] = key
		}
		if _, dup := seen[key]; dup {
			return nil, docstore.Conflict("document", key)
		}
		seen[key] = struct{}{}
		raw, err := json.Marshal(normalized)
		if err != nil {
			return nil, fmt.Errorf("encode document %s: %w", key, err)
		}
		keys[i] = key
		values = append(values, key, raw)
	}

	err := c.watch(ctx, func(tx *redis.Tx) error {
		for _, key := range keys {
			exists, err := tx.HExists(ctx, c.key, key).Result()
			if err != nil {
				return err
			}
			if exists {
				return docstore.Conflict("document", key)
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, c.key, values...)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *collection) Get(ctx context.Context, key string) (docstore.Document, error) {
	raw, err := c.client.HGet(ctx, c.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, docstore.NotFound("document", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", key, err)
	}
	return decode(key, raw)
}

func (c *collection) Update(ctx context.Context, key string, patch docstore.Document) error {
	normalized, err := docstore.Normalize(patch)
	if err != nil {
		return err
	}
	return c.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, c.key, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return docstore.NotFound("document", key)
		}
		if err != nil {
			return err
		}
		current, err := decode(key, raw)
		if err != nil {
			return err
		}
		return c.write(ctx, tx, key, docstore.MergeInto(current, normalized))
	})
}

func (c *collection) Replace(ctx context.Context, key string, doc docstore.Document) error {
	normalized, err := docstore.Normalize(doc)
	if err != nil {
		return err
	}
	normalized[docstore.KeyField] = key
	return c.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, c.key, key).Result()
		if err != nil {
			return err
		}
		if !exists {
			return docstore.NotFound("document", key)
		}
		return c.write(ctx, tx, key, normalized)
	})
}

func (c *collection) Delete(ctx context.Context, key string) error {
	n, err := c.client.HDel(ctx, c.key, key).Result()
	if err != nil {
		return fmt.Errorf("delete document %s: %w", key, err)
	}
	if n == 0 {
		return docstore.NotFound("document", key)
	}
	return nil
}

func (c *collection) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.HDel(ctx, c.key, keys...).Err(); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func (c *collection) Truncate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("truncate %s: %w", c.name, err)
	}
	return nil
}

func (c *collection) Find(ctx context.Context, filter docstore.Filter, limit int) ([]docstore.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	all, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", c.name, err)
	}
	keys := make([]string, 0, len(all))
	for key := range all {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []docstore.Document
	for _, key := range keys {
		doc, err := decode(key, []byte(all[key]))
		if err != nil {
			return nil, err
		}
		if !filter.Matches(doc) {
			continue
		}
		out = append(out, doc)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *collection) write(ctx context.Context, tx *redis.Tx, key string, doc docstore.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", key, err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key, key, raw)
		return nil
	})
	return err
}

// watch runs fn optimistically against the collection hash, retrying when a
// concurrent writer touched it.
func (c *collection) watch(ctx context.Context, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := c.client.Watch(ctx, fn, c.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: too much contention", c.name)
}

func decode(key string, raw []byte) (docstore.Document, error) {
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", key, err)
	}
	return doc, nil
}
