// Package memory is an in-process document store for tests and single-node
// development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"mallku/internal/docstore"
)

// Database keeps every collection in memory.
type Database struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

// New returns an empty database.
func New() *Database {
	return &Database{collections: make(map[string]*collection)}
}

func (d *Database) HasCollection(_ context.Context, name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.collections[name]
	return ok, nil
}

func (d *Database) CreateCollection(_ context.Context, name string) (docstore.Collection, error) {
	if err := docstore.ValidateName(name); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.collections[name]; ok {
		return nil, docstore.Conflict("collection", name)
	}
	c := &collection{name: name, docs: make(map[string]docstore.Document)}
	d.collections[name] = c
	return c, nil
}

func (d *Database) Collection(_ context.Context, name string) (docstore.Collection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.collections[name]
	if !ok {
		return nil, docstore.NotFound("collection", name)
	}
	return c, nil
}

func (d *Database) Query(ctx context.Context, q docstore.Query, bindVars map[string]any) ([]docstore.Document, error) {
	return docstore.RunQuery(ctx, d, q, bindVars)
}

type collection struct {
	name string
	mu   sync.RWMutex
	docs map[string]docstore.Document
}

func (c *collection) Name() string { return c.name }

func (c *collection) Insert(ctx context.Context, doc docstore.Document) (string, error) {
	keys, err := c.InsertMany(ctx, []docstore.Document{doc})
	if err != nil {
		return "", err
	}
	return keys[0], nil
}

func (c *collection) InsertMany(_ context.Context, docs []docstore.Document) ([]string, error) {
	prepared := make([]docstore.Document, len(docs))
	keys := make([]string, len(docs))
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
		prepared[i] = normalized
		keys[i] = key
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if _, exists := c.docs[key]; exists {
			return nil, docstore.Conflict("document", key)
		}
	}
	for i, key := range keys {
		c.docs[key] = prepared[i]
	}
	return keys, nil
}

func (c *collection) Get(_ context.Context, key string) (docstore.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[key]
	if !ok {
		return nil, docstore.NotFound("document", key)
	}
	return docstore.Normalize(doc)
}

func (c *collection) Update(_ context.Context, key string, patch docstore.Document) error {
	normalized, err := docstore.Normalize(patch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[key]
	if !ok {
		return docstore.NotFound("document", key)
	}
	c.docs[key] = docstore.MergeInto(doc, normalized)
	return nil
}

func (c *collection) Replace(_ context.Context, key string, doc docstore.Document) error {
	normalized, err := docstore.Normalize(doc)
	if err != nil {
		return err
	}
	normalized[docstore.KeyField] = key
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[key]; !ok {
		return docstore.NotFound("document", key)
	}
	c.docs[key] = normalized
	return nil
}

func (c *collection) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[key]; !ok {
		return docstore.NotFound("document", key)
	}
	delete(c.docs, key)
	return nil
}

func (c *collection) DeleteMany(_ context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.docs, key)
	}
	return nil
}

func (c *collection) Truncate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = make(map[string]docstore.Document)
	return nil
}

func (c *collection) Find(_ context.Context, filter docstore.Filter, limit int) ([]docstore.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	keys := make([]string, 0, len(c.docs))
	for key := range c.docs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var out []docstore.Document
	for _, key := range keys {
		doc := c.docs[key]
		if !filter.Matches(doc) {
			continue
		}
		out = append(out, doc)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	c.mu.RUnlock()

	for i, doc := range out {
		copied, err := docstore.Normalize(doc)
		if err != nil {
			return nil, err
		}
		out[i] = copied
	}
	return out, nil
}
