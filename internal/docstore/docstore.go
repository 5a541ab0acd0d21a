// Package docstore is the boundary to the collection-oriented document
// database behind the secured gateway. Application code never holds these
// handles directly; internal/fieldsecurity/secured wraps them.
package docstore

//go:generate mockgen -source=docstore.go -destination=mocks/mocks.go -package=mocks Collection,Database

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"mallku/pkg/platform/sentinel"
)

// KeyField holds a document's primary key.
const KeyField = "_key"

// Document is a JSON object.
type Document map[string]any

// Key returns the document key, or "" when unset.
func (d Document) Key() string {
	k, _ := d[KeyField].(string)
	return k
}

// Normalize round-trips v through JSON so every backend sees the same shapes:
// numbers become float64, structs become maps.
func Normalize(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document must be a JSON object")
	}
	return doc, nil
}

// Collection is a raw handle on one collection.
type Collection interface {
	Name() string
	// Insert stores doc and returns its key, generating one when doc has none.
	Insert(ctx context.Context, doc Document) (string, error)
	// InsertMany stores all documents or none.
	InsertMany(ctx context.Context, docs []Document) ([]string, error)
	Get(ctx context.Context, key string) (Document, error)
	// Update merges the top-level members of patch into the stored document.
	Update(ctx context.Context, key string, patch Document) error
	Replace(ctx context.Context, key string, doc Document) error
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error
	Truncate(ctx context.Context) error
	// Find returns documents matching every condition in key order. A limit
	// of zero means no limit.
	Find(ctx context.Context, filter Filter, limit int) ([]Document, error)
}

// Database is a raw handle on the document database.
type Database interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string) (Collection, error)
	Collection(ctx context.Context, name string) (Collection, error)
	// Query binds bindVars into q and runs it.
	Query(ctx context.Context, q Query, bindVars map[string]any) ([]Document, error)
}

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]{0,127}$`)

// ValidateName checks a collection name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// NotFound wraps sentinel.ErrNotFound with the missing collection or key.
func NotFound(kind, name string) error {
	return fmt.Errorf("%s %q: %w", kind, name, sentinel.ErrNotFound)
}

// Conflict wraps sentinel.ErrConflict.
func Conflict(kind, name string) error {
	return fmt.Errorf("%s %q already exists: %w", kind, name, sentinel.ErrConflict)
}

// RunQuery binds and executes q against db's collection. Backends without a
// native query language use it for Database.Query.
func RunQuery(ctx context.Context, db Database, q Query, bindVars map[string]any) ([]Document, error) {
	bound, err := q.Bind(bindVars)
	if err != nil {
		return nil, err
	}
	coll, err := db.Collection(ctx, bound.Collection)
	if err != nil {
		return nil, err
	}
	return coll.Find(ctx, bound.Filter, bound.Limit)
}

// MergeInto copies the top-level members of patch over doc, keeping doc's key.
func MergeInto(doc, patch Document) Document {
	out := make(Document, len(doc)+len(patch))
	for k, v := range doc {
		out[k] = v
	}
	for k, v := range patch {
		if k == KeyField {
			continue
		}
		out[k] = v
	}
	return out
}
