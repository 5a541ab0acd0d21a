package transform

import (
	"fmt"

	"mallku/internal/fieldsecurity/models"
)

// Deterministic stores an HMAC-SHA256 of the canonical value. Equal inputs
// hash equally under one key, so equality lookups keep working; ordering does
// not survive.
type Deterministic struct {
	key []byte
}

func NewDeterministic(keys *Keys) (*Deterministic, error) {
	if keys == nil {
		return nil, errNoKeys
	}
	return &Deterministic{key: keys.deterministic}, nil
}

func (d *Deterministic) Strategy() models.IndexStrategy { return models.IndexDeterministic }

func (d *Deterministic) TransformForStorage(field string, value any, _ models.FieldSecurityConfig) (any, error) {
	return d.hash(field, value)
}

func (d *Deterministic) TransformForQuery(field string, value any, _ models.FieldSecurityConfig) (any, error) {
	return d.hash(field, value)
}

func (d *Deterministic) SupportsCapability(c models.SearchCapability) bool {
	return c == models.SearchEquality
}

func (d *Deterministic) hash(field string, value any) (string, error) {
	canonical, err := Canonical(value)
	if err != nil {
		return "", fmt.Errorf("field %q: %w", field, err)
	}
	return keyedHash(d.key, canonical)
}
