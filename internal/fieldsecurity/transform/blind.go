package transform

import (
	"encoding/json"
	"fmt"

	"mallku/internal/fieldsecurity/models"
)

// BlindIndexValue is the stored form of a blind-indexed field: a sealed copy
// of the value plus the equality hash.
type BlindIndexValue struct {
	Encrypted  string `json:"encrypted"`
	BlindIndex string `json:"blind_index"`
}

// BlindIndex hashes "field:value" so equal values in different fields never
// produce the same index.
type BlindIndex struct {
	key    []byte
	sealer *Encrypted
}

func NewBlindIndex(keys *Keys) (*BlindIndex, error) {
	if keys == nil {
		return nil, errNoKeys
	}
	sealer, err := NewEncrypted(keys)
	if err != nil {
		return nil, err
	}
	return &BlindIndex{key: keys.blind, sealer: sealer}, nil
}

func (b *BlindIndex) Strategy() models.IndexStrategy { return models.IndexBlind }

func (b *BlindIndex) TransformForStorage(field string, value any, _ models.FieldSecurityConfig) (any, error) {
	index, err := b.index(field, value)
	if err != nil {
		return nil, err
	}
	sealed, err := b.sealer.seal(field, value)
	if err != nil {
		return nil, err
	}
	return BlindIndexValue{Encrypted: sealed, BlindIndex: index}, nil
}

// TransformForQuery returns the bare index, which is compared against the
// blind_index member of stored values.
func (b *BlindIndex) TransformForQuery(field string, value any, _ models.FieldSecurityConfig) (any, error) {
	return b.index(field, value)
}

func (b *BlindIndex) SupportsCapability(c models.SearchCapability) bool {
	return c == models.SearchEquality
}

// RestoreFromStorage decrypts the sealed copy kept beside the index.
func (b *BlindIndex) RestoreFromStorage(field string, stored any, _ models.FieldSecurityConfig) (any, error) {
	var v BlindIndexValue
	if err := decodeInto(stored, &v); err != nil {
		return nil, fmt.Errorf("field %q: decode blind index value: %w", field, err)
	}
	plain, err := b.sealer.open(field, v.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", field, err)
	}
	return json.RawMessage(plain), nil
}

func (b *BlindIndex) index(field string, value any) (string, error) {
	canonical, err := Canonical(value)
	if err != nil {
		return "", fmt.Errorf("field %q: %w", field, err)
	}
	return keyedHash(b.key, field+":"+canonical)
}
