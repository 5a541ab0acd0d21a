package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mallku/internal/fieldsecurity/models"
	dErrors "mallku/pkg/domain-errors"
)

// CiphertextPrefix marks values produced by Encrypted.
const CiphertextPrefix = "enc:v1:"

var errMalformedCiphertext = errors.New("malformed field ciphertext")

// Encrypted seals the JSON encoding of a value with AES-256-GCM, binding the
// field name as additional data. Stored values look like
// "enc:v1:<base64(nonce|ciphertext)>" and cannot be queried.
type Encrypted struct {
	aead cipher.AEAD
}

func NewEncrypted(keys *Keys) (*Encrypted, error) {
	if keys == nil {
		return nil, errNoKeys
	}
	aead, err := newAEAD(keys.encryption)
	if err != nil {
		return nil, err
	}
	return &Encrypted{aead: aead}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (e *Encrypted) Strategy() models.IndexStrategy { return StrategyEncryptedValue }

func (e *Encrypted) TransformForStorage(field string, value any, _ models.FieldSecurityConfig) (any, error) {
	return e.seal(field, value)
}

func (e *Encrypted) TransformForQuery(field string, _ any, _ models.FieldSecurityConfig) (any, error) {
	return nil, dErrors.Newf(dErrors.CodeSecurityViolation, "field %q is encrypted and cannot be queried", field)
}

func (e *Encrypted) SupportsCapability(models.SearchCapability) bool { return false }

// RestoreFromStorage returns the decrypted JSON encoding of the original value.
func (e *Encrypted) RestoreFromStorage(field string, stored any, _ models.FieldSecurityConfig) (any, error) {
	s, ok := stored.(string)
	if !ok {
		return nil, fmt.Errorf("field %q: %w: got %T", field, errMalformedCiphertext, stored)
	}
	plain, err := e.open(field, s)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", field, err)
	}
	return json.RawMessage(plain), nil
}

func (e *Encrypted) seal(field string, value any) (string, error) {
	plain, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("field %q: encode value: %w", field, err)
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plain, []byte(field))
	return CiphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encrypted) open(field, value string) ([]byte, error) {
	if !strings.HasPrefix(value, CiphertextPrefix) {
		return nil, errMalformedCiphertext
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, CiphertextPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedCiphertext, err)
	}
	size := e.aead.NonceSize()
	if len(sealed) < size {
		return nil, errMalformedCiphertext
	}
	return e.aead.Open(nil, sealed[:size], sealed[size:], []byte(field))
}
