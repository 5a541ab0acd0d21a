package transform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	purposeDeterministic = "mallku-deterministic-index"
	purposeBlindIndex    = "mallku-blind-index"
	purposeEncryption    = "mallku-field-encryption"

	keySalt = "mallku-field-security"
)

// MinSecretLength is the shortest master secret accepted.
const MinSecretLength = 16

// Keys holds per-purpose keys derived from one deployment master secret, so a
// leaked hash key never doubles as an encryption key.
type Keys struct {
	deterministic []byte
	blind         []byte
	encryption    []byte
}

// DeriveKeys expands masterSecret with HKDF-SHA256 into independent keys.
func DeriveKeys(masterSecret []byte) (*Keys, error) {
	if len(masterSecret) < MinSecretLength {
		return nil, fmt.Errorf("master secret must be at least %d bytes", MinSecretLength)
	}
	keys := &Keys{}
	for _, target := range []struct {
		purpose string
		dst     *[]byte
	}{
		{purposeDeterministic, &keys.deterministic},
		{purposeBlindIndex, &keys.blind},
		{purposeEncryption, &keys.encryption},
	} {
		key, err := derive(masterSecret, target.purpose)
		if err != nil {
			return nil, err
		}
		*target.dst = key
	}
	return keys, nil
}

func derive(secret []byte, purpose string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, []byte(keySalt), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}

var errNoKeys = errors.New("transformer keys are not configured")

func keyedHash(key []byte, message string) (string, error) {
	if len(key) == 0 {
		return "", errNoKeys
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
