package transform

import "mallku/internal/fieldsecurity/models"

// Identity stores values unchanged. It is meant for fields whose values are
// already opaque, such as generated identifiers.
type Identity struct{}

func (Identity) Strategy() models.IndexStrategy { return models.IndexIdentity }

func (Identity) TransformForStorage(_ string, value any, _ models.FieldSecurityConfig) (any, error) {
	return value, nil
}

func (Identity) TransformForQuery(_ string, value any, _ models.FieldSecurityConfig) (any, error) {
	return value, nil
}

func (Identity) SupportsCapability(models.SearchCapability) bool { return true }

func (Identity) RestoreFromStorage(_ string, stored any, _ models.FieldSecurityConfig) (any, error) {
	return stored, nil
}
