package secured

import (
	"reflect"

	dErrors "mallku/pkg/domain-errors"
)

// Schema lists semantic fields that must be set before a write.
type Schema struct {
	Required []string `json:"required" yaml:"required"`
}

// CollectionSecurityPolicy decides which records a collection accepts. It is
// checked before any transformation or I/O.
type CollectionSecurityPolicy struct {
	CollectionName    string
	AllowedModelTypes []reflect.Type
	RequiresSecurity  bool
	Schema            *Schema
}

// NewPolicy builds a policy that requires secured models of the given
// prototypes' types.
func NewPolicy(collection string, allowed ...Model) CollectionSecurityPolicy {
	p := CollectionSecurityPolicy{
		CollectionName:   collection,
		RequiresSecurity: true,
	}
	for _, m := range allowed {
		p.AllowedModelTypes = append(p.AllowedModelTypes, TypeOf(m))
	}
	return p
}

// PermissivePolicy applies to collections nobody registered. It accepts any
// record and stores it without field security.
func PermissivePolicy(collection string) CollectionSecurityPolicy {
	return CollectionSecurityPolicy{CollectionName: collection}
}

// Permissive reports whether the policy accepts unsecured records.
func (p CollectionSecurityPolicy) Permissive() bool {
	return !p.RequiresSecurity && len(p.AllowedModelTypes) == 0
}

// Allows reports whether records of type t may be stored.
func (p CollectionSecurityPolicy) Allows(t reflect.Type) bool {
	if len(p.AllowedModelTypes) == 0 {
		return true
	}
	for _, allowed := range p.AllowedModelTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// DecodeType is the model type query results are decoded into: the single
// allowed type, or nil when the policy names none or several.
func (p CollectionSecurityPolicy) DecodeType() reflect.Type {
	if len(p.AllowedModelTypes) != 1 {
		return nil
	}
	return p.AllowedModelTypes[0]
}

// ValidateModel rejects instance when the collection requires secured models
// and instance is not one, or when its type is not allowed. Schema checks run
// last and fail with a validation error rather than a security violation.
func (p CollectionSecurityPolicy) ValidateModel(instance any) error {
	if instance == nil {
		return dErrors.Newf(dErrors.CodeSecurityViolation, "collection %q: nil record", p.CollectionName)
	}
	_, isModel := instance.(Model)
	if p.RequiresSecurity && !isModel {
		return dErrors.Newf(dErrors.CodeSecurityViolation,
			"collection %q requires a secured model, got %s", p.CollectionName, TypeName(TypeOf(instance)))
	}
	if !p.Allows(TypeOf(instance)) {
		return dErrors.Newf(dErrors.CodeSecurityViolation,
			"collection %q does not accept %s", p.CollectionName, TypeName(TypeOf(instance)))
	}
	if p.Schema != nil && isModel {
		values, err := fieldValues(instance)
		if err != nil {
			return err
		}
		for _, name := range p.Schema.Required {
			fv, ok := values[name]
			if !ok || fv.IsZero() {
				return dErrors.Newf(dErrors.CodeValidation,
					"collection %q: required field %q is empty", p.CollectionName, name)
			}
		}
	}
	return nil
}
