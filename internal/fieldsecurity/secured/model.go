// Package secured is the only sanctioned path from application records to the
// document store. Records declare per-field security through Model; the codec
// routes every field through the registry and its transformer, and collection
// handles expose only the secured operations.
package secured

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"mallku/internal/docstore"
	"mallku/internal/fieldsecurity/models"
	dErrors "mallku/pkg/domain-errors"
)

// Model is a record whose fields carry security declarations. Keys are the
// semantic field names, i.e. the json tag names. Fields without a declaration
// get models.DefaultFieldConfig.
type Model interface {
	FieldSecurity() map[string]models.FieldSecurityConfig
}

// TypeOf returns the struct type of v, looking through pointers, so *T and T
// name the same model type.
func TypeOf(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// TypeName renders a model type for logs and audit records.
func TypeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

type fieldInfo struct {
	name      string
	index     []int
	omitEmpty bool
	key       bool
}

var fieldCache sync.Map // reflect.Type -> []fieldInfo

// fieldsOf lists the persisted fields of struct type t. Unexported fields,
// fields tagged json:"-" and names starting with an underscore (other than
// the document key) are internal and skipped. Embedded structs are flattened.
func fieldsOf(t reflect.Type) []fieldInfo {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]fieldInfo)
	}
	var out []fieldInfo
	collectFields(t, nil, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].name < out[j].name })
	fieldCache.Store(t, out)
	return out
}

func collectFields(t reflect.Type, prefix []int, out *[]fieldInfo) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		index := append(append([]int(nil), prefix...), i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct {
			collectFields(sf.Type, index, out)
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		info := fieldInfo{
			name:      name,
			index:     index,
			omitEmpty: strings.Contains(opts, "omitempty"),
		}
		switch {
		case name == docstore.KeyField:
			if sf.Type.Kind() != reflect.String {
				continue
			}
			info.key = true
		case strings.HasPrefix(name, "_"):
			continue
		}
		*out = append(*out, info)
	}
}

// structValue dereferences m down to its struct value.
func structValue(m any) (reflect.Value, error) {
	v := reflect.ValueOf(m)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, dErrors.New(dErrors.CodeValidation, "model is nil")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, dErrors.Newf(dErrors.CodeValidation, "model %T is not a struct", m)
	}
	return v, nil
}

// settableStruct requires a non-nil pointer to a struct.
func settableStruct(m any) (reflect.Value, error) {
	v := reflect.ValueOf(m)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return reflect.Value{}, dErrors.Newf(dErrors.CodeValidation, "decode target %T must be a non-nil pointer", m)
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, dErrors.Newf(dErrors.CodeValidation, "decode target %T is not a struct pointer", m)
	}
	return v, nil
}

// fieldValues returns the semantic name -> value view of a model, used for
// schema checks.
func fieldValues(m any) (map[string]reflect.Value, error) {
	v, err := structValue(m)
	if err != nil {
		return nil, err
	}
	out := make(map[string]reflect.Value)
	for _, f := range fieldsOf(v.Type()) {
		out[f.name] = v.FieldByIndex(f.index)
	}
	return out, nil
}

// ValidateSecurityConfiguration aggregates the advisory warnings of every
// declared field of m. Declarations naming a field the struct does not have
// are reported too.
func ValidateSecurityConfiguration(m Model) map[string][]string {
	out := make(map[string][]string)
	v, err := structValue(m)
	if err != nil {
		out[""] = []string{err.Error()}
		return out
	}
	present := make(map[string]bool)
	for _, f := range fieldsOf(v.Type()) {
		present[f.name] = true
	}
	for name, cfg := range m.FieldSecurity() {
		warnings := cfg.Normalized().Validate()
		if !present[name] {
			warnings = append(warnings, fmt.Sprintf("declared on %s but the struct has no such field", TypeName(v.Type())))
		}
		if len(warnings) > 0 {
			out[name] = warnings
		}
	}
	return out
}
