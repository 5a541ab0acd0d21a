package secured

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"mallku/internal/docstore"
	"mallku/internal/fieldsecurity/metrics"
	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/registry"
	"mallku/internal/fieldsecurity/transform"
	dErrors "mallku/pkg/domain-errors"
)

// Residual is what decoding could not place back on the model.
type Residual struct {
	// Key is the document key.
	Key string
	// Extra holds stored members that resolve to no field of the model.
	Extra map[string]any
	// Lossy holds the stored form of fields whose transformer cannot restore
	// the original value (bucketed, deterministic). Their model field carries
	// that stored form when it fits the field type, and is left zero otherwise.
	Lossy map[string]any
}

// devEnvelope is the development-mode storage form: the semantic name travels
// with the value for debugging. Production documents never carry it.
type devEnvelope struct {
	SemanticName string `json:"semantic_name"`
	Value        any    `json:"value"`
}

const (
	devNameMember  = "semantic_name"
	devValueMember = "value"
)

// Codec translates models to and from their stored form. The registry is an
// explicit dependency; there is no process-wide default.
type Codec struct {
	reg     *registry.Registry
	keys    *transform.Keys
	factory *transform.Factory
	devMode bool
	metrics *metrics.Metrics

	mu           sync.Mutex
	transformers map[string]transform.Transformer
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithDevelopmentMode stores the semantic name next to each obfuscated value.
func WithDevelopmentMode(enabled bool) CodecOption {
	return func(c *Codec) {
		c.devMode = enabled
	}
}

// WithFactory replaces the transformer factory.
func WithFactory(f *transform.Factory) CodecOption {
	return func(c *Codec) {
		if f != nil {
			c.factory = f
		}
	}
}

// WithCodecMetrics counts transforms by strategy and direction.
func WithCodecMetrics(m *metrics.Metrics) CodecOption {
	return func(c *Codec) {
		c.metrics = m
	}
}

// NewCodec binds a codec to one registry and its key material. keys may be nil
// when no field uses a keyed strategy.
func NewCodec(reg *registry.Registry, keys *transform.Keys, opts ...CodecOption) *Codec {
	c := &Codec{
		reg:          reg,
		keys:         keys,
		factory:      transform.NewFactory(),
		transformers: make(map[string]transform.Transformer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry the codec resolves fields through.
func (c *Codec) Registry() *registry.Registry {
	return c.reg
}

// DevelopmentMode reports whether documents carry semantic names.
func (c *Codec) DevelopmentMode() bool {
	return c.devMode
}

// ToStorage produces the stored document for m. Each field is mapped (minting
// its UUID on first use) and passed through its transformer; fields at
// obfuscation level none keep their semantic name and raw value.
func (c *Codec) ToStorage(m Model) (docstore.Document, error) {
	v, err := structValue(m)
	if err != nil {
		return nil, err
	}
	declared := m.FieldSecurity()
	out := make(map[string]any)

	for _, f := range fieldsOf(v.Type()) {
		fv := v.FieldByIndex(f.index)
		if f.key {
			if key := fv.String(); key != "" {
				out[docstore.KeyField] = key
			}
			continue
		}
		if f.omitEmpty && fv.IsZero() {
			continue
		}

		var declaredCfg *models.FieldSecurityConfig
		if cfg, ok := declared[f.name]; ok {
			declaredCfg = &cfg
		}
		fieldUUID, err := c.reg.GetOrCreateMapping(f.name, declaredCfg)
		if err != nil {
			return nil, err
		}
		mapping, _ := c.reg.Mapping(f.name)
		cfg := mapping.SecurityConfig

		value := valueOf(fv)
		if cfg.ObfuscationLevel == models.ObfuscationNone {
			out[f.name] = value
			continue
		}

		var stored any
		if value != nil {
			t, err := c.transformer(f.name, cfg)
			if err != nil {
				return nil, err
			}
			stored, err = t.TransformForStorage(f.name, value, cfg)
			if err != nil {
				return nil, err
			}
			c.metrics.IncrementTransform(string(t.Strategy()), "storage")
		}
		if c.devMode {
			stored = devEnvelope{SemanticName: f.name, Value: stored}
		}
		out[fieldUUID] = stored
	}

	return docstore.Normalize(out)
}

// FromStorage decodes doc into dst, which must be a pointer to a struct.
// Keys resolving to a registered UUID are mapped back to their semantic field;
// other keys naming a model field are assigned as they are; anything else is
// returned in Residual.Extra.
func (c *Codec) FromStorage(doc docstore.Document, dst Model) (Residual, error) {
	v, err := settableStruct(dst)
	if err != nil {
		return Residual{}, err
	}
	byName := make(map[string]fieldInfo)
	var keyField *fieldInfo
	for _, f := range fieldsOf(v.Type()) {
		if f.key {
			kf := f
			keyField = &kf
			continue
		}
		byName[f.name] = f
	}

	res := Residual{Key: doc.Key()}
	if keyField != nil {
		v.FieldByIndex(keyField.index).SetString(res.Key)
	}

	for member, raw := range doc {
		if member == docstore.KeyField {
			continue
		}
		name, registered := c.reg.SemanticName(member)
		if !registered {
			f, known := byName[member]
			if !known {
				res.addExtra(member, raw)
				continue
			}
			if err := assign(v.FieldByIndex(f.index), raw); err != nil {
				return res, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("field %q", member))
			}
			continue
		}

		f, known := byName[name]
		if !known {
			res.addExtra(member, raw)
			continue
		}
		stored := unwrapDev(raw, name)
		fv := v.FieldByIndex(f.index)
		if stored == nil {
			fv.Set(reflect.Zero(fv.Type()))
			continue
		}

		mapping, _ := c.reg.Mapping(name)
		cfg := mapping.SecurityConfig
		t, err := c.transformer(name, cfg)
		if err != nil {
			return res, err
		}
		reverser, ok := t.(transform.Reverser)
		if !ok {
			res.addLossy(name, stored)
			fv.Set(reflect.Zero(fv.Type()))
			tmp := reflect.New(fv.Type()).Elem()
			if err := assign(tmp, stored); err == nil {
				fv.Set(tmp)
			}
			continue
		}
		value, err := reverser.RestoreFromStorage(name, stored, cfg)
		if err != nil {
			return res, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("restore field %q", name))
		}
		c.metrics.IncrementTransform(string(t.Strategy()), "restore")
		if err := assign(fv, value); err != nil {
			return res, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("field %q", name))
		}
	}
	return res, nil
}

// TransformQueryValue converts a query value for a registered field.
func (c *Codec) TransformQueryValue(name string, value any) (any, transform.Transformer, models.FieldMapping, error) {
	mapping, ok := c.reg.Mapping(name)
	if !ok {
		return nil, nil, models.FieldMapping{}, dErrors.Newf(dErrors.CodeValidation, "field %q is not registered", name)
	}
	t, err := c.transformer(name, mapping.SecurityConfig)
	if err != nil {
		return nil, nil, mapping, err
	}
	out, err := t.TransformForQuery(name, value, mapping.SecurityConfig)
	if err != nil {
		return nil, t, mapping, err
	}
	c.metrics.IncrementTransform(string(t.Strategy()), "query")
	return out, t, mapping, nil
}

// StoragePath is the document path a field is stored under.
func (c *Codec) StoragePath(mapping models.FieldMapping) []string {
	if mapping.SecurityConfig.ObfuscationLevel == models.ObfuscationNone {
		return []string{mapping.SemanticName}
	}
	if c.devMode {
		return []string{mapping.FieldUUID, devValueMember}
	}
	return []string{mapping.FieldUUID}
}

// transformer resolves and caches one transformer per strategy. Transformers
// hold no per-field state, so the cache survives config updates.
func (c *Codec) transformer(field string, cfg models.FieldSecurityConfig) (transform.Transformer, error) {
	cacheKey := string(cfg.IndexStrategy) + "/" + string(cfg.ObfuscationLevel)
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transformers[cacheKey]; ok {
		return t, nil
	}
	deps := transform.Deps{Keys: c.keys}
	if cfg.IndexStrategy == models.IndexTemporalOffset {
		encoder, err := c.reg.TemporalEncoder()
		if err != nil {
			return nil, err
		}
		deps.Temporal = encoder
	}
	t, err := c.factory.Resolve(field, cfg, deps)
	if err != nil {
		return nil, err
	}
	c.transformers[cacheKey] = t
	return t, nil
}

func (r *Residual) addExtra(member string, value any) {
	if r.Extra == nil {
		r.Extra = make(map[string]any)
	}
	r.Extra[member] = value
}

func (r *Residual) addLossy(name string, value any) {
	if r.Lossy == nil {
		r.Lossy = make(map[string]any)
	}
	r.Lossy[name] = value
}

// unwrapDev strips the development-mode envelope when it names field.
func unwrapDev(raw any, field string) any {
	obj, ok := raw.(map[string]any)
	if !ok || len(obj) != 2 {
		return raw
	}
	name, ok := obj[devNameMember].(string)
	if !ok || name != field {
		return raw
	}
	value, ok := obj[devValueMember]
	if !ok {
		return raw
	}
	return value
}

func valueOf(fv reflect.Value) any {
	switch fv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if fv.IsNil() {
			return nil
		}
	}
	return fv.Interface()
}

// assign stores value into fv, converting through JSON when the types differ.
func assign(fv reflect.Value, value any) error {
	if value == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return unmarshalInto(fv, raw)
	}
	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(fv.Type()) {
		fv.Set(rv)
		return nil
	}
	if fv.Kind() == reflect.Pointer && rv.Type().AssignableTo(fv.Type().Elem()) {
		p := reflect.New(fv.Type().Elem())
		p.Elem().Set(rv)
		fv.Set(p)
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return unmarshalInto(fv, raw)
}

func unmarshalInto(fv reflect.Value, raw []byte) error {
	p := reflect.New(fv.Type())
	if err := json.Unmarshal(raw, p.Interface()); err != nil {
		return err
	}
	fv.Set(p.Elem())
	return nil
}
