// Package transform implements the per-field value strategies that trade
// queryability against exposure. Each strategy converts a raw value into its
// storage form and a query value into something comparable with that form.
package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/temporal"
	dErrors "mallku/pkg/domain-errors"
)

// StrategyEncryptedValue is the transformer used for ENCRYPTED fields that do
// not declare an index strategy.
const StrategyEncryptedValue models.IndexStrategy = "encrypted_value"

// Transformer converts values for storage and for querying.
type Transformer interface {
	Strategy() models.IndexStrategy
	TransformForStorage(field string, value any, cfg models.FieldSecurityConfig) (any, error)
	TransformForQuery(field string, value any, cfg models.FieldSecurityConfig) (any, error)
	SupportsCapability(capability models.SearchCapability) bool
}

// Reverser is implemented by transformers whose storage form can be turned
// back into the original value. Bucketed and deterministic storage is lossy
// and deliberately does not implement it.
type Reverser interface {
	RestoreFromStorage(field string, stored any, cfg models.FieldSecurityConfig) (any, error)
}

// Range is a closed numeric query interval.
type Range struct {
	Min float64
	Max float64
}

// TimeRange is a closed time query interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Deps are the registry-scoped collaborators a transformer may need.
type Deps struct {
	Keys     *Keys
	Temporal *temporal.Encoder
}

// Constructor builds a transformer for one registry.
type Constructor func(deps Deps) (Transformer, error)

// Factory is an open strategy -> constructor table. New strategies are added
// with Register instead of extending a closed enumeration.
type Factory struct {
	mu           sync.RWMutex
	constructors map[models.IndexStrategy]Constructor
}

// NewFactory returns a factory with the built-in strategies registered.
func NewFactory() *Factory {
	f := &Factory{constructors: make(map[models.IndexStrategy]Constructor)}
	f.Register(models.IndexIdentity, func(Deps) (Transformer, error) { return Identity{}, nil })
	f.Register(models.IndexDeterministic, func(d Deps) (Transformer, error) { return NewDeterministic(d.Keys) })
	f.Register(models.IndexBucketed, func(Deps) (Transformer, error) { return Bucketed{}, nil })
	f.Register(models.IndexBlind, func(d Deps) (Transformer, error) { return NewBlindIndex(d.Keys) })
	f.Register(models.IndexTemporalOffset, func(d Deps) (Transformer, error) { return NewTemporalOffset(d.Temporal) })
	f.Register(StrategyEncryptedValue, func(d Deps) (Transformer, error) { return NewEncrypted(d.Keys) })
	return f
}

// Register installs or replaces the constructor for a strategy.
func (f *Factory) Register(strategy models.IndexStrategy, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[strategy] = ctor
}

// Strategies lists the registered strategy names.
func (f *Factory) Strategies() []models.IndexStrategy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.IndexStrategy, 0, len(f.constructors))
	for s := range f.constructors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve picks the transformer for a field configuration.
func (f *Factory) Resolve(field string, cfg models.FieldSecurityConfig, deps Deps) (Transformer, error) {
	strategy := cfg.IndexStrategy
	if strategy == "" || strategy == models.IndexNone {
		strategy = models.IndexIdentity
		if cfg.ObfuscationLevel == models.ObfuscationEncrypted {
			strategy = StrategyEncryptedValue
		}
	}

	f.mu.RLock()
	ctor, ok := f.constructors[strategy]
	f.mu.RUnlock()
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeConfiguration,
			"field %q: no transformer registered for index strategy %q", field, strategy)
	}
	t, err := ctor(deps)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration,
			fmt.Sprintf("field %q: build %s transformer", field, strategy))
	}
	return t, nil
}

// Canonical renders a value as the string that keyed hashes are computed over.
// Times are normalized to UTC so the same instant always hashes the same.
func Canonical(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case *time.Time:
		if v == nil {
			return "", nil
		}
		return v.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("canonicalize %T: %w", value, err)
		}
		return string(raw), nil
	}
}

// ToFloat converts the numeric shapes that reach transformers (Go numbers and
// JSON-decoded numbers) into float64.
func ToFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", value)
	}
}

// decodeInto converts a stored value (either the typed struct or its
// JSON-decoded map form) into dst.
func decodeInto(stored any, dst any) error {
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
