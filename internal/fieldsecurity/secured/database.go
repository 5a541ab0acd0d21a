package secured

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mallku/internal/docstore"
	"mallku/internal/fieldsecurity/metrics"
	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/registry"
	"mallku/internal/fieldsecurity/transform"
	dErrors "mallku/pkg/domain-errors"
	audit "mallku/pkg/platform/audit"
	"mallku/pkg/requestcontext"
)

// RegistrySource loads the registry once and persists it after writes that
// minted mappings. store.SQLiteStore and store.PostgresStore satisfy it.
type RegistrySource interface {
	LoadRegistry(ctx context.Context) (*registry.Registry, error)
	SaveRegistry(ctx context.Context, reg *registry.Registry) error
}

// SecurityAuditor receives security violations. The buffered security
// publisher in pkg/platform/audit satisfies it.
type SecurityAuditor interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

type staticSource struct {
	reg *registry.Registry
}

// Static serves an already loaded registry and never persists it.
func Static(reg *registry.Registry) RegistrySource {
	return staticSource{reg: reg}
}

func (s staticSource) LoadRegistry(context.Context) (*registry.Registry, error) {
	return s.reg, nil
}

func (staticSource) SaveRegistry(context.Context, *registry.Registry) error {
	return nil
}

// Database wraps a raw document database. The raw handle is never exposed.
type Database struct {
	raw    docstore.Database
	source RegistrySource
	keys   *transform.Keys

	codecOpts []CodecOption
	logger    *slog.Logger
	metrics   *metrics.Metrics
	auditor   SecurityAuditor

	loadGroup singleflight.Group
	stateMu   sync.RWMutex
	codec     *Codec

	saveMu       sync.Mutex
	savedVersion uint64

	policyMu sync.RWMutex
	policies map[string]CollectionSecurityPolicy
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Database) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics enables Prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Database) {
		d.metrics = m
		d.codecOpts = append(d.codecOpts, WithCodecMetrics(m))
	}
}

// WithAuditor sends security violations to an audit publisher.
func WithAuditor(a SecurityAuditor) Option {
	return func(d *Database) {
		d.auditor = a
	}
}

// WithCodecOptions passes options to the codec built after the registry loads.
func WithCodecOptions(opts ...CodecOption) Option {
	return func(d *Database) {
		d.codecOpts = append(d.codecOpts, opts...)
	}
}

// NewDatabase wraps raw. The registry is loaded from source on first use.
func NewDatabase(raw docstore.Database, source RegistrySource, keys *transform.Keys, opts ...Option) *Database {
	d := &Database{
		raw:      raw,
		source:   source,
		keys:     keys,
		logger:   slog.Default(),
		policies: make(map[string]CollectionSecurityPolicy),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterPolicy installs the policy for its collection.
func (d *Database) RegisterPolicy(policy CollectionSecurityPolicy) error {
	if err := docstore.ValidateName(policy.CollectionName); err != nil {
		return dErrors.Wrap(err, dErrors.CodeConfiguration, "register collection policy")
	}
	d.policyMu.Lock()
	defer d.policyMu.Unlock()
	d.policies[policy.CollectionName] = policy
	return nil
}

// Policy returns the policy for a collection. Unregistered collections get a
// permissive policy and a warning.
func (d *Database) Policy(ctx context.Context, name string) CollectionSecurityPolicy {
	d.policyMu.RLock()
	policy, ok := d.policies[name]
	d.policyMu.RUnlock()
	if ok {
		return policy
	}
	d.logger.WarnContext(ctx, "collection has no security policy; using permissive policy",
		"collection", name,
	)
	return PermissivePolicy(name)
}

// Registry loads (once) and returns the field registry.
func (d *Database) Registry(ctx context.Context) (*registry.Registry, error) {
	codec, err := d.loadCodec(ctx)
	if err != nil {
		return nil, err
	}
	return codec.Registry(), nil
}

// Codec loads (once) and returns the codec bound to the registry.
func (d *Database) Codec(ctx context.Context) (*Codec, error) {
	return d.loadCodec(ctx)
}

// Collection returns the secured handle for name, creating the collection
// when it does not exist yet.
func (d *Database) Collection(ctx context.Context, name string) (*Collection, error) {
	codec, err := d.loadCodec(ctx)
	if err != nil {
		return nil, err
	}
	policy := d.Policy(ctx, name)

	exists, err := d.raw.HasCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	var raw docstore.Collection
	if exists {
		raw, err = d.raw.Collection(ctx, name)
	} else {
		raw, err = d.raw.CreateCollection(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	return &Collection{db: d, raw: raw, codec: codec, policy: policy}, nil
}

// Row is one query result. Model is set when the collection's policy names a
// single model type; Document is always the stored form.
type Row struct {
	Key      string
	Model    Model
	Residual Residual
	Document docstore.Document
}

// ExecuteSecuredQuery runs q with bind variables. Time-valued bind variables
// are shifted by the registry's temporal offset, and a first path segment that
// names a registered field is rewritten to where that field is stored.
func (d *Database) ExecuteSecuredQuery(ctx context.Context, q docstore.Query, bindVars map[string]any) (rows []Row, err error) {
	start := time.Now()
	defer func() {
		d.observe(q.Collection, "query", err, start)
	}()

	codec, err := d.loadCodec(ctx)
	if err != nil {
		return nil, err
	}
	policy := d.Policy(ctx, q.Collection)

	vars, err := encodeBindVars(codec, q, bindVars)
	if err != nil {
		return nil, err
	}
	rewritten := q
	rewritten.Filter = make(docstore.Filter, len(q.Filter))
	for i, c := range q.Filter {
		if len(c.Path) > 0 {
			if mapping, ok := codec.Registry().Mapping(c.Path[0]); ok {
				c.Path = append(codec.StoragePath(mapping), c.Path[1:]...)
			}
		}
		rewritten.Filter[i] = c
	}

	docs, err := d.raw.Query(ctx, rewritten, vars)
	if err != nil {
		return nil, err
	}
	return decodeRows(codec, policy, docs)
}

// persist saves the registry when the write minted mappings or generated the
// temporal offset. The document write must not happen if this fails.
func (d *Database) persist(ctx context.Context, reg *registry.Registry) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	version := reg.Version()
	if version == d.savedVersion {
		return nil
	}
	if err := d.source.SaveRegistry(ctx, reg); err != nil {
		return dErrors.Wrap(err, dErrors.CodePersistence, "persist field registry")
	}
	d.savedVersion = version
	return nil
}

func (d *Database) loadCodec(ctx context.Context) (*Codec, error) {
	d.stateMu.RLock()
	codec := d.codec
	d.stateMu.RUnlock()
	if codec != nil {
		return codec, nil
	}

	v, err, _ := d.loadGroup.Do("registry", func() (any, error) {
		d.stateMu.RLock()
		existing := d.codec
		d.stateMu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		reg, err := d.source.LoadRegistry(ctx)
		if err != nil {
			return nil, err
		}
		c := NewCodec(reg, d.keys, d.codecOpts...)
		d.stateMu.Lock()
		d.codec = c
		d.stateMu.Unlock()
		d.saveMu.Lock()
		d.savedVersion = reg.Version()
		d.saveMu.Unlock()
		d.logger.InfoContext(ctx, "field registry loaded", "mappings", reg.Len())
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Codec), nil
}

// violation records a rejected operation in logs, metrics and the audit
// trail, and returns err unchanged.
func (d *Database) violation(ctx context.Context, collection, operation string, subject reflect.Type, err error) error {
	d.logger.WarnContext(ctx, "security violation",
		"log_type", "audit",
		"collection", collection,
		"operation", operation,
		"model", TypeName(subject),
		"error", err,
	)
	d.metrics.IncrementViolation(collection, operation)
	if d.auditor != nil {
		d.auditor.Emit(ctx, audit.SecurityEvent{
			Subject:    TypeName(subject),
			Action:     string(audit.EventSecurityViolation),
			Reason:     err.Error(),
			Collection: collection,
			Operation:  operation,
			RequestID:  requestcontext.RequestID(ctx),
			ActorID:    requestcontext.Actor(ctx),
			Severity:   audit.SeverityCritical,
		})
	}
	return err
}

func (d *Database) observe(collection, operation string, err error, start time.Time) {
	d.metrics.IncrementSecuredOperation(collection, operation, err)
	if err != nil && !dErrors.HasCode(err, dErrors.CodeSecurityViolation) {
		d.logger.Debug("secured operation failed",
			"collection", collection,
			"operation", operation,
			"duration", time.Since(start),
			"error", err,
		)
	}
}

// encodeBindVars shifts time-valued bind variables by the temporal offset.
// A variable bound to a field stored with a precision is truncated first.
func encodeBindVars(codec *Codec, q docstore.Query, vars map[string]any) (map[string]any, error) {
	if len(vars) == 0 {
		return vars, nil
	}
	precisions := make(map[string]models.TemporalPrecision)
	for _, c := range q.Filter {
		if c.Param == "" || len(c.Path) == 0 {
			continue
		}
		if _, seen := precisions[c.Param]; seen {
			continue
		}
		if mapping, ok := codec.Registry().Mapping(c.Path[0]); ok {
			precisions[c.Param] = mapping.SecurityConfig.TemporalPrecision
		}
	}

	out := make(map[string]any, len(vars))
	for name, value := range vars {
		var ts *time.Time
		switch v := value.(type) {
		case time.Time:
			ts = &v
		case *time.Time:
			ts = v
		}
		if ts == nil {
			out[name] = value
			continue
		}
		encoder, err := codec.Registry().TemporalEncoder()
		if err != nil {
			return nil, err
		}
		precision := precisions[name]
		if precision == "" {
			out[name] = encoder.Encode(*ts)
			continue
		}
		encoded, err := encoder.EncodeWithPrecision(*ts, precision)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, fmt.Sprintf("bind variable %q", name))
		}
		out[name] = encoded
	}
	return out, nil
}

func decodeRows(codec *Codec, policy CollectionSecurityPolicy, docs []docstore.Document) ([]Row, error) {
	decodeType := policy.DecodeType()
	rows := make([]Row, 0, len(docs))
	for _, doc := range docs {
		row := Row{Key: doc.Key(), Document: doc}
		if decodeType != nil {
			instance, ok := reflect.New(decodeType).Interface().(Model)
			if ok {
				res, err := codec.FromStorage(doc, instance)
				if err != nil {
					return nil, err
				}
				row.Model = instance
				row.Residual = res
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
