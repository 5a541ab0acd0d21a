package secured

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"mallku/internal/docstore"
	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/transform"
	dErrors "mallku/pkg/domain-errors"
)

const maxParallelTransforms = 8

// Collection is a secured collection handle. It has no raw mutation
// primitives: every write goes through the policy and the codec.
type Collection struct {
	db     *Database
	raw    docstore.Collection
	codec  *Codec
	policy CollectionSecurityPolicy
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.raw.Name()
}

// Policy returns the policy enforced on writes.
func (c *Collection) Policy() CollectionSecurityPolicy {
	return c.policy
}

// InsertSecured validates, transforms and stores one record.
func (c *Collection) InsertSecured(ctx context.Context, record any) (key string, err error) {
	start := time.Now()
	defer func() { c.db.observe(c.Name(), "insert", err, start) }()

	if err := c.validate(ctx, "insert", record); err != nil {
		return "", err
	}
	doc, err := c.encode(record)
	if err != nil {
		return "", err
	}
	if err := c.db.persist(ctx, c.codec.Registry()); err != nil {
		return "", err
	}
	return c.raw.Insert(ctx, doc)
}

// InsertManySecured validates every record before transforming any of them.
// One rejected record rejects the batch.
func (c *Collection) InsertManySecured(ctx context.Context, records []any) (keys []string, err error) {
	start := time.Now()
	defer func() { c.db.observe(c.Name(), "insert_many", err, start) }()

	for _, record := range records {
		if err := c.validate(ctx, "insert_many", record); err != nil {
			return nil, err
		}
	}

	docs := make([]docstore.Document, len(records))
	var g errgroup.Group
	g.SetLimit(maxParallelTransforms)
	for i, record := range records {
		g.Go(func() error {
			doc, err := c.encode(record)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := c.db.persist(ctx, c.codec.Registry()); err != nil {
		return nil, err
	}
	return c.raw.InsertMany(ctx, docs)
}

// UpdateSecured merges record's stored form into the document at key.
func (c *Collection) UpdateSecured(ctx context.Context, key string, record any) (err error) {
	start := time.Now()
	defer func() { c.db.observe(c.Name(), "update", err, start) }()

	if err := c.validate(ctx, "update", record); err != nil {
		return err
	}
	doc, err := c.encode(record)
	if err != nil {
		return err
	}
	delete(doc, docstore.KeyField)
	if err := c.db.persist(ctx, c.codec.Registry()); err != nil {
		return err
	}
	return c.raw.Update(ctx, key, doc)
}

// GetSecured loads the document at key into dst.
func (c *Collection) GetSecured(ctx context.Context, key string, dst Model) (res Residual, err error) {
	start := time.Now()
	defer func() { c.db.observe(c.Name(), "get", err, start) }()

	if !c.policy.Allows(TypeOf(dst)) {
		return Residual{}, c.db.violation(ctx, c.Name(), "get", TypeOf(dst),
			dErrors.Newf(dErrors.CodeSecurityViolation, "collection %q does not hold %s", c.Name(), TypeName(TypeOf(dst))))
	}
	doc, err := c.raw.Get(ctx, key)
	if err != nil {
		return Residual{}, err
	}
	return c.codec.FromStorage(doc, dst)
}

// Where is one condition over a semantic field. Value may be a scalar, a
// transform.Range or a transform.TimeRange; ranges ignore Op.
type Where struct {
	Field string
	Op    docstore.Op
	Value any
}

// Eq builds an equality condition.
func Eq(field string, value any) Where {
	return Where{Field: field, Op: docstore.OpEq, Value: value}
}

// Between builds a closed numeric range condition.
func Between(field string, lo, hi float64) Where {
	return Where{Field: field, Value: transform.Range{Min: lo, Max: hi}}
}

// During builds a closed time range condition. On fields stored with a
// temporal precision both bounds are truncated to that precision, so the
// result includes every record in the first and last unit the range touches.
func During(field string, start, end time.Time) Where {
	return Where{Field: field, Value: transform.TimeRange{Start: start, End: end}}
}

// FindSecured returns the records matching every condition. Each condition is
// transformed the way its field is stored, and refused when the field's
// strategy cannot serve it.
func (c *Collection) FindSecured(ctx context.Context, where []Where, limit int) (rows []Row, err error) {
	start := time.Now()
	defer func() { c.db.observe(c.Name(), "find", err, start) }()

	var filter docstore.Filter
	for _, w := range where {
		conds, err := c.compile(w)
		if err != nil {
			return nil, err
		}
		filter = append(filter, conds...)
	}
	docs, err := c.raw.Find(ctx, filter, limit)
	if err != nil {
		return nil, err
	}
	return decodeRows(c.codec, c.policy, docs)
}

// validator is implemented by records that carry domain invariants.
type validator interface {
	Validate() error
}

// validate runs the collection policy and then the record's own invariants.
// Both run before any transform or store I/O.
func (c *Collection) validate(ctx context.Context, operation string, record any) error {
	if err := c.policy.ValidateModel(record); err != nil {
		if dErrors.HasCode(err, dErrors.CodeSecurityViolation) {
			return c.db.violation(ctx, c.Name(), operation, TypeOf(record), err)
		}
		return err
	}
	v, ok := record.(validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		var coded *dErrors.Error
		if errors.As(err, &coded) {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("invalid %s record", TypeName(TypeOf(record))))
	}
	return nil
}

// encode produces the stored document. Records reaching this point on a
// permissive collection may be plain values; they are stored as they are.
func (c *Collection) encode(record any) (docstore.Document, error) {
	if m, ok := record.(Model); ok {
		return c.codec.ToStorage(m)
	}
	doc, err := docstore.Normalize(record)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "encode record")
	}
	return doc, nil
}

func (c *Collection) compile(w Where) (docstore.Filter, error) {
	mapping, ok := c.codec.Registry().Mapping(w.Field)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeValidation, "field %q is not registered", w.Field)
	}
	op := w.Op
	if op == "" {
		op = docstore.OpEq
	}
	value := w.Value
	strategy := mapping.SecurityConfig.IndexStrategy

	// Bucketed fields answer ordered comparisons as bucket ranges.
	if strategy == models.IndexBucketed && isOrdering(op) {
		if n, err := transform.ToFloat(value); err == nil {
			value = openRange(op, n)
		}
	}

	capability := capabilityFor(strategy, op, value)
	query, t, mapping, err := c.codec.TransformQueryValue(w.Field, value)
	if err != nil {
		return nil, err
	}
	if !t.SupportsCapability(capability) {
		return nil, dErrors.Newf(dErrors.CodeValidation,
			"field %q (%s) does not support %s queries", w.Field, t.Strategy(), capability)
	}

	path := c.codec.StoragePath(mapping)
	member := func(name string) []string {
		return append(append([]string(nil), path...), name)
	}

	switch q := query.(type) {
	case transform.BucketQuery:
		return docstore.Filter{
			{Path: member("bucket_max"), Op: docstore.OpGt, Value: q.QueryMin},
			{Path: member("bucket_min"), Op: docstore.OpLte, Value: q.QueryMax},
		}, nil
	case transform.EncodedRange:
		return docstore.Filter{
			{Path: path, Op: docstore.OpGte, Value: q.Start},
			{Path: path, Op: docstore.OpLte, Value: q.End},
		}, nil
	case transform.Range:
		return docstore.Filter{
			{Path: path, Op: docstore.OpGte, Value: q.Min},
			{Path: path, Op: docstore.OpLte, Value: q.Max},
		}, nil
	case transform.TimeRange:
		return docstore.Filter{
			{Path: path, Op: docstore.OpGte, Value: q.Start.UTC().Format(time.RFC3339Nano)},
			{Path: path, Op: docstore.OpLte, Value: q.End.UTC().Format(time.RFC3339Nano)},
		}, nil
	}

	switch strategy {
	case models.IndexBlind:
		return docstore.Filter{{Path: member("blind_index"), Op: op, Value: query}}, nil
	case models.IndexBucketed:
		return docstore.Filter{{Path: member("bucket_label"), Op: op, Value: query}}, nil
	}
	normalized, err := normalizeScalar(query)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("field %q", w.Field))
	}
	return docstore.Filter{{Path: path, Op: op, Value: normalized}}, nil
}

func isOrdering(op docstore.Op) bool {
	switch op {
	case docstore.OpGt, docstore.OpGte, docstore.OpLt, docstore.OpLte:
		return true
	default:
		return false
	}
}

func openRange(op docstore.Op, n float64) transform.Range {
	if op == docstore.OpGt || op == docstore.OpGte {
		return transform.Range{Min: n, Max: math.MaxFloat64}
	}
	return transform.Range{Min: -math.MaxFloat64, Max: n}
}

// capabilityFor names what a condition asks of a field. A point lookup on a
// bucketed field is bucket membership, which is a range question.
func capabilityFor(strategy models.IndexStrategy, op docstore.Op, value any) models.SearchCapability {
	switch value.(type) {
	case transform.Range, *transform.Range, transform.TimeRange, *transform.TimeRange:
		return models.SearchRange
	}
	if strategy == models.IndexBucketed {
		return models.SearchRange
	}
	if isOrdering(op) {
		return models.SearchOrdering
	}
	return models.SearchEquality
}

// normalizeScalar gives query values the shape stored values have after JSON
// decoding, so backends compare like with like.
func normalizeScalar(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	}
	if n, err := transform.ToFloat(v); err == nil {
		return n, nil
	}
	doc, err := docstore.Normalize(map[string]any{"v": v})
	if err != nil {
		return nil, err
	}
	return doc["v"], nil
}
