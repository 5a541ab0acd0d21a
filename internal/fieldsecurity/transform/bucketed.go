package transform

import (
	"fmt"
	"math"
	"strconv"

	"mallku/internal/fieldsecurity/models"
	dErrors "mallku/pkg/domain-errors"
)

// Unbounded bucket edges are stored as the largest finite floats so the
// stored form stays JSON-encodable.
const (
	lowerUnbounded = -math.MaxFloat64
	upperUnbounded = math.MaxFloat64

	labelNegInf = "-inf"
	labelPosInf = "inf"
)

// Bucket is the stored form of a bucketed value. Buckets are half-open:
// a value equal to a boundary belongs to the bucket that boundary starts.
type Bucket struct {
	Min   float64 `json:"bucket_min"`
	Max   float64 `json:"bucket_max"`
	Label string  `json:"bucket_label"`
}

// BucketQuery is the query form of a range over a bucketed field. A stored
// bucket overlaps the range when bucket_max > query_min and
// bucket_min <= query_max.
type BucketQuery struct {
	QueryMin float64 `json:"query_min"`
	QueryMax float64 `json:"query_max"`
}

// Overlaps reports whether b intersects the queried interval.
func (q BucketQuery) Overlaps(b Bucket) bool {
	return b.Max > q.QueryMin && b.Min <= q.QueryMax
}

// Bucketed quantizes numbers into labelled ranges.
type Bucketed struct{}

func (Bucketed) Strategy() models.IndexStrategy { return models.IndexBucketed }

func (Bucketed) TransformForStorage(field string, value any, cfg models.FieldSecurityConfig) (any, error) {
	n, err := ToFloat(value)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("field %q", field))
	}
	return BucketFor(field, n, cfg.BucketBoundaries)
}

// TransformForQuery turns a Range into a BucketQuery and a single number into
// the label of the bucket holding it.
func (Bucketed) TransformForQuery(field string, value any, cfg models.FieldSecurityConfig) (any, error) {
	if len(cfg.BucketBoundaries) == 0 {
		return nil, missingBoundaries(field)
	}
	switch v := value.(type) {
	case Range:
		if v.Max < v.Min {
			return nil, dErrors.Newf(dErrors.CodeValidation, "field %q: range max %v is below min %v", field, v.Max, v.Min)
		}
		return BucketQuery{QueryMin: v.Min, QueryMax: v.Max}, nil
	case *Range:
		return Bucketed{}.TransformForQuery(field, *v, cfg)
	}
	n, err := ToFloat(value)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("field %q", field))
	}
	b, err := BucketFor(field, n, cfg.BucketBoundaries)
	if err != nil {
		return nil, err
	}
	return b.Label, nil
}

func (Bucketed) SupportsCapability(c models.SearchCapability) bool {
	switch c {
	case models.SearchRange, models.SearchOrdering, models.SearchAggregation:
		return true
	default:
		return false
	}
}

// BucketFor places value inside the bucket it falls in for the given
// ascending boundaries.
func BucketFor(field string, value float64, boundaries []float64) (Bucket, error) {
	if len(boundaries) == 0 {
		return Bucket{}, missingBoundaries(field)
	}
	if math.IsNaN(value) {
		return Bucket{}, dErrors.Newf(dErrors.CodeValidation, "field %q: NaN cannot be bucketed", field)
	}
	if value < boundaries[0] {
		return newBucket(lowerUnbounded, boundaries[0]), nil
	}
	for i := 0; i < len(boundaries)-1; i++ {
		if value >= boundaries[i] && value < boundaries[i+1] {
			return newBucket(boundaries[i], boundaries[i+1]), nil
		}
	}
	return newBucket(boundaries[len(boundaries)-1], upperUnbounded), nil
}

func newBucket(low, high float64) Bucket {
	return Bucket{Min: low, Max: high, Label: bucketLabel(low, high)}
}

func bucketLabel(low, high float64) string {
	if low == lowerUnbounded {
		return "(" + labelNegInf + ", " + formatEdge(high) + ")"
	}
	if high == upperUnbounded {
		return "[" + formatEdge(low) + ", " + labelPosInf + ")"
	}
	return "[" + formatEdge(low) + ", " + formatEdge(high) + ")"
}

func formatEdge(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func missingBoundaries(field string) error {
	return dErrors.Newf(dErrors.CodeConfiguration, "field %q: bucketed strategy requires bucket_boundaries", field)
}
