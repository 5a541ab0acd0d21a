package transform

import (
	"errors"
	"fmt"
	"time"

	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/temporal"
	dErrors "mallku/pkg/domain-errors"
)

// EncodedRange is the query form of a TimeRange; both ends are shifted by the
// same offset so the interval keeps its duration.
type EncodedRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TemporalOffset shifts timestamps by the registry-wide offset.
type TemporalOffset struct {
	encoder *temporal.Encoder
}

func NewTemporalOffset(encoder *temporal.Encoder) (*TemporalOffset, error) {
	if encoder == nil {
		return nil, errors.New("temporal offset transformer needs an encoder")
	}
	return &TemporalOffset{encoder: encoder}, nil
}

func (t *TemporalOffset) Strategy() models.IndexStrategy { return models.IndexTemporalOffset }

func (t *TemporalOffset) TransformForStorage(field string, value any, cfg models.FieldSecurityConfig) (any, error) {
	ts, err := asTime(field, value)
	if err != nil {
		return nil, err
	}
	return t.encode(field, ts, cfg)
}

// TransformForQuery accepts a single instant or a TimeRange. Fields stored
// with a precision have both range ends truncated to it, so a range matches
// every stored unit it overlaps.
func (t *TemporalOffset) TransformForQuery(field string, value any, cfg models.FieldSecurityConfig) (any, error) {
	switch v := value.(type) {
	case TimeRange:
		lo, err := temporal.Truncate(v.Start, cfg.TemporalPrecision)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, fmt.Sprintf("field %q", field))
		}
		hi, err := temporal.Truncate(v.End, cfg.TemporalPrecision)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, fmt.Sprintf("field %q", field))
		}
		start, end, err := t.encoder.EncodeRange(lo, hi)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("field %q", field))
		}
		return EncodedRange{Start: start, End: end}, nil
	case *TimeRange:
		return t.TransformForQuery(field, *v, cfg)
	}
	ts, err := asTime(field, value)
	if err != nil {
		return nil, err
	}
	return t.encode(field, ts, cfg)
}

func (t *TemporalOffset) SupportsCapability(c models.SearchCapability) bool {
	switch c {
	case models.SearchRange, models.SearchOrdering, models.SearchEquality:
		return true
	default:
		return false
	}
}

// RestoreFromStorage undoes the offset. Values stored with a precision come
// back truncated to it.
func (t *TemporalOffset) RestoreFromStorage(field string, stored any, _ models.FieldSecurityConfig) (any, error) {
	f, err := ToFloat(stored)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", field, err)
	}
	return t.encoder.Decode(f), nil
}

func (t *TemporalOffset) encode(field string, ts time.Time, cfg models.FieldSecurityConfig) (float64, error) {
	if cfg.TemporalPrecision == "" {
		return t.encoder.Encode(ts), nil
	}
	encoded, err := t.encoder.EncodeWithPrecision(ts, cfg.TemporalPrecision)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeConfiguration, fmt.Sprintf("field %q", field))
	}
	return encoded, nil
}

func asTime(field string, value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case *time.Time:
		if v != nil {
			return *v, nil
		}
	case string:
		ts, err := temporal.ParseAware(v)
		if err != nil {
			return time.Time{}, dErrors.Wrap(err, dErrors.CodeConfiguration, fmt.Sprintf("field %q", field))
		}
		return ts, nil
	}
	return time.Time{}, dErrors.Newf(dErrors.CodeValidation, "field %q: %T is not a timestamp", field, value)
}
