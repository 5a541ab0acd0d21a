// Package temporal shifts timestamps by a fixed, registry-scoped offset so
// stored times hide absolute dates while keeping order and durations intact.
package temporal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"mallku/internal/fieldsecurity/models"
)

// MaxOffsetSeconds bounds randomly generated offsets to roughly ten years.
const MaxOffsetSeconds int64 = 315_360_000

// ErrNaiveTimestamp is returned for timestamps without zone information.
var ErrNaiveTimestamp = errors.New("timestamp has no timezone information")

// Encoder applies one offset to every timestamp it sees.
type Encoder struct {
	offsetSeconds int64
}

// NewEncoder returns an encoder with a fixed offset.
func NewEncoder(offsetSeconds int64) *Encoder {
	return &Encoder{offsetSeconds: offsetSeconds}
}

// NewRandomEncoder draws an offset uniformly from [-MaxOffsetSeconds, MaxOffsetSeconds].
func NewRandomEncoder() (*Encoder, error) {
	offset, err := RandomOffset()
	if err != nil {
		return nil, err
	}
	return NewEncoder(offset), nil
}

// RandomOffset draws a signed offset with crypto/rand.
func RandomOffset() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(2*MaxOffsetSeconds+1))
	if err != nil {
		return 0, fmt.Errorf("generate temporal offset: %w", err)
	}
	return n.Int64() - MaxOffsetSeconds, nil
}

// OffsetSeconds returns the configured shift.
func (e *Encoder) OffsetSeconds() int64 {
	return e.offsetSeconds
}

// Encode returns UTC epoch seconds plus the offset.
func (e *Encoder) Encode(t time.Time) float64 {
	return epochSeconds(t) + float64(e.offsetSeconds)
}

// Decode inverts Encode. The result is UTC and rounded to the microsecond,
// which is the precision float64 epoch seconds can carry for current dates.
func (e *Encoder) Decode(encoded float64) time.Time {
	shifted := encoded - float64(e.offsetSeconds)
	sec, frac := math.Modf(shifted)
	nanos := math.Round(frac*1e6) * 1e3
	return time.Unix(int64(sec), int64(nanos)).UTC().Round(time.Microsecond)
}

// EncodeWithPrecision truncates t to the precision boundary (in UTC) before
// offsetting, so nearby timestamps collapse to the same encoded value.
func (e *Encoder) EncodeWithPrecision(t time.Time, precision models.TemporalPrecision) (float64, error) {
	truncated, err := Truncate(t, precision)
	if err != nil {
		return 0, err
	}
	return e.Encode(truncated), nil
}

// EncodeRange offsets both ends identically so end-start is preserved exactly.
func (e *Encoder) EncodeRange(start, end time.Time) (float64, float64, error) {
	if end.Before(start) {
		return 0, 0, fmt.Errorf("range end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return e.Encode(start), e.Encode(end), nil
}

// Truncate cuts t down to a minute, hour or day boundary in UTC. An empty
// precision returns t unchanged.
func Truncate(t time.Time, precision models.TemporalPrecision) (time.Time, error) {
	utc := t.UTC()
	switch precision {
	case "":
		return utc, nil
	case models.PrecisionMinute:
		return utc.Truncate(time.Minute), nil
	case models.PrecisionHour:
		return utc.Truncate(time.Hour), nil
	case models.PrecisionDay:
		return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("unknown temporal precision %q", precision)
	}
}

// ParseAware parses an RFC 3339 timestamp and rejects inputs without an offset.
func ParseAware(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if _, err := time.Parse(layout, value); err == nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrNaiveTimestamp, value)
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: expected RFC 3339", value)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
