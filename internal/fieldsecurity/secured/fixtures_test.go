package secured

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/registry"
	"mallku/internal/fieldsecurity/transform"
	audit "mallku/pkg/platform/audit"
)

var ayniBoundaries = []float64{-1, -0.5, -0.1, 0, 0.1, 0.5, 1}

type person struct {
	Key      string `json:"_key,omitempty"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
	Secret   string `json:"secret,omitempty"`
	Internal string `json:"_internal"`
	scratch  string
}

func (person) FieldSecurity() map[string]models.FieldSecurityConfig {
	return map[string]models.FieldSecurityConfig{
		"email": {
			ObfuscationLevel:   models.ObfuscationEncrypted,
			IndexStrategy:      models.IndexBlind,
			SearchCapabilities: []models.SearchCapability{models.SearchEquality},
		},
		"nickname": {ObfuscationLevel: models.ObfuscationNone},
		"secret":   {ObfuscationLevel: models.ObfuscationEncrypted},
	}
}

type scoreRecord struct {
	Key         string    `json:"_key,omitempty"`
	Participant string    `json:"participant_id"`
	Score       float64   `json:"ayni_score"`
	RecordedAt  time.Time `json:"recorded_at"`
}

func (scoreRecord) FieldSecurity() map[string]models.FieldSecurityConfig {
	return map[string]models.FieldSecurityConfig{
		"participant_id": {
			ObfuscationLevel:   models.ObfuscationEncrypted,
			IndexStrategy:      models.IndexDeterministic,
			SearchCapabilities: []models.SearchCapability{models.SearchEquality},
		},
		"ayni_score": {
			ObfuscationLevel:   models.ObfuscationEncrypted,
			IndexStrategy:      models.IndexBucketed,
			SearchCapabilities: []models.SearchCapability{models.SearchRange},
			BucketBoundaries:   ayniBoundaries,
		},
		"recorded_at": {
			ObfuscationLevel:   models.ObfuscationEncrypted,
			IndexStrategy:      models.IndexTemporalOffset,
			SearchCapabilities: []models.SearchCapability{models.SearchRange, models.SearchOrdering},
		},
	}
}

func (r scoreRecord) Validate() error {
	if r.Score < -1 || r.Score > 1 {
		return fmt.Errorf("ayni_score %v outside [-1, 1]", r.Score)
	}
	return nil
}

// visitRecord stores its timestamp at day precision.
type visitRecord struct {
	Key       string    `json:"_key,omitempty"`
	Site      string    `json:"site"`
	VisitedAt time.Time `json:"visited_at"`
}

func (visitRecord) FieldSecurity() map[string]models.FieldSecurityConfig {
	return map[string]models.FieldSecurityConfig{
		"site": {ObfuscationLevel: models.ObfuscationNone},
		"visited_at": {
			ObfuscationLevel:   models.ObfuscationEncrypted,
			IndexStrategy:      models.IndexTemporalOffset,
			SearchCapabilities: []models.SearchCapability{models.SearchRange},
			TemporalPrecision:  models.PrecisionDay,
		},
	}
}

// plainRecord is not a secured model.
type plainRecord struct {
	Email string `json:"email"`
}

func testKeys() *transform.Keys {
	keys, err := transform.DeriveKeys([]byte("mallku-test-master-secret"))
	if err != nil {
		panic(err)
	}
	return keys
}

type recordingSource struct {
	mu      sync.Mutex
	reg     *registry.Registry
	saves   int
	saveErr error
}

func (s *recordingSource) LoadRegistry(context.Context) (*registry.Registry, error) {
	return s.reg, nil
}

func (s *recordingSource) SaveRegistry(context.Context, *registry.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	return nil
}

func (s *recordingSource) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (a *recordingAuditor) Emit(_ context.Context, event audit.SecurityEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) recorded() []audit.SecurityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.SecurityEvent(nil), a.events...)
}

var errSaveFailed = errors.New("disk full")
