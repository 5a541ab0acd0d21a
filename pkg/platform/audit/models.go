package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
type EventCategory string

const (
	// CategoryCompliance covers changes an operator must be able to account
	// for later: configuration updates and backups of the field registry.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers policy breaches and integrity findings that feed
	// alerting.
	CategorySecurity EventCategory = "security"
)

// Event is the stored form of every audit record.
type Event struct {
	Category   EventCategory
	Timestamp  time.Time
	Subject    string
	Action     string
	Reason     string
	Collection string
	Field      string
	Operation  string
	RequestID  string
	ActorID    string
	Severity   Severity
}

type AuditEvent string

const (
	EventSecurityViolation     AuditEvent = "security_violation"
	EventIntegrityWarning      AuditEvent = "integrity_warning"
	EventSecurityConfigUpdated AuditEvent = "security_config_updated"
	EventRegistryBackupCreated AuditEvent = "registry_backup_created"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventSecurityViolation:     CategorySecurity,
	EventIntegrityWarning:      CategorySecurity,
	EventSecurityConfigUpdated: CategoryCompliance,
	EventRegistryBackupCreated: CategoryCompliance,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategorySecurity.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategorySecurity
}

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ComplianceEvent records an administrative change to field security.
// Emitted synchronously; the change fails when the record cannot be written.
type ComplianceEvent struct {
	Timestamp time.Time
	Subject   string // semantic field name or backup path
	Action    string
	Reason    string
	Field     string
	RequestID string
	ActorID   string
}

// Category returns CategoryCompliance (always).
func (e ComplianceEvent) Category() EventCategory { return CategoryCompliance }

// ToEvent converts to the stored Event.
func (e ComplianceEvent) ToEvent() Event {
	return Event{
		Category:  CategoryCompliance,
		Timestamp: e.Timestamp,
		Subject:   e.Subject,
		Action:    e.Action,
		Reason:    e.Reason,
		Field:     e.Field,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
		Severity:  SeverityInfo,
	}
}

// SecurityEvent records a rejected operation or an integrity finding.
// Emitted asynchronously through a bounded buffer.
type SecurityEvent struct {
	Timestamp  time.Time
	Subject    string // model type or registry
	Action     string
	Reason     string
	Collection string
	Operation  string
	RequestID  string
	ActorID    string
	Severity   Severity
}

// Category returns CategorySecurity (always).
func (e SecurityEvent) Category() EventCategory { return CategorySecurity }

// ToEvent converts to the stored Event.
func (e SecurityEvent) ToEvent() Event {
	return Event{
		Category:   CategorySecurity,
		Timestamp:  e.Timestamp,
		Subject:    e.Subject,
		Action:     e.Action,
		Reason:     e.Reason,
		Collection: e.Collection,
		Operation:  e.Operation,
		RequestID:  e.RequestID,
		ActorID:    e.ActorID,
		Severity:   e.Severity,
	}
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
