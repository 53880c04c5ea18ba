package model

import "time"

// Event types endpoints can subscribe to.
const (
	EventScanCompleted      = "scan.completed"
	EventGateFailed         = "gate.failed"
	EventViolationCreated   = "violation.created"
	EventGroundingDegraded  = "grounding.degraded"
	EventCredentialExpiring = "credential.expiring"
	EventSyncFailed         = "sync.failed"
	EventProjectCreated     = "project.created"
	EventProjectDeleted     = "project.deleted"
	EventPing               = "ping"
)

// KnownEventTypes is the set of event types accepted at endpoint registration.
var KnownEventTypes = map[string]struct{}{
	EventScanCompleted:      {},
	EventGateFailed:         {},
	EventViolationCreated:   {},
	EventGroundingDegraded:  {},
	EventCredentialExpiring: {},
	EventSyncFailed:         {},
	EventProjectCreated:     {},
	EventProjectDeleted:     {},
	EventPing:               {},
}

// Event is the tenant-scoped payload handed to the dispatcher. Its marshalled
// bytes are snapshotted per delivery; the signed bytes and the wire body are
// always the same byte sequence.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	TenantID string         `json:"tenantId"`
	TS       string         `json:"ts"`
	Data     map[string]any `json:"data,omitempty"`
}

// EndpointRequest is the registration input.
type EndpointRequest struct {
	TenantID  string   `json:"tenantId"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	CreatedBy string   `json:"createdBy,omitempty"`
}

// Endpoint is a tenant-owned webhook registration. Signing secrets are never
// stored; only a fingerprint of the derived key is retained for audit.
type Endpoint struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenantId"`
	URL                 string     `json:"url"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	SecretVersion       int        `json:"secretVersion"`
	SecretHash          string     `json:"secretHash,omitempty"`
	NewSecretHash       string     `json:"newSecretHash,omitempty"`
	RotationStartedAt   *time.Time `json:"rotationStartedAt,omitempty"`
	CreatedBy           string     `json:"createdBy,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Rotating reports whether a secret rotation is in progress.
func (e Endpoint) Rotating() bool { return e.RotationStartedAt != nil }

// Subscribed reports whether the endpoint subscribes to the given event type.
func (e Endpoint) Subscribed(eventType string) bool {
	for _, t := range e.Events {
		if t == eventType {
			return true
		}
	}
	return false
}
