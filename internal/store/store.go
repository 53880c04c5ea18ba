package store

import (
    "context"
    "errors"
    "time"

    "hookrelay/internal/model"
)

// Store is the persistence interface for endpoints and delivery records.
// Counter updates and retry claims must be atomic at the storage layer;
// callers never read-modify-write shared state in application code.
type Store interface {
    // Endpoints. IDs and secret hashes are assigned by the caller so key
    // derivation stays outside the storage layer.
    CreateEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, error)
    GetEndpoint(ctx context.Context, tenantID, id string) (model.Endpoint, error)
    EndpointByID(ctx context.Context, id string) (model.Endpoint, error)
    ListEndpoints(ctx context.Context, tenantID, cursor string, limit int) ([]model.Endpoint, string, error)
    DeleteEndpoint(ctx context.Context, tenantID, id string) error
    EndpointsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Endpoint, error)

    // SetEndpointActive flips the active flag; reactivating resets the
    // consecutive-failure counter to zero.
    SetEndpointActive(ctx context.Context, tenantID, id string, active bool) error
    // BumpEndpointFailures atomically increments the consecutive-failure
    // counter and returns the new value.
    BumpEndpointFailures(ctx context.Context, id string) (int, error)
    // ResetEndpointFailures atomically sets the counter to zero.
    ResetEndpointFailures(ctx context.Context, id string) error
    // OpenEndpointCircuit deactivates an endpoint that crossed the
    // failure threshold.
    OpenEndpointCircuit(ctx context.Context, id string) error

    // StartEndpointRotation records the new-secret hash and rotation start;
    // fails with ErrRotationInProgress if one is already running.
    StartEndpointRotation(ctx context.Context, tenantID, id, newHash string, at time.Time) (model.Endpoint, error)
    // CompleteEndpointRotation promotes the new secret: version+1, current
    // hash replaced, rotation fields cleared.
    CompleteEndpointRotation(ctx context.Context, id string) (model.Endpoint, error)

    // Deliveries
    CreateDelivery(ctx context.Context, d Delivery) error
    GetDelivery(ctx context.Context, tenantID, id string) (Delivery, error)
    // ClaimDueDeliveries moves up to limit due pending records (oldest due
    // first) to in_flight and returns them; a record claimed by one sweep is
    // invisible to concurrent sweeps. Records stuck in_flight since before
    // staleBefore are reclaimed.
    ClaimDueDeliveries(ctx context.Context, now, staleBefore time.Time, limit int) ([]Delivery, error)
    // MarkDelivered finishes a record: attempts+1, terminal delivered state.
    MarkDelivered(ctx context.Context, id string, code int, body string, latencyMs int) error
    // RescheduleDelivery records a failed attempt that still has retries
    // left: attempts+1, back to pending with the given next_retry_at.
    RescheduleDelivery(ctx context.Context, id string, nextAt time.Time, code int, body string, latencyMs int) error
    // DeadLetterDelivery terminates a record; attempted controls whether the
    // attempt counter advances (false when the endpoint was gone and no HTTP
    // call was made).
    DeadLetterDelivery(ctx context.Context, id string, attempted bool, code int, body string, latencyMs int) error
    // RequeueDelivery re-pends a dead-lettered record with a fresh attempt
    // budget (admin operation).
    RequeueDelivery(ctx context.Context, tenantID, id string) error
    ListDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
    // DeliveryStats aggregates outcome counts and latency buckets per
    // event type and status.
    DeliveryStats(ctx context.Context, tenantID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error)
}

var (
    ErrNotFound           = errors.New("not found")
    ErrRotationInProgress = errors.New("secret rotation already in progress")
)

// Delivery statuses. Transitions are monotone: pending (or in_flight while
// claimed) can end in delivered or dead_letter; terminal records never move.
const (
    StatusPending    = "pending"
    StatusInFlight   = "in_flight"
    StatusDelivered  = "delivered"
    StatusDeadLetter = "dead_letter"
)

// Delivery is one attempt-history record for one event sent to one endpoint.
type Delivery struct {
    ID           string
    EndpointID   string
    TenantID     string
    EventType    string
    Payload      []byte
    DedupKey     string // stable across retries of this record
    Status       string
    ResponseCode int
    ResponseBody string
    Attempts     int
    MaxAttempts  int
    NextRetryAt  *time.Time
    DeliveredAt  *time.Time
    LatencyMs    int
    CreatedAt    time.Time
    UpdatedAt    time.Time
}

// Terminal reports whether the record reached a final state.
func (d Delivery) Terminal() bool {
    return d.Status == StatusDelivered || d.Status == StatusDeadLetter
}
