package store

import (
    "context"
    "fmt"
    "sort"
    "sync"
    "time"

    "hookrelay/internal/model"
)

// Memory is a mutex-guarded in-memory store used when no DATABASE_URL is set
// and throughout the test suite. Counter and claim operations are atomic by
// virtue of the single lock.
type Memory struct {
    mu         sync.Mutex
    endpoints  map[string]*model.Endpoint // id -> endpoint
    epByTenant map[string][]string        // tenant -> endpoint ids
    deliveries map[string]*Delivery       // id -> delivery
    dlByTenant map[string][]string        // tenant -> delivery ids
}

func NewMemory() *Memory {
    return &Memory{
        endpoints:  map[string]*model.Endpoint{},
        epByTenant: map[string][]string{},
        deliveries: map[string]*Delivery{},
        dlByTenant: map[string][]string{},
    }
}

func (m *Memory) CreateEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now().UTC()
    ep.CreatedAt, ep.UpdatedAt = now, now
    ep.Active = true
    cp := ep
    m.endpoints[ep.ID] = &cp
    m.epByTenant[ep.TenantID] = append(m.epByTenant[ep.TenantID], ep.ID)
    return ep, nil
}

func (m *Memory) GetEndpoint(ctx context.Context, tenantID, id string) (model.Endpoint, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ep := m.endpoints[id]
    if ep == nil || ep.TenantID != tenantID { return model.Endpoint{}, ErrNotFound }
    return *ep, nil
}

func (m *Memory) EndpointByID(ctx context.Context, id string) (model.Endpoint, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ep := m.endpoints[id]
    if ep == nil { return model.Endpoint{}, ErrNotFound }
    return *ep, nil
}

func (m *Memory) ListEndpoints(ctx context.Context, tenantID, cursor string, limit int) ([]model.Endpoint, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.epByTenant[tenantID]
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []model.Endpoint{}
    next := ""
    for i := start; i < len(ids) && len(out) < limit; i++ {
        if ep := m.endpoints[ids[i]]; ep != nil { out = append(out, *ep) }
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

// DeleteEndpoint removes the endpoint and cascades its delivery history.
func (m *Memory) DeleteEndpoint(ctx context.Context, tenantID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    ep := m.endpoints[id]
    if ep == nil || ep.TenantID != tenantID { return ErrNotFound }
    delete(m.endpoints, id)
    m.epByTenant[tenantID] = removeID(m.epByTenant[tenantID], id)
    kept := []string{}
    for _, did := range m.dlByTenant[tenantID] {
        d := m.deliveries[did]
        if d != nil && d.EndpointID == id {
            delete(m.deliveries, did)
            continue
        }
        kept = append(kept, did)
    }
    m.dlByTenant[tenantID] = kept
    return nil
}

func (m *Memory) EndpointsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Endpoint, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Endpoint{}
    for _, id := range m.epByTenant[tenantID] {
        ep := m.endpoints[id]
        if ep == nil || !ep.Active { continue }
        if ep.Subscribed(eventType) { out = append(out, *ep) }
    }
    return out, nil
}

func (m *Memory) SetEndpointActive(ctx context.Context, tenantID, id string, active bool) error {
    m.mu.Lock(); defer m.mu.Unlock()
    ep := m.endpoints[id]
    if ep == nil || ep.TenantID != tenantID { return ErrNotFound }
    ep.Active = active
    if active { ep.ConsecutiveFailures = 0 }
    ep.UpdatedAt = time.Now().UTC()
    return nil
}

func (m *Memory) BumpEndpointFailures(ctx context.Context, id string) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ep := m.endpoints[id]
    if ep == nil { return 0, ErrNotFound }
    ep.ConsecutiveFailures++
    ep.UpdatedAt = time.Now().UTC()
    return ep.ConsecutiveFailures, nil
}

func (m *Memory) ResetEndpointFailures(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    ep := m.endpoints[id]
    if ep == nil { return ErrNotFound }
    ep.ConsecutiveFailures = 0
    ep.UpdatedAt = time.Now().UTC()
    return nil
}

func (m *Memory) OpenEndpointCircuit(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    ep := m.endpoints[id]
    if ep == nil { return ErrNotFound }
    ep.Active = false
    ep.UpdatedAt = time.Now().UTC()
    return nil
}

func (m *Memory) StartEndpointRotation(ctx context.Context, tenantID, id, newHash string, at time.Time) (model.Endpoint, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ep := m.endpoints[id]
    if ep == nil || ep.TenantID != tenantID { return model.Endpoint{}, ErrNotFound }
    if ep.RotationStartedAt != nil { return model.Endpoint{}, ErrRotationInProgress }
    t := at.UTC()
    ep.NewSecretHash = newHash
    ep.RotationStartedAt = &t
    ep.UpdatedAt = time.Now().UTC()
    return *ep, nil
}

func (m *Memory) CompleteEndpointRotation(ctx context.Context, id string) (model.Endpoint, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ep := m.endpoints[id]
    if ep == nil { return model.Endpoint{}, ErrNotFound }
    if ep.RotationStartedAt == nil { return *ep, nil }
    ep.SecretVersion++
    ep.SecretHash = ep.NewSecretHash
    ep.NewSecretHash = ""
    ep.RotationStartedAt = nil
    ep.UpdatedAt = time.Now().UTC()
    return *ep, nil
}

// Deliveries

func (m *Memory) CreateDelivery(ctx context.Context, d Delivery) error {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now().UTC()
    d.CreatedAt, d.UpdatedAt = now, now
    cp := d
    m.deliveries[d.ID] = &cp
    m.dlByTenant[d.TenantID] = append(m.dlByTenant[d.TenantID], d.ID)
    return nil
}

func (m *Memory) GetDelivery(ctx context.Context, tenantID, id string) (Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil || d.TenantID != tenantID { return Delivery{}, ErrNotFound }
    return *d, nil
}

func (m *Memory) ClaimDueDeliveries(ctx context.Context, now, staleBefore time.Time, limit int) ([]Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    due := []*Delivery{}
    for _, d := range m.deliveries {
        switch d.Status {
        case StatusPending:
            if d.NextRetryAt != nil && !d.NextRetryAt.After(now) { due = append(due, d) }
        case StatusInFlight:
            // reclaim abandoned claims
            if d.UpdatedAt.Before(staleBefore) { due = append(due, d) }
        }
    }
    sort.Slice(due, func(i, j int) bool {
        a, b := due[i].NextRetryAt, due[j].NextRetryAt
        if a == nil || b == nil { return b == nil }
        return a.Before(*b)
    })
    if limit > 0 && len(due) > limit { due = due[:limit] }
    out := make([]Delivery, 0, len(due))
    for _, d := range due {
        d.Status = StatusInFlight
        d.UpdatedAt = time.Now().UTC()
        out = append(out, *d)
    }
    return out, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, id string, code int, body string, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil || d.Terminal() { return nil }
    now := time.Now().UTC()
    d.Attempts++
    d.Status = StatusDelivered
    d.ResponseCode = code
    d.ResponseBody = body
    d.LatencyMs = latencyMs
    d.NextRetryAt = nil
    d.DeliveredAt = &now
    d.UpdatedAt = now
    return nil
}

func (m *Memory) RescheduleDelivery(ctx context.Context, id string, nextAt time.Time, code int, body string, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil || d.Terminal() { return nil }
    t := nextAt.UTC()
    d.Attempts++
    d.Status = StatusPending
    d.ResponseCode = code
    d.ResponseBody = body
    d.LatencyMs = latencyMs
    d.NextRetryAt = &t
    d.UpdatedAt = time.Now().UTC()
    return nil
}

func (m *Memory) DeadLetterDelivery(ctx context.Context, id string, attempted bool, code int, body string, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil || d.Terminal() { return nil }
    if attempted {
        d.Attempts++
        d.ResponseCode = code
        d.ResponseBody = body
        d.LatencyMs = latencyMs
    }
    d.Status = StatusDeadLetter
    d.NextRetryAt = nil
    d.UpdatedAt = time.Now().UTC()
    return nil
}

func (m *Memory) RequeueDelivery(ctx context.Context, tenantID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil || d.TenantID != tenantID { return ErrNotFound }
    if d.Status != StatusDeadLetter { return ErrNotFound }
    now := time.Now().UTC()
    d.Status = StatusPending
    d.Attempts = 0
    d.NextRetryAt = &now
    d.UpdatedAt = now
    return nil
}

func (m *Memory) ListDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    ids := m.dlByTenant[tenantID]
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    out := []map[string]any{}
    last := ""
    for i := start; i < len(ids) && len(out) < limit; i++ {
        d := m.deliveries[ids[i]]
        if d == nil { continue }
        if status != "" && d.Status != status { continue }
        out = append(out, deliveryRow(*d))
        last = ids[i]
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (m *Memory) DeliveryStats(ctx context.Context, tenantID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if len(buckets) == 0 { buckets = []int{100, 500, 1000} }
    type agg struct {
        cnt, sum int
        b        []int
    }
    by := map[string]*agg{} // eventType|status
    for _, id := range m.dlByTenant[tenantID] {
        d := m.deliveries[id]
        if d == nil { continue }
        if !since.IsZero() && d.UpdatedAt.Before(since) { continue }
        if eventType != "" && d.EventType != eventType { continue }
        if status != "" && d.Status != status { continue }
        if codeMin > 0 && d.ResponseCode < codeMin { continue }
        if codeMax > 0 && d.ResponseCode > codeMax { continue }
        key := d.EventType + "|" + d.Status
        a := by[key]
        if a == nil { a = &agg{b: make([]int, len(buckets)+1)}; by[key] = a }
        a.cnt++
        if d.LatencyMs > 0 { a.sum += d.LatencyMs }
        bi := len(buckets)
        for i, edge := range buckets {
            if d.LatencyMs < edge { bi = i; break }
        }
        a.b[bi]++
    }
    out := []map[string]any{}
    for key, a := range by {
        sep := 0
        for i := range key {
            if key[i] == '|' { sep = i; break }
        }
        avg := 0
        if a.cnt > 0 { avg = a.sum / a.cnt }
        row := map[string]any{"eventType": key[:sep], "status": key[sep+1:], "cnt": a.cnt, "avgLatencyMs": avg}
        for i := range a.b { row[bucketKey(i)] = a.b[i] }
        out = append(out, row)
    }
    return out, nil
}

func deliveryRow(d Delivery) map[string]any {
    row := map[string]any{
        "id":         d.ID,
        "endpointId": d.EndpointID,
        "eventType":  d.EventType,
        "status":     d.Status,
        "attempts":   d.Attempts,
        "dedupKey":   d.DedupKey,
    }
    if d.ResponseCode != 0 { row["responseCode"] = d.ResponseCode }
    if d.NextRetryAt != nil { row["nextRetryAt"] = *d.NextRetryAt }
    if d.DeliveredAt != nil { row["deliveredAt"] = *d.DeliveredAt }
    if d.LatencyMs > 0 { row["latencyMs"] = d.LatencyMs }
    return row
}

func bucketKey(i int) string { return fmt.Sprintf("b%d", i) }

func removeID(ids []string, id string) []string {
    out := make([]string, 0, len(ids))
    for _, v := range ids {
        if v != id { out = append(out, v) }
    }
    return out
}
