package webhooks

import (
    "bytes"
    "context"
    "io"
    "net/http"
    "strconv"
    "sync"
    "time"

    "github.com/google/uuid"
    "golang.org/x/time/rate"

    "hookrelay/internal/config"
    "hookrelay/internal/metrics"
    "hookrelay/internal/model"
    "hookrelay/internal/store"
)

// Notifier receives live delivery events for the admin feed. Implementations
// must not block; the executor calls it inline on the delivery path.
type Notifier interface {
    Notify(tenantID string, payload map[string]any)
}

// Executor performs single delivery attempts and applies their outcome to the
// store: terminal success, reschedule with backoff, dead-letter, and the
// consecutive-failure circuit on the endpoint.
type Executor struct {
    Store   store.Store
    HTTP    *http.Client
    Deriver SecretDeriver
    Cfg     config.Config
    Feed    Notifier // optional

    mu       sync.Mutex
    limiters map[string]*rate.Limiter
}

func NewExecutor(s store.Store, deriver SecretDeriver, cfg config.Config) *Executor {
    return &Executor{
        Store:    s,
        HTTP:     &http.Client{Timeout: cfg.HTTPTimeout},
        Deriver:  deriver,
        Cfg:      cfg,
        limiters: map[string]*rate.Limiter{},
    }
}

type attemptResult struct {
    ok      bool
    code    int
    body    string
    latency int
}

// AttemptFirst performs the initial attempt for a fresh event and writes the
// delivery record with the outcome already applied. The record's attempt
// counter therefore starts at 1.
func (e *Executor) AttemptFirst(ctx context.Context, ep model.Endpoint, eventType string, payload []byte, dedupKey string) (store.Delivery, error) {
    return e.attemptNew(ctx, ep, eventType, payload, dedupKey, e.Cfg.MaxAttempts)
}

// AttemptOnce is AttemptFirst with no retry budget: the record lands terminal
// either way. Used for synchronous test deliveries.
func (e *Executor) AttemptOnce(ctx context.Context, ep model.Endpoint, eventType string, payload []byte, dedupKey string) (store.Delivery, error) {
    return e.attemptNew(ctx, ep, eventType, payload, dedupKey, 1)
}

func (e *Executor) attemptNew(ctx context.Context, ep model.Endpoint, eventType string, payload []byte, dedupKey string, maxAttempts int) (store.Delivery, error) {
    d := store.Delivery{
        ID:          uuid.New().String(),
        EndpointID:  ep.ID,
        TenantID:    ep.TenantID,
        EventType:   eventType,
        Payload:     payload,
        DedupKey:    dedupKey,
        Attempts:    1,
        MaxAttempts: maxAttempts,
    }
    res := e.attempt(ctx, &ep, d)
    d.ResponseCode, d.ResponseBody, d.LatencyMs = res.code, res.body, res.latency
    switch {
    case res.ok:
        now := time.Now().UTC()
        d.Status = store.StatusDelivered
        d.DeliveredAt = &now
        e.onSuccess(ctx, ep, d, res)
    case d.Attempts >= d.MaxAttempts:
        d.Status = store.StatusDeadLetter
        e.onFailure(ctx, ep, d, res, true)
    default:
        next := time.Now().UTC().Add(e.backoff(d.Attempts))
        d.Status = store.StatusPending
        d.NextRetryAt = &next
        e.onFailure(ctx, ep, d, res, false)
    }
    if err := e.Store.CreateDelivery(ctx, d); err != nil {
        return d, err
    }
    return d, nil
}

// Retry outcomes reported by AttemptRetry.
const (
    OutcomeDelivered   = "delivered"
    OutcomeRescheduled = "rescheduled"
    OutcomeDeadLetter  = "dead_letter"
)

// AttemptRetry re-attempts a claimed due record and returns the outcome. The
// caller owns the claim; every path below moves the record out of in_flight.
func (e *Executor) AttemptRetry(ctx context.Context, d store.Delivery) string {
    ep, err := e.Store.EndpointByID(ctx, d.EndpointID)
    if err != nil {
        // endpoint deleted since enqueue: terminate without an attempt
        _ = e.Store.DeadLetterDelivery(ctx, d.ID, false, 0, "", 0)
        metrics.DeadLetters.WithLabelValues("endpoint_gone").Inc()
        return OutcomeDeadLetter
    }
    if !ep.Active {
        _ = e.Store.DeadLetterDelivery(ctx, d.ID, false, 0, "", 0)
        metrics.DeadLetters.WithLabelValues("endpoint_inactive").Inc()
        return OutcomeDeadLetter
    }
    res := e.attempt(ctx, &ep, d)
    d.Attempts++
    d.ResponseCode, d.ResponseBody, d.LatencyMs = res.code, res.body, res.latency
    switch {
    case res.ok:
        _ = e.Store.MarkDelivered(ctx, d.ID, res.code, res.body, res.latency)
        e.onSuccess(ctx, ep, d, res)
        return OutcomeDelivered
    case d.Attempts >= d.MaxAttempts:
        _ = e.Store.DeadLetterDelivery(ctx, d.ID, true, res.code, res.body, res.latency)
        e.onFailure(ctx, ep, d, res, true)
        return OutcomeDeadLetter
    default:
        next := time.Now().UTC().Add(e.backoff(d.Attempts))
        _ = e.Store.RescheduleDelivery(ctx, d.ID, next, res.code, res.body, res.latency)
        e.onFailure(ctx, ep, d, res, false)
        return OutcomeRescheduled
    }
}

// attempt runs one HTTP POST. It signs the snapshotted payload bytes with the
// endpoint's derived secret, dual-signing while a rotation window is open.
func (e *Executor) attempt(ctx context.Context, ep *model.Endpoint, d store.Delivery) attemptResult {
    e.wait(ctx, ep.ID)
    e.maybeFinishRotation(ctx, ep)
    now := time.Now().UTC()
    cur := e.Deriver.Derive(ep.ID, ep.SecretVersion)
    var sig string
    if ep.Rotating() {
        sig = SignDual(cur, e.Deriver.Derive(ep.ID, ep.SecretVersion+1), d.Payload, now)
    } else {
        sig = Sign(cur, d.Payload, now)
    }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(d.Payload))
    if err != nil { return attemptResult{} }
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("User-Agent", "hookrelay/1")
    req.Header.Set(SignatureHeader, sig)
    req.Header.Set("X-Hookrelay-Timestamp", strconv.FormatInt(now.Unix(), 10))
    req.Header.Set("X-Hookrelay-Endpoint", ep.ID)
    req.Header.Set("X-Hookrelay-Event", d.EventType)
    req.Header.Set("X-Hookrelay-Delivery", d.ID)
    req.Header.Set("X-Hookrelay-Idempotency-Key", d.DedupKey)
    start := time.Now()
    resp, err := e.HTTP.Do(req)
    latency := int(time.Since(start).Milliseconds())
    if err != nil {
        // timeouts and connection errors are failures with no response code
        return attemptResult{latency: latency}
    }
    defer resp.Body.Close()
    body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(e.Cfg.ResponseBodyCap)))
    return attemptResult{
        ok:      resp.StatusCode >= 200 && resp.StatusCode < 300,
        code:    resp.StatusCode,
        body:    string(body),
        latency: latency,
    }
}

// maybeFinishRotation promotes the pending secret once the rotation window
// has elapsed. Promotion is lazy: it happens on the first attempt after the
// window rather than on a timer.
func (e *Executor) maybeFinishRotation(ctx context.Context, ep *model.Endpoint) {
    if !ep.Rotating() || time.Since(*ep.RotationStartedAt) < e.Cfg.RotationWindow { return }
    if promoted, err := e.Store.CompleteEndpointRotation(ctx, ep.ID); err == nil { *ep = promoted }
}

func (e *Executor) onSuccess(ctx context.Context, ep model.Endpoint, d store.Delivery, res attemptResult) {
    _ = e.Store.ResetEndpointFailures(ctx, ep.ID)
    metrics.WebhookDeliveries.WithLabelValues(d.EventType, "success").Inc()
    metrics.WebhookLatency.WithLabelValues(d.EventType, "success").Observe(float64(res.latency))
    e.notify(ep, d, "success", res)
}

func (e *Executor) onFailure(ctx context.Context, ep model.Endpoint, d store.Delivery, res attemptResult, terminal bool) {
    outcome := "failure"
    if terminal {
        outcome = "dead_letter"
        metrics.DeadLetters.WithLabelValues("max_attempts").Inc()
    }
    metrics.WebhookDeliveries.WithLabelValues(d.EventType, outcome).Inc()
    metrics.WebhookLatency.WithLabelValues(d.EventType, outcome).Observe(float64(res.latency))
    n, err := e.Store.BumpEndpointFailures(ctx, ep.ID)
    if err == nil && e.Cfg.CircuitThreshold > 0 && n >= e.Cfg.CircuitThreshold {
        if err := e.Store.OpenEndpointCircuit(ctx, ep.ID); err == nil {
            metrics.CircuitOpens.Inc()
            if e.Feed != nil {
                e.Feed.Notify(ep.TenantID, map[string]any{
                    "type":       "circuit.opened",
                    "endpointId": ep.ID,
                    "failures":   strconv.Itoa(n),
                })
            }
        }
    }
    e.notify(ep, d, outcome, res)
}

func (e *Executor) notify(ep model.Endpoint, d store.Delivery, outcome string, res attemptResult) {
    if e.Feed == nil { return }
    e.Feed.Notify(ep.TenantID, map[string]any{
        "type":       "delivery.attempt",
        "deliveryId": d.ID,
        "endpointId": ep.ID,
        "eventType":  d.EventType,
        "outcome":    outcome,
        "code":       res.code,
        "attempts":   d.Attempts,
    })
}

// backoff returns the delay before the next attempt given the number of
// attempts already made; the schedule saturates at its last entry.
func (e *Executor) backoff(attempts int) time.Duration {
    sched := e.Cfg.Backoff
    if len(sched) == 0 { return time.Second }
    i := attempts - 1
    if i < 0 { i = 0 }
    if i >= len(sched) { i = len(sched) - 1 }
    return sched[i]
}

// wait applies the per-endpoint outbound rate limit, if configured.
func (e *Executor) wait(ctx context.Context, endpointID string) {
    if e.Cfg.EndpointRate <= 0 { return }
    e.mu.Lock()
    l := e.limiters[endpointID]
    if l == nil {
        l = rate.NewLimiter(rate.Limit(e.Cfg.EndpointRate), e.Cfg.EndpointBurst)
        e.limiters[endpointID] = l
    }
    e.mu.Unlock()
    _ = l.Wait(ctx)
}
