package api

import (
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"

    "github.com/google/uuid"

    "hookrelay/internal/model"
    "hookrelay/internal/store"
    "hookrelay/internal/webhooks"
)

// EndpointsHandler handles POST/GET /v1/webhooks/endpoints
func (s *Server) EndpointsHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        var req model.EndpointRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        req.TenantID = p.Tenant
        if err := validateEndpointRequest(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid endpoint", err.Error(), r.URL.Path)
            return
        }
        id := "ep_" + uuid.New().String()
        secret := s.Exec.Deriver.DeriveString(id, 0)
        ep, err := s.Store.CreateEndpoint(r.Context(), model.Endpoint{
            ID:         id,
            TenantID:   req.TenantID,
            URL:        req.URL,
            Events:     req.Events,
            SecretHash: webhooks.Fingerprint(s.Exec.Deriver.Derive(id, 0)),
            CreatedBy:  req.CreatedBy,
        })
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create endpoint failed", err.Error(), r.URL.Path)
            return
        }
        // the plaintext secret is returned exactly once, here
        writeJSON(w, http.StatusCreated, map[string]any{"endpoint": ep, "secret": secret})
    case http.MethodGet:
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListEndpoints(r.Context(), p.Tenant, cursor, limit)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List endpoints failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// EndpointByIDHandler handles /v1/webhooks/endpoints/{id} plus the
// /rotate-secret, /activate, /deactivate, and /test actions.
func (s *Server) EndpointByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/endpoints/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    id, action, _ := strings.Cut(rest, "/")
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch action {
    case "":
        switch r.Method {
        case http.MethodGet:
            ep, err := s.Store.GetEndpoint(r.Context(), p.Tenant, id)
            if err != nil { s.endpointError(w, r, err); return }
            writeJSON(w, 200, map[string]any{"endpoint": ep})
        case http.MethodDelete:
            if err := s.Store.DeleteEndpoint(r.Context(), p.Tenant, id); err != nil { s.endpointError(w, r, err); return }
            writeJSON(w, 200, map[string]bool{"ok": true})
        default:
            w.WriteHeader(http.StatusMethodNotAllowed)
        }
    case "rotate-secret":
        if r.Method != http.MethodPost { w.WriteHeader(405); return }
        s.rotateSecret(w, r, p.Tenant, id)
    case "activate", "deactivate":
        if r.Method != http.MethodPost { w.WriteHeader(405); return }
        if err := s.Store.SetEndpointActive(r.Context(), p.Tenant, id, action == "activate"); err != nil {
            s.endpointError(w, r, err)
            return
        }
        ep, err := s.Store.GetEndpoint(r.Context(), p.Tenant, id)
        if err != nil { s.endpointError(w, r, err); return }
        writeJSON(w, 200, map[string]any{"endpoint": ep})
    case "test":
        if r.Method != http.MethodPost { w.WriteHeader(405); return }
        d, err := s.Disp.TestDeliver(r.Context(), p.Tenant, id)
        if err != nil { s.endpointError(w, r, err); return }
        writeJSON(w, 200, map[string]any{
            "deliveryId":   d.ID,
            "status":       d.Status,
            "responseCode": d.ResponseCode,
            "latencyMs":    d.LatencyMs,
        })
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "unknown action "+action, r.URL.Path)
    }
}

// rotateSecret starts a rotation: the next secret version is derived, its
// fingerprint stored, and deliveries dual-sign until the window elapses. The
// new plaintext secret is returned exactly once.
func (s *Server) rotateSecret(w http.ResponseWriter, r *http.Request, tenant, id string) {
    ep, err := s.Store.GetEndpoint(r.Context(), tenant, id)
    if err != nil { s.endpointError(w, r, err); return }
    nextVersion := ep.SecretVersion + 1
    newHash := webhooks.Fingerprint(s.Exec.Deriver.Derive(id, nextVersion))
    ep, err = s.Store.StartEndpointRotation(r.Context(), tenant, id, newHash, time.Now().UTC())
    if err != nil {
        if errors.Is(err, store.ErrRotationInProgress) {
            writeProblem(w, http.StatusConflict, "Rotation in progress", "finish or wait out the current rotation window", r.URL.Path)
            return
        }
        s.endpointError(w, r, err)
        return
    }
    writeJSON(w, 200, map[string]any{
        "endpoint":          ep,
        "secret":            s.Exec.Deriver.DeriveString(id, nextVersion),
        "rotationStartedAt": ep.RotationStartedAt,
        "rotationWindow":    s.Cfg.RotationWindow.String(),
    })
}

func (s *Server) endpointError(w http.ResponseWriter, r *http.Request, err error) {
    if errors.Is(err, store.ErrNotFound) {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    writeProblem(w, http.StatusInternalServerError, "Endpoint operation failed", err.Error(), r.URL.Path)
}

// EventsHandler handles POST /v1/events: accept an event and fan it out to
// the tenant's subscribed endpoints. Always 202; delivery is asynchronous.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p := s.getPrincipal(r)
    var req struct {
        Type string         `json:"type"`
        Data map[string]any `json:"data"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if _, ok := model.KnownEventTypes[req.Type]; !ok {
        writeProblem(w, http.StatusBadRequest, "Unknown event type", req.Type, r.URL.Path)
        return
    }
    s.Disp.Dispatch(r.Context(), p.Tenant, req.Type, req.Data)
    writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// Admin: webhook deliveries list and detail
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListDeliveries(r.Context(), p.Tenant, status, cursor, limit)
    if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryByIDHandler(w http.ResponseWriter, r *http.Request) {
    id := strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/")
    if id == r.URL.Path || id == "" || strings.Contains(id, "/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    d, err := s.Store.GetDelivery(r.Context(), p.Tenant, id)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
        writeProblem(w, 500, "Get delivery failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, 200, map[string]any{
        "id":           d.ID,
        "endpointId":   d.EndpointID,
        "eventType":    d.EventType,
        "status":       d.Status,
        "attempts":     d.Attempts,
        "maxAttempts":  d.MaxAttempts,
        "dedupKey":     d.DedupKey,
        "responseCode": d.ResponseCode,
        "responseBody": d.ResponseBody,
        "latencyMs":    d.LatencyMs,
        "nextRetryAt":  d.NextRetryAt,
        "deliveredAt":  d.DeliveredAt,
        "createdAt":    d.CreatedAt,
    })
}

// Admin: webhook DLQ list and requeue
func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.URL.Path == "/v1/admin/webhook-dlq" && r.Method == http.MethodGet {
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListDeliveries(r.Context(), p.Tenant, store.StatusDeadLetter, cursor, limit)
        if err != nil { writeProblem(w, 500, "List DLQ failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
        return
    }
    if r.URL.Path == "/v1/admin/webhook-dlq" && r.Method == http.MethodPost {
        var req struct{ IDs []string `json:"ids"` }
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil { writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path); return }
        if len(req.IDs) == 0 { writeProblem(w, 400, "Missing ids", "", r.URL.Path); return }
        requeued := 0
        for _, id := range req.IDs {
            if err := s.Store.RequeueDelivery(r.Context(), p.Tenant, id); err == nil { requeued++ }
        }
        writeJSON(w, 202, map[string]int{"requeued": requeued})
        return
    }
    if strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-dlq/") && strings.HasSuffix(r.URL.Path, "/requeue") && r.Method == http.MethodPost {
        id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-dlq/"), "/requeue")
        if err := s.Store.RequeueDelivery(r.Context(), p.Tenant, id); err != nil {
            if errors.Is(err, store.ErrNotFound) { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
            writeProblem(w, 500, "Requeue failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, 202, map[string]int{"accepted": 1})
        return
    }
    writeProblem(w, 404, "Not Found", "", r.URL.Path)
}

// Admin: webhook delivery metrics
func (s *Server) WebhookMetricsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-metrics" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    sinceHours := 24
    if v := r.URL.Query().Get("sinceHours"); v != "" { fmt.Sscanf(v, "%d", &sinceHours) }
    eventType := r.URL.Query().Get("eventType")
    status := r.URL.Query().Get("status")
    codeMin := 0; codeMax := 0
    if v := r.URL.Query().Get("responseCodeMin"); v != "" { fmt.Sscanf(v, "%d", &codeMin) }
    if v := r.URL.Query().Get("responseCodeMax"); v != "" { fmt.Sscanf(v, "%d", &codeMax) }
    // codeClass shorthand
    if v := r.URL.Query().Get("codeClass"); v != "" && codeMin == 0 && codeMax == 0 {
        switch v {
        case "2xx": codeMin, codeMax = 200, 299
        case "3xx": codeMin, codeMax = 300, 399
        case "4xx": codeMin, codeMax = 400, 499
        case "5xx": codeMin, codeMax = 500, 599
        }
    }
    var buckets []int
    if v := r.URL.Query().Get("latencyBuckets"); v != "" {
        for _, part := range strings.Split(v, ",") {
            n := 0
            if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &n); err == nil && n > 0 { buckets = append(buckets, n) }
        }
    }
    since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
    items, err := s.Store.DeliveryStats(r.Context(), p.Tenant, since, eventType, status, codeMin, codeMax, buckets)
    if err != nil { writeProblem(w, 500, "Metrics failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

// Health endpoints
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    if pg, ok := s.Store.(*store.Postgres); ok {
        if err := pg.Ping(r.Context()); err != nil {
            writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
            return
        }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}
