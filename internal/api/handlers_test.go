package api

import (
    "bytes"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "hookrelay/internal/config"
    "hookrelay/internal/model"
    "hookrelay/internal/store"
)

func newTestServer(t *testing.T) *Server {
    t.Helper()
    cfg := config.Default()
    cfg.MasterKey = "test-master"
    s, err := NewServer(cfg)
    if err != nil { t.Fatalf("NewServer: %v", err) }
    return s
}

func TestHealthReady(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    rr = httptest.NewRecorder()
    s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
    if rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
}

func TestEndpointCreateReturnsSecretOnce(t *testing.T) {
    s := newTestServer(t)
    body := []byte(`{"url":"https://hooks.example.com/a","events":["scan.completed","ping"]}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/endpoints", bytes.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    s.EndpointsHandler(rr, req)
    if rr.Code != http.StatusCreated { t.Fatalf("create: got %d body=%s", rr.Code, rr.Body.String()) }
    var created struct {
        Endpoint model.Endpoint `json:"endpoint"`
        Secret   string         `json:"secret"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil { t.Fatalf("decode: %v", err) }
    if !strings.HasPrefix(created.Secret, "whsec_") { t.Fatalf("missing plaintext secret: %q", created.Secret) }
    if !created.Endpoint.Active || created.Endpoint.ID == "" { t.Fatalf("bad endpoint: %+v", created.Endpoint) }

    // subsequent reads expose only the fingerprint, never the secret
    rr = httptest.NewRecorder()
    s.EndpointsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/webhooks/endpoints", nil))
    if rr.Code != 200 { t.Fatalf("list: got %d", rr.Code) }
    if strings.Contains(rr.Body.String(), created.Secret) { t.Fatalf("plaintext secret leaked in list") }

    rr = httptest.NewRecorder()
    s.EndpointByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/webhooks/endpoints/"+created.Endpoint.ID, nil))
    if rr.Code != 200 { t.Fatalf("get: got %d", rr.Code) }
    if strings.Contains(rr.Body.String(), created.Secret) { t.Fatalf("plaintext secret leaked in get") }
}

func TestEndpointCreateValidation(t *testing.T) {
    s := newTestServer(t)
    cases := []string{
        `{"url":"http://hooks.example.com/a","events":["ping"]}`,
        `{"url":"https://127.0.0.1/a","events":["ping"]}`,
        `{"url":"https://hooks.example.com/a","events":[]}`,
        `{"url":"https://hooks.example.com/a","events":["not.a.thing"]}`,
        `{"url":"https://hooks.example.com/a","events":["ping","ping"]}`,
    }
    for _, body := range cases {
        rr := httptest.NewRecorder()
        req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/endpoints", strings.NewReader(body))
        s.EndpointsHandler(rr, req)
        if rr.Code != http.StatusBadRequest { t.Fatalf("body %s: want 400, got %d", body, rr.Code) }
    }
}

func TestRotateSecretConflictsWhileOpen(t *testing.T) {
    s := newTestServer(t)
    ep := seedEndpoint(t, s)
    rr := httptest.NewRecorder()
    s.EndpointByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/webhooks/endpoints/"+ep.ID+"/rotate-secret", nil))
    if rr.Code != 200 { t.Fatalf("rotate: got %d body=%s", rr.Code, rr.Body.String()) }
    var rot struct {
        Secret   string         `json:"secret"`
        Endpoint model.Endpoint `json:"endpoint"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &rot); err != nil { t.Fatalf("decode: %v", err) }
    if !strings.HasPrefix(rot.Secret, "whsec_") { t.Fatalf("rotation should hand out the next secret") }
    if !rot.Endpoint.Rotating() { t.Fatalf("rotation not recorded: %+v", rot.Endpoint) }

    rr = httptest.NewRecorder()
    s.EndpointByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/webhooks/endpoints/"+ep.ID+"/rotate-secret", nil))
    if rr.Code != http.StatusConflict { t.Fatalf("second rotate: want 409, got %d", rr.Code) }
}

func TestActivateDeactivate(t *testing.T) {
    s := newTestServer(t)
    ep := seedEndpoint(t, s)
    rr := httptest.NewRecorder()
    s.EndpointByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/webhooks/endpoints/"+ep.ID+"/deactivate", nil))
    if rr.Code != 200 { t.Fatalf("deactivate: got %d", rr.Code) }
    got, _ := s.Store.GetEndpoint(t.Context(), "t_demo", ep.ID)
    if got.Active { t.Fatalf("endpoint still active") }
    rr = httptest.NewRecorder()
    s.EndpointByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/webhooks/endpoints/"+ep.ID+"/activate", nil))
    if rr.Code != 200 { t.Fatalf("activate: got %d", rr.Code) }
    got, _ = s.Store.GetEndpoint(t.Context(), "t_demo", ep.ID)
    if !got.Active || got.ConsecutiveFailures != 0 { t.Fatalf("reactivation should clear counter: %+v", got) }
}

func TestEventsAcceptedAndValidated(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"type":"scan.completed","data":{"scanId":"s_1"}}`))
    s.EventsHandler(rr, req)
    if rr.Code != http.StatusAccepted { t.Fatalf("events: want 202, got %d" , rr.Code) }

    rr = httptest.NewRecorder()
    s.EventsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"type":"bogus.event"}`)))
    if rr.Code != http.StatusBadRequest { t.Fatalf("unknown type: want 400, got %d", rr.Code) }
}

func TestTestDeliveryAction(t *testing.T) {
    recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
    defer recv.Close()
    s := newTestServer(t)
    s.Exec.HTTP = recv.Client()
    // seeded directly: handler-side URL validation would reject a loopback target
    ep, err := s.Store.CreateEndpoint(t.Context(), model.Endpoint{
        ID: "ep_test", TenantID: "t_demo", URL: recv.URL, Events: []string{model.EventPing}, Active: true,
    })
    if err != nil { t.Fatalf("CreateEndpoint: %v", err) }

    rr := httptest.NewRecorder()
    s.EndpointByIDHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/webhooks/endpoints/"+ep.ID+"/test", nil))
    if rr.Code != 200 { t.Fatalf("test action: got %d body=%s", rr.Code, rr.Body.String()) }
    var res struct {
        Status       string `json:"status"`
        ResponseCode int    `json:"responseCode"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil { t.Fatalf("decode: %v", err) }
    if res.Status != store.StatusDelivered || res.ResponseCode != 200 { t.Fatalf("unexpected result: %+v", res) }
}

func TestDLQListAndRequeue(t *testing.T) {
    s := newTestServer(t)
    ep := seedEndpoint(t, s)
    if err := s.Store.CreateDelivery(t.Context(), store.Delivery{
        ID: "d_dead", EndpointID: ep.ID, TenantID: "t_demo",
        EventType: model.EventScanCompleted, Payload: []byte(`{}`), DedupKey: "dk",
        Status: store.StatusDeadLetter, Attempts: 5, MaxAttempts: 5,
    }); err != nil { t.Fatalf("CreateDelivery: %v", err) }

    rr := httptest.NewRecorder()
    s.WebhookDLQHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-dlq", nil))
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), "d_dead") { t.Fatalf("dlq list: %d %s", rr.Code, rr.Body.String()) }

    rr = httptest.NewRecorder()
    s.WebhookDLQHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/webhook-dlq/d_dead/requeue", nil))
    if rr.Code != 202 { t.Fatalf("requeue: got %d", rr.Code) }
    d, _ := s.Store.GetDelivery(t.Context(), "t_demo", "d_dead")
    if d.Status != store.StatusPending || d.Attempts != 0 { t.Fatalf("requeue result: %+v", d) }

    // bulk form counts only records that actually moved
    rr = httptest.NewRecorder()
    s.WebhookDLQHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/webhook-dlq", strings.NewReader(`{"ids":["d_dead","d_missing"]}`)))
    if rr.Code != 202 || !strings.Contains(rr.Body.String(), `"requeued":0`) { t.Fatalf("bulk requeue: %d %s", rr.Code, rr.Body.String()) }
}

func TestDeliveriesListAndDetail(t *testing.T) {
    s := newTestServer(t)
    ep := seedEndpoint(t, s)
    now := time.Now()
    if err := s.Store.CreateDelivery(t.Context(), store.Delivery{
        ID: "d_1", EndpointID: ep.ID, TenantID: "t_demo",
        EventType: model.EventScanCompleted, Payload: []byte(`{}`), DedupKey: "dk",
        Status: store.StatusPending, Attempts: 1, MaxAttempts: 5, NextRetryAt: &now,
    }); err != nil { t.Fatalf("CreateDelivery: %v", err) }

    rr := httptest.NewRecorder()
    s.WebhookDeliveriesHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries?status=pending", nil))
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), "d_1") { t.Fatalf("list: %d %s", rr.Code, rr.Body.String()) }

    rr = httptest.NewRecorder()
    s.WebhookDeliveryByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries/d_1", nil))
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"attempts":1`) { t.Fatalf("detail: %d %s", rr.Code, rr.Body.String()) }

    rr = httptest.NewRecorder()
    s.WebhookDeliveryByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries/d_missing", nil))
    if rr.Code != 404 { t.Fatalf("missing detail: want 404, got %d", rr.Code) }
}

func TestWebhookMetricsEndpoint(t *testing.T) {
    s := newTestServer(t)
    ep := seedEndpoint(t, s)
    if err := s.Store.CreateDelivery(t.Context(), store.Delivery{
        ID: "d_1", EndpointID: ep.ID, TenantID: "t_demo",
        EventType: model.EventScanCompleted, Payload: []byte(`{}`), DedupKey: "dk",
        Status: store.StatusDelivered, Attempts: 1, MaxAttempts: 5, ResponseCode: 200, LatencyMs: 42,
    }); err != nil { t.Fatalf("CreateDelivery: %v", err) }

    rr := httptest.NewRecorder()
    s.WebhookMetricsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-metrics?codeClass=2xx&latencyBuckets=50,500", nil))
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), "scan.completed") { t.Fatalf("metrics: %d %s", rr.Code, rr.Body.String()) }
}

func seedEndpoint(t *testing.T, s *Server) model.Endpoint {
    t.Helper()
    ep, err := s.Store.CreateEndpoint(t.Context(), model.Endpoint{
        ID: "ep_seed", TenantID: "t_demo", URL: "https://hooks.example.com/seed",
        Events: []string{model.EventScanCompleted, model.EventPing}, Active: true,
    })
    if err != nil { t.Fatalf("CreateEndpoint: %v", err) }
    return ep
}
