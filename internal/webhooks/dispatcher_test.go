package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"hookrelay/internal/config"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

func TestDispatchFansOutToSubscribedEndpoints(t *testing.T) {
	var hits atomic.Int32
	done := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(200)
		done <- struct{}{}
	}))
	defer srv.Close()

	m := store.NewMemory()
	cfg := config.Default()
	cfg.MasterKey = "test-master"
	e := NewExecutor(m, NewSecretDeriver(cfg.MasterKey), cfg)
	e.HTTP = srv.Client()
	p := NewDispatcher(m, e)

	mk := func(id string, events []string, active bool) {
		if _, err := m.CreateEndpoint(t.Context(), model.Endpoint{
			ID: id, TenantID: "t_1", URL: srv.URL, Events: events, Active: active,
		}); err != nil {
			t.Fatalf("CreateEndpoint: %v", err)
		}
		if !active {
			if err := m.SetEndpointActive(t.Context(), "t_1", id, false); err != nil {
				t.Fatalf("SetEndpointActive: %v", err)
			}
		}
	}
	mk("ep_a", []string{model.EventScanCompleted}, true)
	mk("ep_b", []string{model.EventScanCompleted, model.EventGateFailed}, true)
	mk("ep_other", []string{model.EventGateFailed}, true)
	mk("ep_off", []string{model.EventScanCompleted}, false)

	p.Dispatch(t.Context(), "t_1", model.EventScanCompleted, map[string]any{"scanId": "s_1"})
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for fan-out attempt %d", i+1)
		}
	}
	// give any stray extra attempt a beat to land, then check the count
	time.Sleep(50 * time.Millisecond)
	if got := hits.Load(); got != 2 {
		t.Fatalf("want 2 attempts (subscribed+active only), got %d", got)
	}
}

func TestDispatchNoMatchIsSilent(t *testing.T) {
	m := store.NewMemory()
	cfg := config.Default()
	cfg.MasterKey = "test-master"
	p := NewDispatcher(m, NewExecutor(m, NewSecretDeriver(cfg.MasterKey), cfg))
	// no endpoints registered; must not panic or block
	p.Dispatch(t.Context(), "t_1", model.EventScanCompleted, nil)
}

func TestTestDeliverSynchronous(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt model.Event
		_ = json.NewDecoder(r.Body).Decode(&evt)
		gotType = evt.Type
		w.WriteHeader(200)
	}))
	defer srv.Close()

	m := store.NewMemory()
	cfg := config.Default()
	cfg.MasterKey = "test-master"
	e := NewExecutor(m, NewSecretDeriver(cfg.MasterKey), cfg)
	e.HTTP = srv.Client()
	p := NewDispatcher(m, e)
	if _, err := m.CreateEndpoint(t.Context(), model.Endpoint{
		ID: "ep_1", TenantID: "t_1", URL: srv.URL, Events: []string{model.EventPing}, Active: true,
	}); err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	d, err := p.TestDeliver(t.Context(), "t_1", "ep_1")
	if err != nil {
		t.Fatalf("TestDeliver: %v", err)
	}
	if gotType != model.EventPing {
		t.Fatalf("ping event not received, got type %q", gotType)
	}
	if !d.Terminal() || d.Status != store.StatusDelivered || d.MaxAttempts != 1 {
		t.Fatalf("test delivery should be terminal single-shot: %+v", d)
	}

	if _, err := p.TestDeliver(t.Context(), "t_1", "ep_missing"); err != store.ErrNotFound {
		t.Fatalf("missing endpoint: want ErrNotFound, got %v", err)
	}
}
