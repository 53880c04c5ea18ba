package store

import (
	"testing"
	"time"

	"hookrelay/internal/model"
)

func seedEndpoint(t *testing.T, m *Memory, tenant string) model.Endpoint {
	t.Helper()
	ep, err := m.CreateEndpoint(t.Context(), model.Endpoint{
		ID:       "ep_" + tenant,
		TenantID: tenant,
		URL:      "https://hooks.example.com/" + tenant,
		Events:   []string{model.EventScanCompleted},
		Active:   true,
	})
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	return ep
}

func seedDelivery(t *testing.T, m *Memory, ep model.Endpoint, id string, due time.Time) {
	t.Helper()
	err := m.CreateDelivery(t.Context(), Delivery{
		ID:          id,
		EndpointID:  ep.ID,
		TenantID:    ep.TenantID,
		EventType:   model.EventScanCompleted,
		Payload:     []byte(`{"id":"evt_1"}`),
		DedupKey:    "dk_" + id,
		Status:      StatusPending,
		Attempts:    1,
		MaxAttempts: 5,
		NextRetryAt: &due,
	})
	if err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
}

func TestClaimDueDeliveriesOrderAndVisibility(t *testing.T) {
	m := NewMemory()
	ep := seedEndpoint(t, m, "t_a")
	now := time.Now()
	seedDelivery(t, m, ep, "d_late", now.Add(-time.Second))
	seedDelivery(t, m, ep, "d_early", now.Add(-time.Minute))
	seedDelivery(t, m, ep, "d_future", now.Add(time.Hour))

	got, err := m.ClaimDueDeliveries(t.Context(), now, now.Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueDeliveries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 due records, got %d", len(got))
	}
	if got[0].ID != "d_early" || got[1].ID != "d_late" {
		t.Fatalf("expected oldest-due first, got %s,%s", got[0].ID, got[1].ID)
	}
	for _, d := range got {
		if d.Status != StatusInFlight {
			t.Fatalf("claimed record %s should be in_flight, got %s", d.ID, d.Status)
		}
	}
	// second sweep sees nothing: claimed records are invisible
	again, err := m.ClaimDueDeliveries(t.Context(), now, now.Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed records leaked to second sweep: %d", len(again))
	}
}

func TestClaimReclaimsStaleInFlight(t *testing.T) {
	m := NewMemory()
	ep := seedEndpoint(t, m, "t_a")
	now := time.Now()
	seedDelivery(t, m, ep, "d_1", now.Add(-time.Minute))
	if _, err := m.ClaimDueDeliveries(t.Context(), now, now.Add(-5*time.Minute), 10); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// a later sweep whose stale cutoff has passed the claim time gets it back
	got, err := m.ClaimDueDeliveries(t.Context(), now.Add(10*time.Minute), now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(got) != 1 || got[0].ID != "d_1" {
		t.Fatalf("stale in_flight record not reclaimed: %v", got)
	}
}

func TestTerminalRecordsNeverMove(t *testing.T) {
	m := NewMemory()
	ep := seedEndpoint(t, m, "t_a")
	now := time.Now()
	seedDelivery(t, m, ep, "d_1", now)
	if err := m.MarkDelivered(t.Context(), "d_1", 200, "ok", 12); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	d, err := m.GetDelivery(t.Context(), ep.TenantID, "d_1")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if d.Status != StatusDelivered || d.Attempts != 2 {
		t.Fatalf("want delivered/attempts=2, got %s/%d", d.Status, d.Attempts)
	}
	// late failure reports must not overwrite a terminal record
	_ = m.RescheduleDelivery(t.Context(), "d_1", now.Add(time.Second), 500, "boom", 5)
	_ = m.DeadLetterDelivery(t.Context(), "d_1", true, 500, "boom", 5)
	d, _ = m.GetDelivery(t.Context(), ep.TenantID, "d_1")
	if d.Status != StatusDelivered || d.ResponseCode != 200 {
		t.Fatalf("terminal record mutated: %s code=%d", d.Status, d.ResponseCode)
	}
	if _, err := m.ClaimDueDeliveries(t.Context(), now.Add(time.Hour), now, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func TestRequeueDeadLetterResetsAttempts(t *testing.T) {
	m := NewMemory()
	ep := seedEndpoint(t, m, "t_a")
	now := time.Now()
	seedDelivery(t, m, ep, "d_1", now)
	if err := m.DeadLetterDelivery(t.Context(), "d_1", true, 503, "unavailable", 8); err != nil {
		t.Fatalf("DeadLetterDelivery: %v", err)
	}
	if err := m.RequeueDelivery(t.Context(), ep.TenantID, "d_1"); err != nil {
		t.Fatalf("RequeueDelivery: %v", err)
	}
	d, _ := m.GetDelivery(t.Context(), ep.TenantID, "d_1")
	if d.Status != StatusPending || d.Attempts != 0 {
		t.Fatalf("requeue should reset to pending/0, got %s/%d", d.Status, d.Attempts)
	}
	// requeue is only valid from dead_letter
	if err := m.RequeueDelivery(t.Context(), ep.TenantID, "d_1"); err != ErrNotFound {
		t.Fatalf("requeue of non-dead-letter record: want ErrNotFound, got %v", err)
	}
}

func TestBumpAndResetFailures(t *testing.T) {
	m := NewMemory()
	ep := seedEndpoint(t, m, "t_a")
	for i := 1; i <= 3; i++ {
		n, err := m.BumpEndpointFailures(t.Context(), ep.ID)
		if err != nil {
			t.Fatalf("BumpEndpointFailures: %v", err)
		}
		if n != i {
			t.Fatalf("bump %d: want %d, got %d", i, i, n)
		}
	}
	if err := m.ResetEndpointFailures(t.Context(), ep.ID); err != nil {
		t.Fatalf("ResetEndpointFailures: %v", err)
	}
	got, _ := m.EndpointByID(t.Context(), ep.ID)
	if got.ConsecutiveFailures != 0 {
		t.Fatalf("reset left counter at %d", got.ConsecutiveFailures)
	}
}

func TestReactivateResetsFailureCounter(t *testing.T) {
	m := NewMemory()
	ep := seedEndpoint(t, m, "t_a")
	for i := 0; i < 4; i++ {
		_, _ = m.BumpEndpointFailures(t.Context(), ep.ID)
	}
	if err := m.OpenEndpointCircuit(t.Context(), ep.ID); err != nil {
		t.Fatalf("OpenEndpointCircuit: %v", err)
	}
	got, _ := m.EndpointByID(t.Context(), ep.ID)
	if got.Active {
		t.Fatalf("circuit open should deactivate endpoint")
	}
	if err := m.SetEndpointActive(t.Context(), ep.TenantID, ep.ID, true); err != nil {
		t.Fatalf("SetEndpointActive: %v", err)
	}
	got, _ = m.EndpointByID(t.Context(), ep.ID)
	if !got.Active || got.ConsecutiveFailures != 0 {
		t.Fatalf("reactivation should clear counter, got active=%v failures=%d", got.Active, got.ConsecutiveFailures)
	}
}

func TestRotationSingleFlight(t *testing.T) {
	m := NewMemory()
	ep := seedEndpoint(t, m, "t_a")
	now := time.Now()
	if _, err := m.StartEndpointRotation(t.Context(), ep.TenantID, ep.ID, "hash_v1", now); err != nil {
		t.Fatalf("StartEndpointRotation: %v", err)
	}
	if _, err := m.StartEndpointRotation(t.Context(), ep.TenantID, ep.ID, "hash_v2", now); err != ErrRotationInProgress {
		t.Fatalf("second rotation: want ErrRotationInProgress, got %v", err)
	}
	got, err := m.CompleteEndpointRotation(t.Context(), ep.ID)
	if err != nil {
		t.Fatalf("CompleteEndpointRotation: %v", err)
	}
	if got.SecretVersion != ep.SecretVersion+1 || got.SecretHash != "hash_v1" || got.Rotating() {
		t.Fatalf("rotation not promoted: version=%d hash=%s rotating=%v", got.SecretVersion, got.SecretHash, got.Rotating())
	}
}

func TestEndpointsForEventFiltersInactiveAndUnsubscribed(t *testing.T) {
	m := NewMemory()
	ep := seedEndpoint(t, m, "t_a")
	if _, err := m.CreateEndpoint(t.Context(), model.Endpoint{
		ID: "ep_other", TenantID: "t_a", URL: "https://hooks.example.com/other",
		Events: []string{model.EventGateFailed}, Active: true,
	}); err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	got, err := m.EndpointsForEvent(t.Context(), "t_a", model.EventScanCompleted)
	if err != nil {
		t.Fatalf("EndpointsForEvent: %v", err)
	}
	if len(got) != 1 || got[0].ID != ep.ID {
		t.Fatalf("want only %s, got %v", ep.ID, got)
	}
	if err := m.SetEndpointActive(t.Context(), "t_a", ep.ID, false); err != nil {
		t.Fatalf("SetEndpointActive: %v", err)
	}
	got, _ = m.EndpointsForEvent(t.Context(), "t_a", model.EventScanCompleted)
	if len(got) != 0 {
		t.Fatalf("inactive endpoint still matched: %v", got)
	}
}
