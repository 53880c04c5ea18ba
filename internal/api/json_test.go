package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteProblemMediaTypeAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeProblem(rec, 404, "Not Found", "no such endpoint", "/v1/webhooks/endpoints/ep_x")
	if rec.Code != 404 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Title != "Not Found" || p.Status != 404 || p.Detail != "no such endpoint" {
		t.Fatalf("problem = %+v", p)
	}
	if p.Instance != "/v1/webhooks/endpoints/ep_x" {
		t.Fatalf("instance = %q", p.Instance)
	}
}
