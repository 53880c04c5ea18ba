// Package api implements the HTTP surface of the webhook delivery engine.
package api

import (
    "net/http"
    "strings"

    "hookrelay/internal/auth"
)

// getPrincipal extracts tenant and role from JWT or headers.
// - If Authorization: Bearer is present, uses the configured verifier
//   (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) auth.Principal {
    authz := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
        tok := strings.TrimSpace(authz[len("Bearer "):])
        if pr, err := s.Auth.Verify(tok); err == nil { return pr }
    }
    tenant := r.Header.Get("X-Tenant-Id")
    role := r.Header.Get("X-Role")
    if tenant == "" { tenant = "t_demo" }
    if role == "" { role = "admin" }
    return auth.Principal{Tenant: tenant, Role: role}
}
