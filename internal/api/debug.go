package api

import (
    "encoding/json"
    "net/http"
    "os"
    "time"

    "hookrelay/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "PORT":             os.Getenv("PORT"),
            "AUTH_MODE":        os.Getenv("AUTH_MODE"),
            "MAX_ATTEMPTS":     s.Cfg.MaxAttempts,
            "CIRCUIT_THRESHOLD": s.Cfg.CircuitThreshold,
            "RECONCILE_BATCH":  s.Cfg.ReconcileBatch,
            "HAS_DATABASE_URL": s.Cfg.DatabaseURL != "",
            "HAS_REDIS_URL":    s.Cfg.RedisURL != "",
        },
    }
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(info)
}
