package api

import (
    "os"
    "strings"

    "hookrelay/internal/auth"
    "hookrelay/internal/config"
    "hookrelay/internal/store"
    "hookrelay/internal/webhooks"
)

type Server struct {
    Store  store.Store
    Cfg    config.Config
    Exec   *webhooks.Executor
    Disp   *webhooks.Dispatcher
    Auth   *auth.Verifier
    Broker EventBroker
}

// NewServer wires the store, broker, executor, and dispatcher. With no
// DatabaseURL configured it runs fully in memory.
func NewServer(cfg config.Config) (*Server, error) {
    var s store.Store
    if strings.TrimSpace(cfg.DatabaseURL) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil {
            return nil, err
        }
        // Run migrations (dev helper)
        if os.Getenv("DB_MIGRATE") != "false" {
            _ = sp.MigrateDir("db/migrations")
        }
        s = sp
    }
    var broker EventBroker
    if cfg.RedisURL != "" {
        if rb, err := NewRedisBroker(cfg.RedisURL); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }
    exec := webhooks.NewExecutor(s, webhooks.NewSecretDeriver(cfg.MasterKey), cfg)
    exec.Feed = feedNotifier{broker}
    return &Server{
        Store:  s,
        Cfg:    cfg,
        Exec:   exec,
        Disp:   webhooks.NewDispatcher(s, exec),
        Auth:   auth.NewVerifierFromEnv(),
        Broker: broker,
    }, nil
}

// NewReconcileWorker creates the background worker that drives retries.
func (s *Server) NewReconcileWorker() *webhooks.Reconciler {
    return webhooks.NewReconciler(s.Store, s.Exec, s.Cfg)
}

// feedNotifier forwards executor delivery events onto the tenant feed.
type feedNotifier struct {
    b EventBroker
}

func (f feedNotifier) Notify(tenantID string, payload map[string]any) {
    t, _ := payload["type"].(string)
    f.b.Publish(tenantID, FeedEvent{Type: t, Data: payload})
}
