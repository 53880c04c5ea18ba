package main

import (
    "bufio"
    "log"
    "net"
    "net/http"
    "strconv"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "hookrelay/internal/api"
    "hookrelay/internal/config"
    "hookrelay/internal/metrics"
)

func main() {
    cfg, err := config.Load("")
    if err != nil {
        log.Fatalf("failed to load config: %v", err)
    }
    srvDeps, err := api.NewServer(cfg)
    if err != nil {
        log.Fatalf("failed to init server: %v", err)
    }
    metrics.RegisterDefault()

    mux := http.NewServeMux()

    // Endpoint registry
    mux.HandleFunc("/v1/webhooks/endpoints", srvDeps.EndpointsHandler)
    mux.HandleFunc("/v1/webhooks/endpoints/", srvDeps.EndpointByIDHandler) // includes /rotate-secret, /activate, /deactivate, /test

    // Event intake and live feed
    mux.HandleFunc("/v1/events", srvDeps.EventsHandler)
    mux.HandleFunc("/v1/webhooks/feed", srvDeps.FeedStreamHandler)

    // Admin
    mux.HandleFunc("/v1/admin/webhook-deliveries", srvDeps.WebhookDeliveriesHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries/", srvDeps.WebhookDeliveryByIDHandler)
    mux.HandleFunc("/v1/admin/webhook-dlq", srvDeps.WebhookDLQHandler)
    mux.HandleFunc("/v1/admin/webhook-dlq/", srvDeps.WebhookDLQHandler)
    mux.HandleFunc("/v1/admin/webhook-metrics", srvDeps.WebhookMetricsHandler)

    // Health, debug, metrics
    mux.HandleFunc("/healthz", srvDeps.HealthHandler)
    mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
    mux.HandleFunc("/debugz", srvDeps.DebugJSON)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    srv := &http.Server{
        Addr:              cfg.Addr,
        Handler:           logMiddleware(metricsMiddleware(mux)),
        ReadHeaderTimeout: 5 * time.Second,
    }

    log.Printf("hookrelay API listening on %s", cfg.Addr)
    // Start the retry reconciler
    worker := srvDeps.NewReconcileWorker()
    worker.Start()
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatalf("server error: %v", err)
    }
}

func logMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        next.ServeHTTP(w, r)
        dur := time.Since(start)
        log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
    })
}

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the WebSocket feed working behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := r.ResponseWriter.(http.Hijacker)
    if !ok {
        return nil, nil, http.ErrNotSupported
    }
    return h.Hijack()
}

func metricsMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        start := time.Now()
        next.ServeHTTP(rec, r)
        status := strconv.Itoa(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
    })
}
