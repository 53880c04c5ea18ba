package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // WebhookDeliveries counts delivery attempt outcomes by event type and outcome
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by event type and outcome."},
        []string{"event_type", "outcome"},
    )
    // WebhookLatency tracks delivery attempt latencies in milliseconds
    WebhookLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"event_type", "outcome"},
    )
    // CircuitOpens counts endpoints deactivated by the failure threshold
    CircuitOpens = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "webhook_circuit_opens_total", Help: "Endpoints deactivated after consecutive delivery failures."},
    )
    // DeadLetters counts deliveries that exhausted their attempt budget
    DeadLetters = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_dead_letters_total", Help: "Deliveries moved to dead_letter by reason."},
        []string{"reason"},
    )
    // ReconcileBatch tracks how many due deliveries each sweep claimed
    ReconcileBatch = prometheus.NewHistogram(
        prometheus.HistogramOpts{Name: "webhook_reconcile_batch_size", Help: "Due deliveries claimed per reconcile sweep.", Buckets: []float64{0, 1, 5, 10, 25, 50, 100}},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(WebhookDeliveries)
        Registry.MustRegister(WebhookLatency)
        Registry.MustRegister(CircuitOpens)
        Registry.MustRegister(DeadLetters)
        Registry.MustRegister(ReconcileBatch)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
