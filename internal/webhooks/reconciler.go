package webhooks

import (
    "context"
    "time"

    "hookrelay/internal/config"
    "hookrelay/internal/metrics"
    "hookrelay/internal/store"
)

// ReconcileStats summarizes one sweep over due deliveries.
type ReconcileStats struct {
    Processed    int
    Delivered    int
    Rescheduled  int
    DeadLettered int
}

// Reconciler periodically claims due delivery records and hands them to the
// executor, one batch per tick.
type Reconciler struct {
    Store store.Store
    Exec  *Executor
    Cfg   config.Config
    Stop  chan struct{}
}

func NewReconciler(s store.Store, e *Executor, cfg config.Config) *Reconciler {
    return &Reconciler{Store: s, Exec: e, Cfg: cfg, Stop: make(chan struct{})}
}

func (w *Reconciler) Start() {
    go func() {
        ticker := time.NewTicker(w.Cfg.ReconcileInterval)
        defer ticker.Stop()
        for {
            select {
            case <-w.Stop:
                return
            case <-ticker.C:
                w.processOnce()
            }
        }
    }()
}

func (w *Reconciler) processOnce() {
    ctx, cancel := context.WithTimeout(context.Background(), w.Cfg.HTTPTimeout*time.Duration(w.Cfg.ReconcileBatch)+30*time.Second)
    defer cancel()
    w.ReconcileDue(ctx, time.Now().UTC())
}

// ReconcileDue claims up to the configured batch of due records as of now and
// retries them sequentially. A record that fails to finish stays claimed and
// is reclaimed by a later sweep once its claim goes stale; the sweep itself
// never returns an error.
func (w *Reconciler) ReconcileDue(ctx context.Context, now time.Time) ReconcileStats {
    var st ReconcileStats
    batch, err := w.Store.ClaimDueDeliveries(ctx, now, now.Add(-w.Cfg.ClaimTTL), w.Cfg.ReconcileBatch)
    if err != nil || len(batch) == 0 {
        metrics.ReconcileBatch.Observe(0)
        return st
    }
    metrics.ReconcileBatch.Observe(float64(len(batch)))
    for _, d := range batch {
        st.Processed++
        switch w.Exec.AttemptRetry(ctx, d) {
        case OutcomeDelivered:
            st.Delivered++
        case OutcomeRescheduled:
            st.Rescheduled++
        case OutcomeDeadLetter:
            st.DeadLettered++
        }
    }
    return st
}
