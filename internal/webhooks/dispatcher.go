package webhooks

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

// Dispatcher fans one event out to every matching endpoint of the tenant.
type Dispatcher struct {
	Store store.Store
	Exec  *Executor
}

func NewDispatcher(s store.Store, e *Executor) *Dispatcher {
	return &Dispatcher{Store: s, Exec: e}
}

// Dispatch snapshots the event payload once and fires an initial attempt per
// subscribed active endpoint. It never blocks the caller and never reports an
// error: lookup failures and zero matches are silent no-ops, and each attempt
// runs in its own goroutine so one slow receiver cannot delay the rest.
func (p *Dispatcher) Dispatch(ctx context.Context, tenantID, eventType string, data map[string]any) {
	eps, err := p.Store.EndpointsForEvent(ctx, tenantID, eventType)
	if err != nil || len(eps) == 0 {
		return
	}
	evt := model.Event{
		ID:       "evt_" + uuid.New().String(),
		Type:     eventType,
		TenantID: tenantID,
		TS:       time.Now().UTC().Format(time.RFC3339),
		Data:     data,
	}
	payload, _ := json.Marshal(evt)
	for _, ep := range eps {
		ep := ep
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("webhook dispatch panic endpoint=%s: %v", ep.ID, r)
				}
			}()
			// detached from the caller's request context; attempts carry
			// their own timeout via the HTTP client
			actx, cancel := context.WithTimeout(context.Background(), p.Exec.Cfg.HTTPTimeout+5*time.Second)
			defer cancel()
			if _, err := p.Exec.AttemptFirst(actx, ep, eventType, payload, evt.ID+":"+ep.ID); err != nil {
				log.Printf("webhook dispatch store error endpoint=%s: %v", ep.ID, err)
			}
		}()
	}
}

// TestDeliver sends a synchronous ping event to one endpoint and returns the
// finished record. Test deliveries get no retry budget; whatever the first
// attempt produced is terminal.
func (p *Dispatcher) TestDeliver(ctx context.Context, tenantID, endpointID string) (store.Delivery, error) {
	ep, err := p.Store.GetEndpoint(ctx, tenantID, endpointID)
	if err != nil {
		return store.Delivery{}, err
	}
	evt := model.Event{
		ID:       "evt_" + uuid.New().String(),
		Type:     model.EventPing,
		TenantID: tenantID,
		TS:       time.Now().UTC().Format(time.RFC3339),
		Data:     map[string]any{"test": true},
	}
	payload, _ := json.Marshal(evt)
	return p.Exec.AttemptOnce(ctx, ep, model.EventPing, payload, evt.ID+":"+ep.ID)
}
