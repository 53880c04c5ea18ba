package api

import (
    "sync"
)

// FeedEvent is one entry on a tenant's live delivery feed.
type FeedEvent struct {
    Type string
    Data map[string]any
}

// Broker is the in-memory feed fan-out, keyed by tenant. Slow subscribers
// drop events rather than block the publisher.
type Broker struct {
    mu   sync.Mutex
    subs map[string]map[chan FeedEvent]struct{} // tenantId -> set of channels
}

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan FeedEvent]struct{}{}}
}

func (b *Broker) Subscribe(tenantID string) chan FeedEvent {
    ch := make(chan FeedEvent, 8)
    b.mu.Lock()
    if b.subs[tenantID] == nil { b.subs[tenantID] = map[chan FeedEvent]struct{}{} }
    b.subs[tenantID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(tenantID string, ch chan FeedEvent) {
    b.mu.Lock()
    if m := b.subs[tenantID]; m != nil {
        delete(m, ch)
        if len(m) == 0 { delete(b.subs, tenantID) }
    }
    b.mu.Unlock()
    close(ch)
}

func (b *Broker) Publish(tenantID string, evt FeedEvent) {
    b.mu.Lock()
    m := b.subs[tenantID]
    for ch := range m {
        select { case ch <- evt: default: }
    }
    b.mu.Unlock()
}
