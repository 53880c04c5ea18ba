package api

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
)

type EventBroker interface {
    Subscribe(tenantID string) chan FeedEvent
    Unsubscribe(tenantID string, ch chan FeedEvent)
    Publish(tenantID string, evt FeedEvent)
}

// RedisBroker implements EventBroker over Redis Pub/Sub so feed subscribers
// on one replica see deliveries executed on another.
type RedisBroker struct {
    rdb *redis.Client

    mu   sync.Mutex
    subs map[chan FeedEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    return &RedisBroker{rdb: redis.NewClient(opt), subs: map[chan FeedEvent]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(tenantID string) chan FeedEvent {
    ch := make(chan FeedEvent, 16)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, b.chanName(tenantID))
    // initial consume to ensure subscription
    _, _ = ps.Receive(ctx)
    b.mu.Lock()
    b.subs[ch] = ps
    b.mu.Unlock()
    go func() {
        // sole owner of ch: nobody else may close it while this loop runs
        defer close(ch)
        for msg := range ps.Channel() {
            var evt FeedEvent
            if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
                select { case ch <- evt: default: }
            }
        }
    }()
    return ch
}

// Unsubscribe tears down the Redis subscription. Closing the PubSub ends the
// reader goroutine's range, and the reader then closes the fan-out channel.
func (b *RedisBroker) Unsubscribe(tenantID string, ch chan FeedEvent) {
    b.mu.Lock()
    ps := b.subs[ch]
    delete(b.subs, ch)
    b.mu.Unlock()
    if ps != nil { _ = ps.Close() }
}

func (b *RedisBroker) Publish(tenantID string, evt FeedEvent) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    data, _ := json.Marshal(evt)
    _ = b.rdb.Publish(ctx, b.chanName(tenantID), data).Err()
}

func (b *RedisBroker) chanName(tenantID string) string { return "tenant:" + tenantID }
