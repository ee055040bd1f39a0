package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/metrics"
)

// ProgressSink receives every published snapshot, e.g. to forward it off-process
type ProgressSink interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Hub holds the latest snapshot and fans it out to subscribers. A
// subscriber that falls behind skips intermediate snapshots but always
// ends up with the latest one.
type Hub struct {
	mu     sync.Mutex
	latest Snapshot
	subs   map[int]chan Snapshot
	nextID int
	sinks  []ProgressSink
	logger *zap.Logger
}

func NewHub(logger *zap.Logger, sinks ...ProgressSink) *Hub {
	return &Hub{
		latest: IdleSnapshot(),
		subs:   make(map[int]chan Snapshot),
		sinks:  sinks,
		logger: logger,
	}
}

// Latest returns the most recent snapshot
func (h *Hub) Latest() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Subscribe returns a channel primed with the latest snapshot and a cancel func
func (h *Hub) Subscribe() (<-chan Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Snapshot, 1)
	ch <- h.latest
	h.subs[id] = ch
	metrics.ProgressSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
			metrics.ProgressSubscribers.Dec()
		})
	}
}

// Publish records snap as the latest state and delivers it
func (h *Hub) Publish(ctx context.Context, snap Snapshot) {
	h.deliver(snap)
	h.forward(ctx, snap)
}

// deliver updates the latest snapshot and in-process subscribers
func (h *Hub) deliver(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = snap
	for _, ch := range h.subs {
		offerLatest(ch, snap)
	}
}

// forward hands snap to the sinks
func (h *Hub) forward(ctx context.Context, snap Snapshot) {
	for _, sink := range h.sinks {
		if err := sink.Publish(ctx, snap); err != nil {
			h.logger.Warn("progress sink publish failed", zap.String("run_id", snap.RunID), zap.Error(err))
		}
	}
}

// offerLatest replaces any undelivered snapshot in ch with snap
func offerLatest(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// publishTimeout bounds one Redis publish
const publishTimeout = 2 * time.Second

// RedisProgressPublisher forwards snapshots to a per-run Redis pub/sub channel
type RedisProgressPublisher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisProgressPublisher(client *redis.Client) *RedisProgressPublisher {
	return &RedisProgressPublisher{client: client, prefix: "videocoach:progress", timeout: publishTimeout}
}

// Channel returns the pub/sub channel of a run
func (p *RedisProgressPublisher) Channel(runID string) string {
	return fmt.Sprintf("%s:%s", p.prefix, runID)
}

func (p *RedisProgressPublisher) Publish(ctx context.Context, snap Snapshot) error {
	if snap.RunID == "" {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.Channel(snap.RunID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
