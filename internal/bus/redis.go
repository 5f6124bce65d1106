package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/pressline/internal/logging"
)

// RedisBus is an alternate Bus backend built on Redis PUBLISH/SUBSCRIBE,
// for local development and integration testing without standing up a
// real MQTT broker.
//
// Redis pub/sub itself has no QoS or persistence; this backend keeps the
// interface's buffer-vs-drop contract by queuing buffer-policy topics
// in-process and retrying on a short interval while disconnected, but it
// cannot provide MQTT's broker-side QoS 1 guarantees. Production
// deployments use MQTTBus; RedisBus exists for environments without an
// MQTT broker available.
type RedisBus struct {
	client *redis.Client
	prefix string

	mu        sync.Mutex
	connected bool
	buffered  []bufferedMsg
	subs      map[string]*redis.PubSub
	cancel    context.CancelFunc
}

// NewRedisBus creates a Redis-backed Bus. addr is host:port.
func NewRedisBus(addr, password string, db int) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "pressline:",
		subs:   make(map[string]*redis.PubSub),
	}
}

// Connect verifies connectivity and starts a background liveness loop
// that flushes any buffered publishes once the connection recovers.
func (b *RedisBus) Connect(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.livenessLoop(loopCtx)
	return nil
}

func (b *RedisBus) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive := b.client.Ping(ctx).Err() == nil
			b.mu.Lock()
			wasConnected := b.connected
			b.connected = alive
			pending := b.buffered
			if alive {
				b.buffered = nil
			}
			b.mu.Unlock()
			if alive && !wasConnected {
				logging.Op().Info("bus reconnected")
			}
			if alive {
				for _, m := range pending {
					if err := b.rawPublish(ctx, m.topic, m.payload); err != nil {
						logging.Op().Warn("bus: replay of buffered publish failed", "topic", m.topic, "error", err)
					}
				}
			}
		}
	}
}

// Subscribe registers handler on topic. qos is accepted for interface
// parity but has no effect on Redis pub/sub delivery.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, _ QoS, handler Handler) error {
	sub := b.client.Subscribe(ctx, b.prefix+topic)
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	if old, ok := b.subs[topic]; ok {
		old.Close()
	}
	b.subs[topic] = sub
	b.mu.Unlock()

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler(topic, []byte(msg.Payload))
		}
	}()
	return nil
}

// Publish sends payload on topic, applying the buffer-vs-drop policy
// while disconnected.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte, _ QoS) error {
	if b.Connected() {
		return b.rawPublish(ctx, topic, payload)
	}

	if PolicyForTopic(topic) == PolicyDrop {
		logging.Op().Warn("bus: dropping publish while disconnected", "topic", topic)
		return nil
	}

	b.mu.Lock()
	b.buffered = append(b.buffered, bufferedMsg{topic: topic, payload: payload})
	b.mu.Unlock()
	logging.Op().Info("bus: buffering publish until reconnect", "topic", topic)
	return nil
}

func (b *RedisBus) rawPublish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, b.prefix+topic, payload).Err()
}

// Connected reports the last-known liveness check result.
func (b *RedisBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Disconnect closes all subscriptions and the underlying client.
func (b *RedisBus) Disconnect(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	for _, s := range b.subs {
		s.Close()
	}
	b.subs = nil
	b.mu.Unlock()
	return b.client.Close()
}
