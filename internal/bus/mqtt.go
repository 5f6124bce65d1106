package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oriys/pressline/internal/circuitbreaker"
	"github.com/oriys/pressline/internal/logging"
)

// MQTTBus is the production Bus backend, built on an MQTT v3.1.1/v5
// capable broker connection via paho.mqtt.golang. Reconnection uses the
// client library's own bounded exponential backoff (SetConnectRetry +
// SetMaxReconnectInterval). On top of that a circuit breaker is fed by
// publish results and connection-lost events; while it is open,
// drop-policy publishes made during an outage return ErrUnavailable
// instead of being discarded with a log line. The breaker is not fed
// while the connection is down, so the length of an outage does not
// trip it: a connection loss trips it only when no publish succeeded
// within the preceding keepalive window.
type MQTTBus struct {
	cfg     Config
	client  mqtt.Client
	breaker *circuitbreaker.Breaker

	mu        sync.Mutex
	connected bool
	buffered  []bufferedMsg
}

type bufferedMsg struct {
	topic   string
	payload []byte
	qos     QoS
}

// NewMQTTBus creates an MQTT-backed Bus. Connect must still be called.
func NewMQTTBus(cfg Config) *MQTTBus {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Second
	}
	b := &MQTTBus{
		cfg: cfg,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			ErrorPct:       100,
			WindowDuration: cfg.Keepalive,
			OpenDuration:   5 * time.Second,
			HalfOpenProbes: 1,
		}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Pass)
	}
	opts.SetKeepAlive(cfg.Keepalive)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		b.mu.Lock()
		b.connected = true
		pending := b.buffered
		b.buffered = nil
		b.mu.Unlock()
		b.breaker.RecordSuccess()
		logging.Op().Info("bus connected", "host", cfg.Host, "port", cfg.Port)
		for _, m := range pending {
			if err := b.rawPublish(m.topic, m.payload, m.qos); err != nil {
				logging.Op().Warn("bus: replay of buffered publish failed", "topic", m.topic, "error", err)
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		b.breaker.RecordFailure()
		logging.Op().Warn("bus connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect blocks until the broker handshake completes or ctx expires.
func (b *MQTTBus) Connect(ctx context.Context) error {
	token := b.client.Connect()
	return waitToken(ctx, token)
}

// Subscribe registers handler on topic at the given QoS.
func (b *MQTTBus) Subscribe(ctx context.Context, topic string, qos QoS, handler Handler) error {
	token := b.client.Subscribe(topic, byte(qos), func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return waitToken(ctx, token)
}

// Publish sends payload on topic, applying the buffer-vs-drop policy for
// the topic's class while disconnected.
func (b *MQTTBus) Publish(ctx context.Context, topic string, payload []byte, qos QoS) error {
	if b.Connected() {
		return b.rawPublish(topic, payload, qos)
	}

	policy := PolicyForTopic(topic)
	if policy == PolicyDrop {
		if !b.breaker.Allow() {
			return ErrUnavailable
		}
		logging.Op().Warn("bus: dropping publish while disconnected", "topic", topic)
		return nil
	}

	b.mu.Lock()
	b.buffered = append(b.buffered, bufferedMsg{topic: topic, payload: payload, qos: qos})
	b.mu.Unlock()
	logging.Op().Info("bus: buffering publish until reconnect", "topic", topic)
	return nil
}

func (b *MQTTBus) rawPublish(topic string, payload []byte, qos QoS) error {
	token := b.client.Publish(topic, byte(qos), false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		b.breaker.RecordFailure()
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	b.breaker.RecordSuccess()
	return nil
}

// Connected reports the last-known connection state.
func (b *MQTTBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Disconnect tears down the MQTT connection.
func (b *MQTTBus) Disconnect(ctx context.Context) error {
	b.client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
