package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gspctl/internal/logging"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttDisconnectQuiesce = 250

// MQTTPublisher is the subset of mqtt.Client the sink uses.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes each record to <prefix>/<serial>/<path>.
type MQTT struct {
	client  MQTTPublisher
	prefix  string
	qos     byte
	timeout time.Duration
	onClose func()

	mu     sync.Mutex
	closed bool
}

func NewMQTT(client MQTTPublisher, prefix string) *MQTT {
	return &MQTT{
		client:  client,
		prefix:  strings.Trim(prefix, "/"),
		timeout: 10 * time.Second,
	}
}

// DialMQTT connects to broker (e.g. tcp://localhost:1883).
func DialMQTT(broker, clientID, prefix string) (*MQTT, error) {
	if clientID == "" {
		clientID = fmt.Sprintf("gspctl_%d", time.Now().Unix())
	}
	opts := mqtt.NewClientOptions().AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("feed: mqtt connect %s: %w", broker, token.Error())
	}
	logger := logging.WithComponent("feed")
	logger.Info().Str("broker", broker).Msg("feed.MQTT connected")
	m := NewMQTT(client, prefix)
	m.onClose = func() { client.Disconnect(mqttDisconnectQuiesce) }
	return m, nil
}

// Topic is the topic a record is published on.
func (m *MQTT) Topic(rec Record) string {
	parts := make([]string, 0, 4)
	if m.prefix != "" {
		parts = append(parts, m.prefix)
	}
	parts = append(parts, rec.Serial)
	parts = append(parts, pathTokens(rec.Path)...)
	return strings.Join(parts, "/")
}

func (m *MQTT) Publish(ctx context.Context, rec Record) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	b, err := rec.payload()
	if err != nil {
		return err
	}
	topic := m.Topic(rec)
	token := m.client.Publish(topic, m.qos, false, b)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.timeout):
		return fmt.Errorf("feed: mqtt publish %s: timed out after %s", topic, m.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("feed: mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.onClose != nil {
		m.onClose()
	}
	return nil
}
