// Package mqttbridge republishes hub envelopes on an MQTT broker.
package mqttbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"ndefender/internal/hub"
	"ndefender/internal/logging"
)

// Payload encodings.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

const (
	queueSize      = 512
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// Config describes the broker and topic layout.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Encoding    string
}

// Stats contains bridge counters.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Dropped   uint64
	Errors    uint64
}

// Bridge is a hub subscriber. Send only queues; Run publishes.
type Bridge struct {
	cfg    Config
	Client mqtt.Client

	queue chan hub.Envelope

	mu        sync.RWMutex
	published map[string]uint64
	dropped   uint64
	errors    uint64
	connected bool
}

// New returns a bridge for cfg. Connect must be called before Run.
func New(cfg Config) *Bridge {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	return &Bridge{
		cfg:       cfg,
		queue:     make(chan hub.Envelope, queueSize),
		published: make(map[string]uint64),
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection with automatic reconnects.
// A preset Client is used as is.
func (b *Bridge) Connect(ctx context.Context) error {
	log := logging.FromContext(ctx).With("broker", b.cfg.Broker)
	if b.Client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(brokerURL(b.cfg.Broker))
		opts.SetClientID(b.cfg.ClientID)
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectRetryInterval(2 * time.Second)
		opts.SetMaxReconnectInterval(30 * time.Second)
		opts.OnConnect = func(mqtt.Client) {
			b.setConnected(true)
			log.Info("mqtt connection established", "client_id", b.cfg.ClientID)
		}
		opts.OnConnectionLost = func(_ mqtt.Client, err error) {
			b.setConnected(false)
			log.Warn("mqtt connection lost, will auto-reconnect", "err", err)
		}
		b.Client = mqtt.NewClient(opts)
	}

	log.Info("connecting to mqtt broker")
	token := b.Client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	b.setConnected(true)
	return nil
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Bridge) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Send queues env for publishing. A full queue drops env; the bridge
// stays subscribed.
func (b *Bridge) Send(env hub.Envelope) error {
	select {
	case b.queue <- env:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
	return nil
}

// Topic returns the topic env is published on.
func (b *Bridge) Topic(env hub.Envelope) string {
	return b.cfg.TopicPrefix + "/" + strings.ToLower(env.Type)
}

// Encode renders env in the configured encoding.
func (b *Bridge) Encode(env hub.Envelope) ([]byte, error) {
	if b.cfg.Encoding == EncodingMsgpack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(env); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(env)
}

// Publish sends one envelope and waits for the broker.
func (b *Bridge) Publish(env hub.Envelope) error {
	if !b.isConnected() {
		b.countError()
		return ErrNotConnected
	}
	payload, err := b.Encode(env)
	if err != nil {
		b.countError()
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	topic := b.Topic(env)
	token := b.Client.Publish(topic, b.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		b.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		b.countError()
		return fmt.Errorf("publish failed: %w", err)
	}
	b.mu.Lock()
	b.published[topic]++
	b.mu.Unlock()
	return nil
}

func (b *Bridge) countError() {
	b.mu.Lock()
	b.errors++
	b.mu.Unlock()
}

// Run publishes queued envelopes until ctx is done, then disconnects.
func (b *Bridge) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	defer b.Disconnect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.queue:
			if err := b.Publish(env); err != nil {
				log.Debug("mqtt publish failed", "type", env.Type, "err", err)
			}
		}
	}
}

// Disconnect closes the broker connection.
func (b *Bridge) Disconnect() {
	if b.Client != nil && b.Client.IsConnected() {
		b.Client.Disconnect(250)
	}
	b.setConnected(false)
}

// Stats returns a copy of the counters.
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	published := make(map[string]uint64, len(b.published))
	for k, v := range b.published {
		published[k] = v
	}
	return Stats{Connected: b.connected, Published: published, Dropped: b.dropped, Errors: b.errors}
}
