package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stackchan/internal/command"
	"stackchan/internal/config"
	"stackchan/internal/dispatch"
	"stackchan/internal/response"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Handler interface {
	Handle(origin dispatch.Origin, req command.Request) dispatch.Result
}

// Reply is published on the response topic for every command served.
type Reply struct {
	Request     string `json:"request"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

// Bridge serves the command vocabulary over MQTT. Commands arrive on
// <prefix>/<device>/command as request lines or bare paths; replies go to
// <prefix>/<device>/response and status snapshots to the retained
// <prefix>/<device>/status.
type Bridge struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	handler   Handler
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once

	// publish is replaced in tests.
	publish func(topic string, retained bool, payload []byte)
}

func NewBridge(cfg config.Config, handler Handler, logger *slog.Logger) *Bridge {
	b := &Bridge{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		stopCh:  make(chan struct{}),
	}
	b.publish = b.publishAsync

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	// Session settings
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Clean sessions drop subscriptions, so subscribe on every (re)connect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		b.subscribe(c)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	return b
}

func (b *Bridge) topic(leaf string) string {
	return b.cfg.MQTTTopicPrefix + "/" + b.cfg.DeviceID + "/" + leaf
}

func (b *Bridge) CommandTopic() string  { return b.topic("command") }
func (b *Bridge) ResponseTopic() string { return b.topic("response") }
func (b *Bridge) StatusTopic() string   { return b.topic("status") }

// Connect waits for the initial broker connection, respecting ctx and Disconnect.
func (b *Bridge) Connect(ctx context.Context) error {
	// Fail fast if already stopped.
	select {
	case <-b.stopCh:
		return fmt.Errorf("bridge stopped")
	default:
	}

	if b.IsConnected() {
		return nil
	}

	// With ConnectRetry(true) the client keeps retrying in the background.
	token := b.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return fmt.Errorf("bridge stopped")
		default:
		}
	}
}

func (b *Bridge) subscribe(c mqtt.Client) {
	topic := b.CommandTopic()
	qos := byte(1) // At least once delivery

	token := c.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
	// Runs on the client's callback goroutine; never wait here.
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("mqtt subscribe timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Error("mqtt subscribe failed", "topic", topic, "error", err)
			return
		}
		b.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	}()
}

// ParsePayload accepts "GET /path?query HTTP/1.1" or a bare "/path?query".
func ParsePayload(payload []byte) (command.Request, error) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "/") {
		s = "GET " + s
	}
	return command.ParseRequestLine(s)
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	b.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	req, err := ParsePayload(payload)
	if err != nil {
		b.logger.Warn("dropping mqtt command", "topic", topic, "error", err, "payload", string(payload))
		return
	}

	res := b.handler.Handle(dispatch.OriginMQTT, req)
	resp := response.Build(res)
	data, err := json.Marshal(Reply{
		Request:     req.RequestLine(),
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Body:        string(resp.Body),
	})
	if err != nil {
		b.logger.Error("marshal reply", "error", err)
		return
	}
	b.publish(b.ResponseTopic(), false, data)
}

// StatusChanged publishes st on the retained status topic.
func (b *Bridge) StatusChanged(st dispatch.Status) {
	if b.client != nil && !b.IsConnected() {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		b.logger.Error("marshal status", "error", err)
		return
	}
	b.publish(b.StatusTopic(), true, data)
}

// publishAsync never blocks the caller; the dispatcher calls observers inline.
func (b *Bridge) publishAsync(topic string, retained bool, payload []byte) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Error("publish failed", "topic", topic, "error", err)
			return
		}
		b.logger.Debug("published", "topic", topic, "retained", retained, "size", len(payload))
	}()
}

// IsConnected returns whether the client is connected.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	connected := b.connected
	b.mu.RUnlock()
	return connected && b.client.IsConnected()
}

// Disconnect stops the bridge and closes the MQTT connection.
// Idempotent and safe to call multiple times.
func (b *Bridge) Disconnect() {
	b.stopOnce.Do(func() { close(b.stopCh) })

	if b.client != nil && b.IsConnected() {
		token := b.client.Unsubscribe(b.CommandTopic())
		token.WaitTimeout(2 * time.Second)
	}

	if b.client != nil {
		b.client.Disconnect(250)
	}

	b.setConnected(false)
	b.logger.Info("mqtt bridge disconnected")
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}
