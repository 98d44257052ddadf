package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"beaconsync/internal/config"
)

// Subscriber receives advertisements relayed by Ruuvi Gateways.
type Subscriber struct {
	client    mqtt.Client
	cfg       config.MQTT
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once

	handler func(msg GatewayMessage) error
}

// SetMessageHandler sets the handler for valid gateway messages. Call it
// before Connect.
func (s *Subscriber) SetMessageHandler(handler func(msg GatewayMessage) error) {
	s.handler = handler
}

func NewSubscriber(cfg config.MQTT, logger *slog.Logger) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscribing here restores the subscription after every reconnect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.setConnected(true)
		s.logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
		if err := s.subscribe(c); err != nil {
			s.logger.Error("mqtt subscribe failed", "topic", cfg.Topic, "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Connect establishes the broker connection, waiting until it succeeds,
// fails, ctx is done or the subscriber is stopped.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return fmt.Errorf("subscriber stopped")
	default:
	}
	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()

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
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return fmt.Errorf("subscriber stopped")
		default:
		}
	}
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	topic := s.cfg.Topic
	qos := byte(0) // gateways publish advertisements at most once

	token := c.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}
	s.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	msg, err := ParseGatewayMessage(topic, payload, time.Now())
	if err != nil {
		s.logger.Debug("ignore mqtt message", "topic", topic, "error", err)
		return
	}
	if s.handler == nil {
		return
	}
	if err := s.handler(msg); err != nil {
		s.logger.Warn("gateway message handler failed",
			"topic", topic,
			"addr", msg.Address,
			"error", err,
		)
	}
}

// IsConnected returns whether the client is connected.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber and closes the MQTT connection.
// Idempotent and safe to call multiple times.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.client != nil && s.IsConnected() {
		token := s.client.Unsubscribe(s.cfg.Topic)
		token.WaitTimeout(2 * time.Second)
	}
	// Disconnect without holding s.mu to avoid lock contention/deadlocks.
	if s.client != nil {
		s.client.Disconnect(250)
	}
	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
