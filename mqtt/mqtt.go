package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrNotConnected = errors.New("mqtt: client not connected")

// MQTTConfig holds the configuration for the MQTT client.
type MQTTConfig struct {
	BrokerURL     string
	ClientID      string
	Username      string
	Password      string
	QoS           byte
	Retained      bool
	AutoReconnect bool
	MaxRetries    int
	RetryInterval time.Duration
}

// Handler receives messages of a subscription.
type Handler func(topic string, payload []byte)

// Client is a broker connection that restores its subscriptions after a
// reconnect.
type Client struct {
	client mqtt.Client
	config MQTTConfig
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// NewClient connects to the broker, retrying up to MaxRetries times.
func NewClient(config MQTTConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		config: config,
		logger: logger.With("component", "mqtt", "broker", config.BrokerURL),
		subs:   make(map[string]Handler),
	}

	opts := mqtt.NewClientOptions().AddBroker(config.BrokerURL)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetAutoReconnect(config.AutoReconnect)
	opts.SetOnConnectHandler(c.resubscribe)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("connection to broker lost", "error", err)
	})

	retries := 0
	for {
		c.client = mqtt.NewClient(opts)
		token := c.client.Connect()
		if token.WaitTimeout(config.RetryInterval) && token.Error() == nil {
			c.logger.Info("connected to broker")
			return c, nil
		}
		retries++
		if retries >= config.MaxRetries {
			return nil, fmt.Errorf("connect to %s after %d attempts: %v", config.BrokerURL, retries, token.Error())
		}
		c.logger.Warn("broker connection failed, retrying",
			"attempt", retries, "max", config.MaxRetries, "error", token.Error(), "retry_in", config.RetryInterval)
		time.Sleep(config.RetryInterval)
	}
}

// Publish sends payload to topic and waits for the broker to take it.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("%w: publish %s", ErrNotConnected, topic)
	}
	token := c.client.Publish(topic, c.config.QoS, c.config.Retained, payload)
	if !token.WaitTimeout(c.config.RetryInterval) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	c.logger.Debug("published", "topic", topic, "bytes", len(payload))
	return nil
}

// Subscribe registers handler for topic. The subscription is renewed on
// every reconnect.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	return c.subscribe(c.client, topic, handler)
}

func (c *Client) subscribe(client mqtt.Client, topic string, handler Handler) error {
	token := client.Subscribe(topic, c.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.config.RetryInterval) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.Info("subscribed", "topic", topic)
	return nil
}

func (c *Client) resubscribe(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	c.mu.Unlock()

	for topic, h := range subs {
		if err := c.subscribe(client, topic, h); err != nil {
			c.logger.Error("resubscribe failed", "topic", topic, "error", err)
		}
	}
}

// Close disconnects the MQTT client.
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("disconnecting from broker")
		c.client.Disconnect(250)
	}
}
