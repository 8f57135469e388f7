package messaging

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"fieldops/config"
)

type MessageHandler func(topic string, payload []byte)

// Client is the unified broker client. Kafka carries the schedule event
// stream; MQTT suits device fleets on constrained links.
type Client struct {
	mu       sync.RWMutex
	cfg      *config.MessagingConfig
	log      zerolog.Logger
	kafka    *kafkaState
	mqttConn mqtt.Client
	handlers map[string]MessageHandler
}

type kafkaState struct {
	readers map[string]*kafka.Reader
	writer  *kafka.Writer
}

func NewClient(cfg *config.MessagingConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		log:      log.With().Str("component", "messaging").Str("backend", cfg.Backend).Logger(),
		handlers: make(map[string]MessageHandler),
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.cfg.Backend {
	case "kafka":
		return c.connectKafka()
	case "mqtt":
		return c.connectMQTT()
	default:
		return fmt.Errorf("unknown messaging backend: %s", c.cfg.Backend)
	}
}

func (c *Client) connectKafka() error {
	if len(c.cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	var conn *kafka.Conn
	var connErr error
	for _, broker := range c.cfg.Kafka.Brokers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, connErr = kafka.DialContext(ctx, "tcp", broker)
		cancel()
		if connErr == nil {
			c.log.Info().Str("broker", broker).Msg("kafka connected")
			break
		}
	}
	if connErr != nil {
		return fmt.Errorf("kafka connect: %w", connErr)
	}
	c.ensureTopics(conn, c.cfg.TelemetryTopic, c.cfg.EventsTopic, c.cfg.RoutesTopic)
	conn.Close()

	c.kafka = &kafkaState{
		readers: make(map[string]*kafka.Reader),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(c.cfg.Kafka.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
	return nil
}

func (c *Client) connectMQTT() error {
	broker := fmt.Sprintf("tcp://%s:%d", c.cfg.MQTT.Broker, c.cfg.MQTT.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(c.cfg.MQTT.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) { c.resubscribeMQTT() })

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.mqttConn = client
	c.log.Info().Str("broker", broker).Msg("mqtt connected")
	return nil
}

// resubscribeMQTT restores subscriptions after an automatic reconnect.
func (c *Client) resubscribeMQTT() {
	c.mu.RLock()
	conn := c.mqttConn
	handlers := make(map[string]MessageHandler, len(c.handlers))
	for k, v := range c.handlers {
		handlers[k] = v
	}
	c.mu.RUnlock()
	if conn == nil {
		return
	}
	for topic, h := range handlers {
		c.subscribeMQTT(conn, topic, h)
	}
}

// ensureTopics creates Kafka topics if they don't already exist. Errors
// are logged, since brokers may auto-create topics anyway.
func (c *Client) ensureTopics(conn *kafka.Conn, topics ...string) {
	var configs []kafka.TopicConfig
	for _, t := range topics {
		if t == "" {
			continue
		}
		configs = append(configs, kafka.TopicConfig{Topic: t, NumPartitions: 1, ReplicationFactor: 1})
	}
	if len(configs) == 0 {
		return
	}

	controller, err := conn.Controller()
	if err != nil {
		c.log.Warn().Err(err).Msg("cannot find controller for topic creation")
		return
	}
	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		c.log.Warn().Err(err).Msg("cannot connect to controller")
		return
	}
	defer controllerConn.Close()

	if err := controllerConn.CreateTopics(configs...); err != nil {
		c.log.Warn().Err(err).Msg("topic auto-create")
		return
	}
	c.log.Info().Strs("topics", topics).Msg("ensured topics exist")
}

// Publish sends payload to topic. Kafka messages are keyed so that one
// key's messages stay ordered within a partition.
func (c *Client) Publish(topic, key string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.kafka != nil && c.kafka.writer != nil:
		return c.kafka.writer.WriteMessages(context.Background(), kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: payload,
		})
	case c.mqttConn != nil:
		if !c.mqttConn.IsConnected() {
			return fmt.Errorf("mqtt not connected")
		}
		token := c.mqttConn.Publish(topic, 1, false, payload)
		token.Wait()
		return token.Error()
	default:
		return fmt.Errorf("messaging not connected")
	}
}

// PublishEnvelope encodes and publishes a protocol envelope to the given topic.
func (c *Client) PublishEnvelope(topic, key string, env interface{ Encode() ([]byte, error) }) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return c.Publish(topic, key, data)
}

func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[topic] = handler
	switch {
	case c.kafka != nil:
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: c.cfg.Kafka.Brokers,
			Topic:   topic,
			GroupID: c.cfg.Kafka.GroupID,
		})
		c.kafka.readers[topic] = reader
		go func() {
			for {
				msg, err := reader.ReadMessage(context.Background())
				if err != nil {
					c.log.Debug().Err(err).Str("topic", topic).Msg("kafka reader stopped")
					return
				}
				handler(msg.Topic, msg.Value)
			}
		}()
		return nil
	case c.mqttConn != nil:
		return c.subscribeMQTT(c.mqttConn, topic, handler)
	default:
		return fmt.Errorf("messaging not connected")
	}
}

func (c *Client) subscribeMQTT(conn mqtt.Client, topic string, handler MessageHandler) error {
	token := conn.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("mqtt subscribe")
		return err
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mqttConn != nil {
		return c.mqttConn.IsConnected()
	}
	return c.kafka != nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kafka != nil {
		for _, r := range c.kafka.readers {
			r.Close()
		}
		if c.kafka.writer != nil {
			c.kafka.writer.Close()
		}
		c.kafka = nil
	}
	if c.mqttConn != nil {
		c.mqttConn.Disconnect(1000)
		c.mqttConn = nil
	}
}
