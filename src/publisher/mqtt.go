// Package publisher mirrors sample batches to an MQTT broker.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nhirsama/picolog/src/inter"
)

// Options configures the MQTT mirror.
type Options struct {
	// Broker is host:port or a full URL such as tcp://host:1883.
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
	BoardID  string
	// ConnectTimeout bounds the initial connection.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Message is the JSON document published for every batch.
type Message struct {
	BoardID  string    `json:"board_id"`
	Start    time.Time `json:"start"`
	PeriodMS float64   `json:"period_ms"`
	Values   []uint16  `json:"values"`
}

// NewMessage builds the published document for batch.
func NewMessage(boardID string, batch inter.Batch) Message {
	values := make([]uint16, len(batch.Samples))
	for i, s := range batch.Samples {
		values[i] = s.Value
	}
	return Message{
		BoardID:  boardID,
		Start:    batch.Start.UTC(),
		PeriodMS: float64(batch.Period) / float64(time.Millisecond),
		Values:   values,
	}
}

// MQTTSink publishes one message per batch.
type MQTTSink struct {
	client  mqtt.Client
	topic   string
	qos     byte
	boardID string
	logger  *slog.Logger
}

var _ inter.SampleSink = (*MQTTSink)(nil)

// Dial connects to the broker. The client reconnects on its own after a
// lost connection; publishes made while disconnected fail.
func Dial(ctx context.Context, opts Options) (*MQTTSink, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetCleanSession(true)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectTimeout(opts.ConnectTimeout)
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to MQTT broker", "broker", broker)
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("lost connection to MQTT broker", "broker", broker, "error", err)
	})

	client := mqtt.NewClient(clientOpts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", broker, err)
	}

	return &MQTTSink{
		client:  client,
		topic:   opts.Topic,
		qos:     opts.QoS,
		boardID: opts.BoardID,
		logger:  logger,
	}, nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteBatch publishes batch and waits for the broker to accept it.
func (s *MQTTSink) WriteBatch(ctx context.Context, batch inter.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	data, err := json.Marshal(NewMessage(s.boardID, batch))
	if err != nil {
		return err
	}
	if err := wait(ctx, s.client.Publish(s.topic, s.qos, false, data)); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.topic, err)
	}
	s.logger.Debug("published batch", "topic", s.topic, "count", batch.Len())
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
