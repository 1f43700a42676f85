package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"multirubro/internal/models"
	"multirubro/internal/utils"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var ErrInvalidPayload = errors.New("invalid reading payload")

// ReadingHandler consumes a decoded reading
type ReadingHandler func(ctx context.Context, r models.Reading) error

// readingPayload is what sensor nodes publish on the readings topic
type readingPayload struct {
	DeviceID  string     `json:"device_id"`
	Value     *float64   `json:"value"`
	Unit      string     `json:"unit"`
	Quality   *float64   `json:"quality"`
	Timestamp *time.Time `json:"timestamp"`
}

// DecodeReading parses a reading published on topic. The device id comes
// from the payload or, when absent, from the topic.
func DecodeReading(topic string, payload []byte, now time.Time) (models.Reading, error) {
	var p readingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.Reading{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.DeviceID == "" {
		p.DeviceID = utils.ParseDeviceID(topic)
	}
	if p.DeviceID == "" {
		return models.Reading{}, fmt.Errorf("%w: no device_id", ErrInvalidPayload)
	}
	if p.Value == nil {
		return models.Reading{}, fmt.Errorf("%w: no value", ErrInvalidPayload)
	}

	r := models.Reading{DeviceID: p.DeviceID, Value: *p.Value, Unit: p.Unit, Quality: 1, Timestamp: now}
	if p.Quality != nil {
		r.Quality = *p.Quality
	}
	if p.Timestamp != nil {
		r.Timestamp = *p.Timestamp
	}
	return r, nil
}

// Subscriber feeds readings from MQTT into a handler
type Subscriber struct {
	client  mqtt.Client
	topic   string
	handler ReadingHandler
	logger  *zap.SugaredLogger
	timeout time.Duration
}

// NewSubscriber creates a subscriber for topic and its per-device subtopics
func NewSubscriber(client mqtt.Client, topic string, handler ReadingHandler, logger *zap.SugaredLogger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Subscriber{
		client:  client,
		topic:   topic,
		handler: handler,
		logger:  logger.With("component", "mqtt_readings"),
		timeout: 30 * time.Second,
	}
}

// Start subscribes to the readings topics
func (s *Subscriber) Start() error {
	filters := map[string]byte{s.topic: 1, s.topic + "/+": 1}
	token := s.client.SubscribeMultiple(filters, s.onMessage)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribe %s: timed out", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	s.logger.Infow("Subscribed", "topic", s.topic)
	return nil
}

// Stop unsubscribes
func (s *Subscriber) Stop() {
	s.client.Unsubscribe(s.topic, s.topic+"/+").WaitTimeout(connectTimeout)
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	reading, err := DecodeReading(msg.Topic(), msg.Payload(), time.Now().UTC())
	if err != nil {
		s.logger.Warnw("Dropping reading", "topic", msg.Topic(), "error", err)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Errorw("Reading handler panicked", "device_id", reading.DeviceID, "panic", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.handler(ctx, reading); err != nil {
		s.logger.Errorw("Reading not processed", "device_id", reading.DeviceID, "error", err)
	}
}
