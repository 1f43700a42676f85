package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second

// NewMQTTClient creates an MQTT client and connects it, retrying with
// exponential backoff until ctx is done.
func NewMQTTClient(ctx context.Context, broker, clientID string, logger *zap.SugaredLogger) (mqtt.Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("component", "mqtt")
	client := mqtt.NewClient(clientOptions(broker, clientID, logger))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	connect := func() error {
		token := client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("connect to %s: timed out", broker)
		}
		return token.Error()
	}
	notify := func(err error, wait time.Duration) {
		logger.Warnw("Connect failed, retrying", "broker", broker, "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}

// clientOptions lets message handlers run concurrently; a reading handler
// blocks on the whole ingest pipeline and must not stall the router.
func clientOptions(broker, clientID string, logger *zap.SugaredLogger) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warnw("Connection lost", "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Infow("Connected", "broker", broker)
		})
}
