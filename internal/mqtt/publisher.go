package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"multirubro/internal/automation"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the part of mqtt.Client used to send commands
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// CommandTopic is where an actuator listens for commands
func CommandTopic(target string) string {
	return fmt.Sprintf("devices/%s/commands", target)
}

// CommandPublisher delivers actuation intents over MQTT
type CommandPublisher struct {
	client  Publisher
	timeout time.Duration
}

// NewCommandPublisher creates a publisher waiting up to timeout for the
// broker to accept each command
func NewCommandPublisher(client Publisher, timeout time.Duration) *CommandPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CommandPublisher{client: client, timeout: timeout}
}

// SendCommand publishes cmd to the target's command topic with QoS 1
func (p *CommandPublisher) SendCommand(ctx context.Context, cmd automation.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	wait := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < wait {
			wait = left
		}
	}

	token := p.client.Publish(CommandTopic(cmd.Target), 1, false, payload)
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("publish to %s: timed out", CommandTopic(cmd.Target))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", CommandTopic(cmd.Target), err)
	}
	return nil
}
