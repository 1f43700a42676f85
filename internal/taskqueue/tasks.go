package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"multirubro/internal/automation"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	// TypeDeliverNotification is the asynq task type for notify actions
	TypeDeliverNotification = "notification:deliver"

	// QueueNotifications is the queue notify tasks are placed on
	QueueNotifications = "notifications"
)

// TaskClient is the part of asynq.Client used to enqueue tasks
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer hands notification intents to the task queue
type Enqueuer struct {
	client TaskClient
	logger *zap.SugaredLogger
}

// NewEnqueuer creates an enqueuer
func NewEnqueuer(client TaskClient, logger *zap.SugaredLogger) *Enqueuer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Enqueuer{client: client, logger: logger.With("component", "taskqueue")}
}

// NewNotificationTask builds the task carrying n
func NewNotificationTask(n automation.Notification) (*asynq.Task, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeliverNotification, payload), nil
}

// EnqueueNotification queues n for delivery and returns the task id
func (e *Enqueuer) EnqueueNotification(ctx context.Context, n automation.Notification) (string, error) {
	task, err := NewNotificationTask(n)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	info, err := e.client.EnqueueContext(ctx, task,
		asynq.TaskID(id),
		asynq.Queue(QueueNotifications),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Second),
	)
	if err != nil {
		e.logger.Errorw("Failed to enqueue notification", "rule_id", n.RuleID, "channel", n.Channel, "error", err)
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	e.logger.Debugw("Notification enqueued", "task_id", info.ID, "rule_id", n.RuleID, "channel", n.Channel)
	return info.ID, nil
}
