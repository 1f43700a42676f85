package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"multirubro/internal/automation"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Gateway delivers a notification on its channel
type Gateway interface {
	Deliver(ctx context.Context, n automation.Notification) error
}

// LogGateway records notifications in the log instead of sending them
type LogGateway struct {
	logger *zap.SugaredLogger
}

// NewLogGateway creates a log-only gateway
func NewLogGateway(logger *zap.SugaredLogger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogGateway{logger: logger.With("component", "notifications")}
}

// Deliver logs n
func (g *LogGateway) Deliver(_ context.Context, n automation.Notification) error {
	g.logger.Infow("Notification delivered",
		"channel", n.Channel,
		"recipients", n.Recipients,
		"message", n.Message,
		"rule_id", n.RuleID,
		"device_id", n.DeviceID,
	)
	return nil
}

// Worker runs the asynq server processing notification tasks
type Worker struct {
	srv     *asynq.Server
	mux     *asynq.ServeMux
	gateway Gateway
	logger  *zap.SugaredLogger
}

// NewWorker creates a worker reading from the redis at redisAddr
func NewWorker(redisAddr string, concurrency int, gateway Gateway, logger *zap.SugaredLogger) *Worker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	w := &Worker{
		mux:     asynq.NewServeMux(),
		gateway: gateway,
		logger:  logger.With("component", "taskqueue"),
	}
	w.srv = asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueNotifications: 1},
		Logger:      logger.With("component", "asynq"),
	})
	w.mux.HandleFunc(TypeDeliverNotification, w.HandleNotification)
	return w
}

// Start begins processing tasks in the background
func (w *Worker) Start() error {
	w.logger.Infow("Starting workers", "queue", QueueNotifications)
	return w.srv.Start(w.mux)
}

// Stop drains in-flight tasks and stops the server
func (w *Worker) Stop() {
	w.srv.Shutdown()
	w.logger.Info("Workers stopped")
}

// HandleNotification delivers one queued notification. Undecodable
// payloads are not retried.
func (w *Worker) HandleNotification(ctx context.Context, t *asynq.Task) error {
	var n automation.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		w.logger.Errorw("Dropping malformed notification task", "error", err)
		return fmt.Errorf("decode notification: %v: %w", err, asynq.SkipRetry)
	}
	if err := w.gateway.Deliver(ctx, n); err != nil {
		w.logger.Warnw("Notification delivery failed", "rule_id", n.RuleID, "channel", n.Channel, "error", err)
		return err
	}
	return nil
}
