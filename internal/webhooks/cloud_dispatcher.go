package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudDispatcher uses Google Cloud Tasks for durable, at-least-once
// webhook delivery. Each Emit enqueues one HTTP task per matching
// subscriber.
//
// Cloud Tasks handles:
//   - Retry with exponential backoff (configured at queue level)
//   - Dead-letter queue for permanently failed deliveries
//   - Rate limiting per queue
//
// Falls back to the in-memory Dispatcher when a task cannot be enqueued.
type CloudDispatcher struct {
	registry      *Registry
	client        *cloudtasks.Client
	queuePath     string
	logger        *log.Logger
	defaultSecret string
	fallback      *Dispatcher
}

// NewCloudDispatcher creates a Cloud Tasks-backed webhook dispatcher.
// projectID, locationID, queueID identify the Cloud Tasks queue. When
// fallbackWorkers > 0 an in-memory Dispatcher covers enqueue failures.
func NewCloudDispatcher(
	registry *Registry,
	projectID, locationID, queueID, defaultSecret string,
	fallbackWorkers int,
) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s",
		projectID, locationID, queueID)

	cd := &CloudDispatcher{
		registry:      registry,
		client:        client,
		queuePath:     queuePath,
		logger:        log.New(log.Writer(), "[CloudTasks] ", log.LstdFlags),
		defaultSecret: defaultSecret,
	}

	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers, defaultSecret)
	}

	cd.logger.Printf("✅ Connected to Cloud Tasks queue: %s", queuePath)
	return cd, nil
}

// Emit creates one Cloud Task per matching subscriber: an HTTP POST of the
// signed Event payload to the subscriber URL.
func (cd *CloudDispatcher) Emit(eventType EventType, projectID string, data map[string]interface{}) {
	subscribers := cd.registry.GetSubscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		Source:    "/api/audit",
		Timestamp: time.Now(),
		ProjectID: projectID,
		Data:      data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		cd.logger.Printf("❌ Failed to marshal webhook event: %v", err)
		return
	}

	for _, sub := range subscribers {
		if sub.ProjectID != "" && sub.ProjectID != projectID {
			continue
		}

		cd.enqueueTask(sub, event, payload)
	}
}

// enqueueTask creates a single Cloud Task for a webhook subscriber.
func (cd *CloudDispatcher) enqueueTask(sub *Subscription, event *Event, payload []byte) {
	headers := map[string]string{
		"Content-Type":              "application/json",
		"X-Zenith-Event-Type":       string(event.Type),
		"X-Zenith-Event-ID":         event.ID,
		"X-Zenith-Delivery-Attempt": "1",
	}

	secret := sub.Secret
	if secret == "" {
		secret = cd.defaultSecret
	}
	if secret != "" {
		headers["X-Zenith-Signature"] = "sha256=" + SignPayload(payload, secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Non-blocking: enqueue off the hot path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("❌ Cloud Task enqueue failed: %s → %s: %v",
				event.ID, sub.URL, err)

			if cd.fallback != nil {
				cd.logger.Printf("↩️  Falling back to in-memory delivery for %s", event.ID)
				cd.fallback.Emit(event.Type, event.ProjectID, event.Data)
			}
			return
		}

		cd.logger.Printf("📤 Enqueued Cloud Task: %s → %s (task=%s)",
			event.ID, sub.URL, task.GetName())
	}()
}

// Shutdown closes the Cloud Tasks client and the fallback dispatcher.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	cd.logger.Printf("🔌 Cloud Tasks dispatcher closed")
}

// MarshalStats returns basic telemetry about the dispatcher.
func (cd *CloudDispatcher) MarshalStats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cd.queuePath,
		"subscribers":  len(cd.registry.ListAll()),
		"has_fallback": cd.fallback != nil,
	}
}
