package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Dispatcher sends webhook events to registered subscribers asynchronously.
type Dispatcher struct {
	registry      *Registry
	httpClient    *http.Client
	queue         chan *deliveryJob
	logger        *log.Logger
	wg            sync.WaitGroup
	workers       int
	defaultSecret string
	pause         func(d time.Duration) // injectable for tests
}

type deliveryJob struct {
	subscriber *Subscription
	event      *Event
	attempt    int
}

// NewDispatcher creates a webhook dispatcher with a background worker pool.
// defaultSecret signs deliveries for subscribers without their own secret.
func NewDispatcher(registry *Registry, workers int, defaultSecret string) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:         make(chan *deliveryJob, 1000),
		logger:        log.New(log.Writer(), "[Dispatch] ", log.LstdFlags),
		workers:       workers,
		defaultSecret: defaultSecret,
		pause:         time.Sleep,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Emit sends an event to all matching subscribers. Project-scoped
// subscriptions only receive their own project's events.
func (d *Dispatcher) Emit(eventType EventType, projectID string, data map[string]interface{}) {
	subscribers := d.registry.GetSubscribers(eventType)
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

	for _, sub := range subscribers {
		if sub.ProjectID != "" && sub.ProjectID != projectID {
			continue
		}

		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event, attempt: 1}:
		default:
			d.logger.Printf("⚠️  Webhook queue full, dropping event %s for %s", event.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("❌ Failed to marshal webhook event: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("❌ Failed to create webhook request: %v", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Zenith-Event-Type", string(job.event.Type))
	req.Header.Set("X-Zenith-Event-ID", job.event.ID)
	req.Header.Set("X-Zenith-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	if secret := d.secretFor(job.subscriber); secret != "" {
		sig := SignPayload(payload, secret)
		req.Header.Set("X-Zenith-Signature", "sha256="+sig)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ Webhook delivery failed: %s → %v", job.subscriber.URL, err)
		d.registry.MarkFailed(job.subscriber.ID)

		// Retry up to 3 times with quadratic backoff.
		if job.attempt < 3 {
			d.pause(time.Duration(job.attempt*job.attempt) * time.Second)
			job.attempt++
			select {
			case d.queue <- job:
			default:
			}
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️  Webhook returned %d: %s → %s", resp.StatusCode, job.subscriber.URL, job.event.Type)
		d.registry.MarkFailed(job.subscriber.ID)
	} else {
		d.logger.Printf("✅ Webhook delivered: %s → %s (%s)", job.event.Type, job.subscriber.URL, job.event.ID)
	}
}

func (d *Dispatcher) secretFor(sub *Subscription) string {
	if sub.Secret != "" {
		return sub.Secret
	}
	return d.defaultSecret
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
