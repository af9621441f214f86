// Package notify routes tasks that need a human to the review queue and
// dispatches terminal-state events to registered channel drivers.
//
// The webhook driver is built in: it POSTs the event as JSON, signed with
// HMAC-SHA256 when a secret is configured. Other drivers can be added with
// RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened.
type EventType string

const (
	EventEscalated          EventType = "task_escalated"
	EventRejected           EventType = "task_rejected"
	EventApproved           EventType = "task_approved"
	EventPersistenceFailure EventType = "task_persistence_failure"
)

// Event is the notification payload.
type Event struct {
	Type      EventType         `json:"type"`
	TaskID    string            `json:"task_id"`
	Tenant    string            `json:"tenant"`
	Objective models.Objective  `json:"objective"`
	Status    models.TaskStatus `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Rounds    int               `json:"rounds"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventFor maps a terminal result to its event. ok is false for statuses
// nobody subscribes to.
func EventFor(r *models.TaskResult) (Event, bool) {
	var t EventType
	switch r.Status {
	case models.TaskEscalated:
		t = EventEscalated
	case models.TaskRejected:
		t = EventRejected
	case models.TaskApproved:
		t = EventApproved
	case models.TaskPersistenceFailure:
		t = EventPersistenceFailure
	default:
		return Event{}, false
	}
	return Event{
		Type:      t,
		TaskID:    r.TaskID,
		Tenant:    r.Tenant,
		Objective: r.Objective,
		Status:    r.Status,
		Reason:    r.Reason,
		Rounds:    r.Rounds,
		Timestamp: time.Now().UTC(),
	}, true
}

// ChannelDriver delivers events to one kind of destination.
type ChannelDriver interface {
	Kind() string
	Send(ctx context.Context, event Event) error
}

// ── Review queue ────────────────────────────────────────────

// ReviewItem is an escalated task waiting for a human decision.
type ReviewItem struct {
	TaskID   string    `json:"task_id"`
	Tenant   string    `json:"tenant"`
	Reason   string    `json:"reason"`
	Rounds   int       `json:"rounds"`
	QueuedAt time.Time `json:"queued_at"`
}

// ── Service ─────────────────────────────────────────────────

// Service holds the review queue and dispatches events to drivers.
type Service struct {
	mu      sync.RWMutex
	reviews map[string]ReviewItem // key: task id

	drvMu   sync.RWMutex
	drivers map[string]ChannelDriver

	wg sync.WaitGroup
}

// NewService creates the service. The webhook driver is registered when a
// webhook URL is configured.
func NewService(cfg config.NotifyConfig) *Service {
	s := &Service{
		reviews: make(map[string]ReviewItem),
		drivers: make(map[string]ChannelDriver),
	}
	if cfg.WebhookURL != "" {
		s.RegisterDriver(NewWebhookDriver(cfg.WebhookURL, cfg.WebhookSecret))
	}
	return s
}

// RegisterDriver adds or replaces a channel driver for its kind.
func (s *Service) RegisterDriver(driver ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", driver.Kind()).Msg("Registered notification channel driver")
}

// Publish queues escalations for review and dispatches the event to every
// driver in the background. It never blocks the caller on delivery.
func (s *Service) Publish(result *models.TaskResult) {
	event, ok := EventFor(result)
	if !ok {
		return
	}
	if result.Status == models.TaskEscalated {
		s.mu.Lock()
		s.reviews[result.TaskID] = ReviewItem{
			TaskID:   result.TaskID,
			Tenant:   result.Tenant,
			Reason:   result.Reason,
			Rounds:   result.Rounds,
			QueuedAt: event.Timestamp,
		}
		s.mu.Unlock()
		log.Info().Str("task_id", result.TaskID).Str("reason", result.Reason).Msg("🙋 Task queued for human review")
	}

	s.drvMu.RLock()
	drivers := make([]ChannelDriver, 0, len(s.drivers))
	for _, d := range s.drivers {
		drivers = append(drivers, d)
	}
	s.drvMu.RUnlock()

	for _, d := range drivers {
		s.wg.Add(1)
		go func(d ChannelDriver) {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := d.Send(ctx, event); err != nil {
				log.Warn().Err(err).Str("kind", d.Kind()).Str("event", string(event.Type)).
					Str("task_id", event.TaskID).Msg("Channel notification failed")
				return
			}
			log.Info().Str("kind", d.Kind()).Str("event", string(event.Type)).
				Str("task_id", event.TaskID).Msg("Channel notification dispatched")
		}(d)
	}
}

// Reviews lists queued items, oldest first. An empty tenant lists all.
func (s *Service) Reviews(tenant string) []ReviewItem {
	s.mu.RLock()
	out := make([]ReviewItem, 0, len(s.reviews))
	for _, r := range s.reviews {
		if tenant == "" || r.Tenant == tenant {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Resolve removes a task from the review queue.
func (s *Service) Resolve(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reviews[taskID]; !ok {
		return false
	}
	delete(s.reviews, taskID)
	return true
}

// Close waits for in-flight deliveries.
func (s *Service) Close() {
	s.wg.Wait()
}

// ── Webhook Channel Driver ──────────────────────────────────

// WebhookDriver POSTs events as JSON with optional HMAC-SHA256 signing.
type WebhookDriver struct {
	url     string
	secret  string
	client  *http.Client
	retries uint64
	initial time.Duration
}

func NewWebhookDriver(url, secret string) *WebhookDriver {
	return &WebhookDriver{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 15 * time.Second},
		retries: 2,
		initial: time.Second,
	}
}

func (d *WebhookDriver) Kind() string { return "webhook" }

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDriver) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "MarketingPipeline-Webhook/1.0")
		req.Header.Set("X-Pipeline-Event", string(event.Type))
		req.Header.Set("X-Pipeline-Tenant", event.Tenant)
		if d.secret != "" {
			req.Header.Set("X-Pipeline-Signature", Sign(d.secret, body))
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url))
		}
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initial
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, d.retries), ctx)); err != nil {
		return fmt.Errorf("webhook failed: %w", err)
	}
	return nil
}
