package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxWebhookAttempts = 5

// WebhookSubscription is a delivery target configured at startup. An empty
// EventTypes list subscribes to everything.
type WebhookSubscription struct {
	Name       string   `yaml:"name" json:"name"`
	URL        string   `yaml:"url" json:"url"`
	Secret     string   `yaml:"secret" json:"secret"`
	EventTypes []string `yaml:"eventTypes" json:"eventTypes"`
}

func (s *WebhookSubscription) matches(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if strings.EqualFold(strings.TrimSpace(t), eventType) {
			return true
		}
	}
	return false
}

// WebhookWorker drains the queue and delivers signed notifications to the
// configured subscriptions, retrying with exponential backoff.
type WebhookWorker struct {
	queue         *WebhookQueue
	subscriptions []WebhookSubscription
	client        *http.Client
	log           *slog.Logger
	nowFn         func() time.Time
}

func NewWebhookWorker(queue *WebhookQueue, subscriptions []WebhookSubscription, log *slog.Logger) *WebhookWorker {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookWorker{
		queue:         queue,
		subscriptions: subscriptions,
		client:        &http.Client{Timeout: 10 * time.Second},
		log:           log,
		nowFn:         time.Now,
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.fanOut(task)
			continue
		}
		w.deliver(ctx, task)
	}
}

func (w *WebhookWorker) fanOut(task WebhookTask) {
	for i := range w.subscriptions {
		sub := w.subscriptions[i]
		if !sub.matches(task.Event.Type) {
			continue
		}
		w.queue.EnqueueTask(WebhookTask{Event: task.Event, Subscription: &sub})
	}
}

func (w *WebhookWorker) deliver(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	payload, err := json.Marshal(map[string]interface{}{
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"ledgerId":   task.Event.LedgerID,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		w.log.Error("encode webhook payload failed", "subscription", sub.Name, "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.log.Error("build webhook request failed", "subscription", sub.Name, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(task, resp.Status)
		return
	}
	w.log.Debug("webhook delivered", "subscription", sub.Name, "type", task.Event.Type, "sequence", task.Event.Sequence)
}

func (w *WebhookWorker) retryLater(task WebhookTask, reason string) {
	attempt := task.Attempt + 1
	if attempt >= maxWebhookAttempts {
		w.log.Warn("webhook delivery abandoned", "subscription", task.Subscription.Name, "sequence", task.Event.Sequence, "reason", reason)
		return
	}
	task.Attempt = attempt
	task.NotBefore = w.nowFn().Add(backoffDuration(attempt))
	w.queue.EnqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
