package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"bastion/internal/config"
	"bastion/internal/domain"
	"bastion/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookHTTPTimeout  = 5 * time.Second
	webhookBatchSize    = 100
)

// startWebhookDispatcher runs one delivery worker per configured webhook.
// Each worker keeps its own cursor into the events table, so a slow endpoint
// lags behind without losing events and without blocking other hooks.
func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil {
		return
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		w := &hookWorker{engine: e, hook: hook, accept: eventMatcher(hook.Events)}
		go w.run()
	}
}

type hookWorker struct {
	engine engine.Engine
	hook   config.WebhookConfig
	accept func(string) bool
	cursor int64
	primed bool
}

func (w *hookWorker) run() {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		w.deliverPending()
		<-ticker.C
	}
}

// deliverPending pushes events past the cursor, in order, stopping at the
// first failed delivery so the next tick retries from the same point.
func (w *hookWorker) deliverPending() {
	ctx := context.Background()
	if !w.primed {
		latest, err := w.engine.Repo.LatestEventID(ctx, "")
		if err != nil {
			log.Printf("webhook %s: init cursor: %v", w.hook.URL, err)
			return
		}
		w.cursor = latest
		w.primed = true
	}
	events, err := w.engine.Repo.EventsAfter(ctx, webhookBatchSize, w.cursor, "")
	if err != nil {
		log.Printf("webhook %s: fetch events: %v", w.hook.URL, err)
		return
	}
	for _, evt := range events {
		if w.accept(evt.Type) {
			if err := w.post(ctx, evt); err != nil {
				log.Printf("webhook %s: deliver event %d: %v", w.hook.URL, evt.ID, err)
				return
			}
		}
		w.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (w *hookWorker) post(ctx context.Context, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bastion-Event", evt.Type)
	req.Header.Set("X-Bastion-Delivery", fmt.Sprintf("%d", evt.ID))
	if secret := strings.TrimSpace(w.hook.Secret); secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(data)
		req.Header.Set("X-Bastion-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	res, err := w.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (w *hookWorker) client() *http.Client {
	timeout := webhookHTTPTimeout
	if w.hook.TimeoutSeconds > 0 {
		timeout = time.Duration(w.hook.TimeoutSeconds) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// eventMatcher returns a predicate for the hook's event-type allowlist.
// An empty list matches everything.
func eventMatcher(types []string) func(string) bool {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(string) bool { return true }
	}
	return func(evt string) bool {
		_, ok := set[evt]
		return ok
	}
}
