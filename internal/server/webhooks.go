package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentline/internal/config"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	maxWebhookBackoff      = time.Minute
)

// webhookTarget is the delivery state of one configured webhook.
type webhookTarget struct {
	cfg      config.WebhookConfig
	filter   eventFilter
	client   *http.Client
	cursor   int64
	primed   bool
	failures int
	retryAt  time.Time
}

type webhookDispatcher struct {
	engine   engine.Engine
	targets  []*webhookTarget
	interval time.Duration
	now      func() time.Time
}

// StartWebhookDispatcher posts audit events to the configured webhooks until ctx is done.
// Delivery starts after the newest event present at startup. A target that fails is retried
// with exponential backoff from the event that failed.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine) {
	d := newWebhookDispatcher(e)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine) *webhookDispatcher {
	if e.Config == nil {
		return nil
	}
	var targets []*webhookTarget
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		targets = append(targets, &webhookTarget{
			cfg:    hook,
			filter: newEventFilter(hook.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	if len(targets) == 0 {
		return nil
	}
	return &webhookDispatcher{
		engine:   e,
		targets:  targets,
		interval: defaultWebhookInterval,
		now:      time.Now,
	}
}

func (d *webhookDispatcher) logger() *slog.Logger {
	if d.engine.Logger != nil {
		return d.engine.Logger
	}
	return slog.Default()
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, t := range d.targets {
		if ctx.Err() != nil {
			return
		}
		if !t.retryAt.IsZero() && d.now().Before(t.retryAt) {
			continue
		}
		if err := d.deliver(ctx, t); err != nil {
			t.failures++
			backoff := d.interval << min(t.failures, 6)
			if backoff > maxWebhookBackoff {
				backoff = maxWebhookBackoff
			}
			t.retryAt = d.now().Add(backoff)
			d.logger().Warn("webhook delivery failed", "url", t.cfg.URL, "failures", t.failures, "retry_in", backoff, "error", err)
			continue
		}
		t.failures = 0
		t.retryAt = time.Time{}
	}
}

// deliver posts every new matching event of one batch, advancing the cursor as it goes.
func (d *webhookDispatcher) deliver(ctx context.Context, t *webhookTarget) error {
	if !t.primed {
		cur, err := d.engine.Repo.LatestEventID(ctx)
		if err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		t.cursor, t.primed = cur, true
	}
	batch, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, t.cursor, "")
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	for _, evt := range batch {
		if t.filter.match(evt.Type) {
			body, err := d.delivery(ctx, evt)
			if err != nil {
				return err
			}
			if err := t.post(ctx, evt, body); err != nil {
				return fmt.Errorf("event %d: %w", evt.ID, err)
			}
		}
		t.cursor = evt.ID
	}
	return nil
}

type webhookDelivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Project    string          `json:"project"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	// Session is the current ledger row for session events, so receivers need no callback.
	Session *sessionSnapshot `json:"session,omitempty"`
}

type sessionSnapshot struct {
	ID             string   `json:"id"`
	ParentID       *string  `json:"parent_id,omitempty"`
	AgentType      string   `json:"agent_type"`
	Status         string   `json:"status"`
	ElapsedSeconds *float64 `json:"elapsed_seconds,omitempty"`
	ExitCode       *int     `json:"exit_code,omitempty"`
	ExitSummary    *string  `json:"exit_summary,omitempty"`
}

func (d *webhookDispatcher) delivery(ctx context.Context, evt domain.Event) ([]byte, error) {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	body := webhookDelivery{
		ID:         evt.ID,
		Type:       evt.Type,
		Project:    evt.Project,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	if evt.EntityKind == "session" && evt.EntityID != "" {
		rec, err := d.engine.Repo.GetSession(ctx, evt.EntityID)
		switch {
		case err == nil:
			body.Session = &sessionSnapshot{
				ID:             rec.ID,
				ParentID:       rec.ParentID,
				AgentType:      rec.AgentType,
				Status:         rec.Status,
				ElapsedSeconds: rec.ElapsedSeconds,
				ExitCode:       rec.ExitCode,
				ExitSummary:    rec.ExitSummary,
			}
		case !errors.Is(err, repo.ErrNotFound):
			return nil, fmt.Errorf("load session %s: %w", evt.EntityID, err)
		}
	}
	return json.Marshal(body)
}

func (t *webhookTarget) post(ctx context.Context, evt domain.Event, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentline-Event", evt.Type)
	req.Header.Set("X-Agentline-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Agentline-Project", evt.Project)
	if secret := strings.TrimSpace(t.cfg.Secret); secret != "" {
		req.Header.Set("X-Agentline-Signature", "sha256="+signPayload(secret, data))
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// signPayload is the hex HMAC-SHA256 of body, sent as X-Agentline-Signature.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, typ := range types {
		if key := strings.TrimSpace(typ); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(typ string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[typ]
	return ok
}
