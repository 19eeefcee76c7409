// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/tombee/stepflow/internal/engine"
	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/pkg/errors"
	"github.com/tombee/stepflow/pkg/httpclient"
)

const (
	// SignatureHeader carries the detached JWT signature over the body.
	SignatureHeader = "Upstash-Signature"

	// MaxMessageAge is the drop threshold for stale deliveries. Older
	// messages ack successfully so the publisher stops re-sending them.
	MaxMessageAge = 24 * time.Hour

	// signatureIssuer is the iss claim on outgoing signatures.
	signatureIssuer = "stepflow"

	// maxDeliveryBody bounds the ingress request body.
	maxDeliveryBody = 1 << 20
)

// SigningKeys holds the current key plus the next one so either side of a
// rotation verifies.
type SigningKeys struct {
	Current string
	Next    string
}

// Delivery is the webhook message body: one re-entry request.
type Delivery struct {
	ExecutionID        string `json:"executionId"`
	RetryCount         int    `json:"retryCount"`
	ScheduledAtEpochMs int64  `json:"scheduledAtEpochMs"`
}

// deliveryResponse is the ingress endpoint's reply body.
type deliveryResponse struct {
	Success      bool   `json:"success"`
	Dropped      bool   `json:"dropped,omitempty"`
	Kind         string `json:"kind,omitempty"`
	RetryCount   int    `json:"retryCount,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Sign produces a detached JWT signature over body: HS256 with a body hash
// claim, valid for MaxMessageAge.
func Sign(body []byte, key string, now time.Time) (string, error) {
	sum := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iss":  signatureIssuer,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  now.Add(MaxMessageAge).Unix(),
		"body": base64.RawURLEncoding.EncodeToString(sum[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

// VerifySignature checks a detached JWT signature over body against the
// current key, then the next key so either side of a rotation verifies.
func VerifySignature(token string, body []byte, keys SigningKeys) error {
	if token == "" {
		return errors.New("missing signature")
	}

	var lastErr error
	for _, key := range []string{keys.Current, keys.Next} {
		if key == "" {
			continue
		}
		if err := verifyWithKey(token, body, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		return errors.New("no signing keys configured")
	}
	return lastErr
}

func verifyWithKey(token string, body []byte, key string) error {
	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return []byte(key), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("failed to verify signature: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("unexpected claims type")
	}
	claimed, _ := claims["body"].(string)
	sum := sha256.Sum256(body)
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(claimed), []byte(expected)) != 1 {
		return errors.New("body hash mismatch")
	}
	return nil
}

// WebhookConfig configures the webhook scheduler.
type WebhookConfig struct {
	Store    Store
	Endpoint string
	Keys     SigningKeys
	Client   *http.Client
	Logger   *slog.Logger

	// SweepInterval overrides DefaultSweepInterval when positive.
	SweepInterval time.Duration
}

// Webhook is the webhook scheduler: wake-ups persist as store rows like the
// queue scheduler's, but a due row becomes a signed HTTP POST to the ingress
// endpoint instead of an in-process call. Non-2xx responses re-schedule the
// row, so delivery is at-least-once.
type Webhook struct {
	store    Store
	endpoint string
	keys     SigningKeys
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var _ Scheduler = (*Webhook)(nil)

// NewWebhook creates a webhook scheduler publishing to endpoint.
func NewWebhook(cfg WebhookConfig) *Webhook {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		// Transport-level retries stay off: a 5xx reply carries the
		// executor's backoff hints and the sweep reschedules the row, so
		// replaying the POST immediately would override that backoff.
		ccfg := httpclient.DefaultConfig()
		ccfg.RetryAttempts = 0
		client, _ = httpclient.New(ccfg, logger)
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Webhook{
		store:    cfg.Store,
		endpoint: cfg.Endpoint,
		keys:     cfg.Keys,
		client:   client,
		logger:   log.WithComponent(logger, "webhook_scheduler"),
		interval: interval,
		now:      time.Now,
	}
}

// ScheduleAfter persists a wake-up after the given delay.
func (w *Webhook) ScheduleAfter(ctx context.Context, executionID string, delay time.Duration, retryCount int) error {
	if delay < 0 {
		delay = 0
	}
	return w.ScheduleAt(ctx, executionID, w.now().Add(delay).UnixMilli(), retryCount)
}

// ScheduleAt persists a wake-up at a wall-clock time.
func (w *Webhook) ScheduleAt(ctx context.Context, executionID string, wakeAtEpochMs int64, retryCount int) error {
	return w.store.ScheduleWakeup(ctx, executionID, wakeAtEpochMs, retryCount)
}

// Start launches the publish loop.
func (w *Webhook) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop(ctx, w.stopCh, w.doneCh)
}

// Stop halts the publish loop.
func (w *Webhook) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (w *Webhook) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.Sweep(ctx)
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep publishes every due wake-up and every due enqueued execution once.
func (w *Webhook) Sweep(ctx context.Context) {
	now := w.now()

	ids, err := w.store.ProcessEnqueued(ctx, now)
	if err != nil {
		w.logger.Error("failed to process enqueued executions", log.Error(err))
	}
	for _, id := range ids {
		w.publish(ctx, Delivery{ExecutionID: id, ScheduledAtEpochMs: now.UnixMilli()})
	}

	wakeups, err := w.store.DueWakeups(ctx, now)
	if err != nil {
		w.logger.Error("failed to collect due wakeups", log.Error(err))
		return
	}
	for _, wk := range wakeups {
		w.publish(ctx, Delivery{
			ExecutionID:        wk.ExecutionID,
			RetryCount:         wk.RetryCount,
			ScheduledAtEpochMs: wk.WakeAtEpochMs,
		})
	}
}

// publish posts one signed delivery. A non-2xx response re-schedules the
// wake-up, honoring the endpoint's backoff hint and retry count when the
// reply carries them.
func (w *Webhook) publish(ctx context.Context, msg Delivery) {
	logger := w.logger.With(slog.String(log.ExecutionIDKey, msg.ExecutionID))

	reply, err := w.post(ctx, msg)
	if err == nil {
		return
	}

	delay := redeliveryDelay
	retryCount := msg.RetryCount
	if reply != nil {
		if reply.RetryAfterMs > 0 {
			delay = time.Duration(reply.RetryAfterMs) * time.Millisecond
		}
		if reply.RetryCount > retryCount {
			retryCount = reply.RetryCount
		}
	}
	logger.Warn("webhook delivery not acked, rescheduling",
		slog.Int64("retry_after_ms", delay.Milliseconds()),
		log.Error(err))
	if err := w.ScheduleAfter(ctx, msg.ExecutionID, delay, retryCount); err != nil {
		logger.Error("failed to reschedule webhook delivery", log.Error(err))
	}
}

// post returns the endpoint's reply body alongside the error on non-2xx
// responses so publish can honor the backoff hint.
func (w *Webhook) post(ctx context.Context, msg Delivery) (*deliveryResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery: %w", err)
	}
	sig, err := Sign(body, w.keys.Current, w.now())
	if err != nil {
		return nil, fmt.Errorf("failed to sign delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "webhook delivery", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil, nil
	}

	var reply deliveryResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxDeliveryBody)).Decode(&reply)
	return &reply, &errors.RetryableError{
		Operation:  "webhook delivery",
		StatusCode: resp.StatusCode,
		Cause:      errors.New(reply.Error),
	}
}

// Handler is the webhook ingress endpoint: it authenticates a signed
// delivery, drops stale messages with success so they stop re-delivering,
// invokes the executor, and arms any follow-up wake-up. Only a retryable
// outcome maps to a 5xx.
type Handler struct {
	deliver   Deliverer
	scheduler Scheduler
	keys      SigningKeys
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates the ingress handler. limiter may be nil to disable
// rate limiting.
func NewHandler(deliver Deliverer, scheduler Scheduler, keys SigningKeys, limiter *rate.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		deliver:   deliver,
		scheduler: scheduler,
		keys:      keys,
		limiter:   limiter,
		logger:    log.WithComponent(logger, "webhook_ingress"),
		now:       time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, deliveryResponse{Error: "method not allowed"})
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, deliveryResponse{Error: "rate limited"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDeliveryBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, deliveryResponse{Error: "failed to read body"})
		return
	}
	if err := VerifySignature(r.Header.Get(SignatureHeader), body, h.keys); err != nil {
		h.logger.Warn("rejected unsigned delivery", log.Error(err))
		writeJSON(w, http.StatusUnauthorized, deliveryResponse{Error: "invalid signature"})
		return
	}

	var msg Delivery
	if err := json.Unmarshal(body, &msg); err != nil || msg.ExecutionID == "" {
		writeJSON(w, http.StatusBadRequest, deliveryResponse{Error: "invalid delivery body"})
		return
	}

	// Stale messages ack successfully so the publisher stops re-sending.
	if msg.ScheduledAtEpochMs > 0 &&
		h.now().Sub(time.UnixMilli(msg.ScheduledAtEpochMs)) > MaxMessageAge {
		h.logger.Warn("dropping stale delivery",
			slog.String(log.ExecutionIDKey, msg.ExecutionID),
			slog.Int64("scheduled_at_epoch_ms", msg.ScheduledAtEpochMs))
		writeJSON(w, http.StatusOK, deliveryResponse{Success: true, Dropped: true})
		return
	}

	res, err := h.deliver.Deliver(r.Context(), msg.ExecutionID, msg.RetryCount)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			// A deleted execution can never succeed; ack to stop
			// re-delivery.
			writeJSON(w, http.StatusOK, deliveryResponse{Success: true, Dropped: true})
			return
		}
		h.logger.Error("delivery failed",
			slog.String(log.ExecutionIDKey, msg.ExecutionID),
			log.Error(err))
		writeJSON(w, http.StatusInternalServerError, deliveryResponse{Error: err.Error()})
		return
	}

	h.respond(r.Context(), w, res)
}

func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, res *engine.Result) {
	switch res.Kind {
	case engine.KindNeedsRetry:
		// Retryable: the publisher re-delivers with our backoff hint and
		// the incremented retry count.
		writeJSON(w, http.StatusServiceUnavailable, deliveryResponse{
			Kind:         string(res.Kind),
			RetryCount:   res.RetryCount,
			RetryAfterMs: res.RetryAfterMs,
			Error:        res.Error,
		})
		return

	case engine.KindSleeping, engine.KindWaitingForSignal:
		if err := FollowUp(ctx, h.scheduler, res, h.logger); err != nil {
			h.logger.Error("failed to schedule follow-up",
				slog.String(log.ExecutionIDKey, res.ExecutionID),
				log.Error(err))
			writeJSON(w, http.StatusInternalServerError, deliveryResponse{Error: err.Error()})
			return
		}
	}

	writeJSON(w, http.StatusOK, deliveryResponse{Success: true, Kind: string(res.Kind)})
}

func writeJSON(w http.ResponseWriter, status int, v deliveryResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
