// Package webhook delivers approval gate events to HTTP endpoints.
package webhook

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
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// Event names.
const (
	EventGatePending  = "gate.pending"
	EventGateResolved = "gate.resolved"
)

// Endpoint is one webhook receiver.
type Endpoint struct {
	Name string
	URL  string
	// Secret signs payloads with HMAC-SHA256 in X-Promoter-Signature.
	Secret string
	// Events filters deliveries; empty means all. "gate.*" matches both.
	Events  []string
	Headers map[string]string
	// Timeout per request (default 10s).
	Timeout time.Duration
	// RetryCount is the number of retries after the first attempt (default 3).
	RetryCount int
	// RetryDelay is the initial delay between attempts (default 1s).
	RetryDelay time.Duration
}

func (e *Endpoint) timeout() time.Duration {
	if e.Timeout == 0 {
		return 10 * time.Second
	}
	return e.Timeout
}

func (e *Endpoint) retryCount() int {
	if e.RetryCount == 0 {
		return 3
	}
	return e.RetryCount
}

func (e *Endpoint) retryDelay() time.Duration {
	if e.RetryDelay == 0 {
		return time.Second
	}
	return e.RetryDelay
}

func (e *Endpoint) wants(event string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, want := range e.Events {
		if want == event {
			return true
		}
		if prefix, ok := strings.CutSuffix(want, "*"); ok && strings.HasPrefix(event, prefix) {
			return true
		}
	}
	return false
}

// Payload is the JSON body of every delivery.
type Payload struct {
	Event      string           `json:"event"`
	Timestamp  time.Time        `json:"timestamp"`
	RunID      string           `json:"run_id"`
	ReleaseTag string           `json:"release_tag"`
	Stage      string           `json:"stage"`
	Pairs      []domain.PairKey `json:"pairs"`
	Reviewers  []string         `json:"reviewers,omitempty"`
	Decision   *domain.Signal   `json:"decision,omitempty"`
}

// Notifier posts gate events to the configured endpoints. Deliveries run in
// the background; Close waits for those in flight.
type Notifier struct {
	endpoints []Endpoint
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier for endpoints.
func NewNotifier(endpoints []Endpoint, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{}
	}
	return &Notifier{
		endpoints: endpoints,
		client:    client,
		logger:    slog.Default().With("component", "webhook_notifier"),
		now:       time.Now,
	}
}

// GatePending announces a suspended run.
func (n *Notifier) GatePending(ctx context.Context, pending domain.PendingApproval) error {
	n.publish(ctx, n.payload(EventGatePending, pending, nil))
	return nil
}

// GateResolved announces the decision on a suspended run.
func (n *Notifier) GateResolved(ctx context.Context, pending domain.PendingApproval, signal domain.Signal) error {
	n.publish(ctx, n.payload(EventGateResolved, pending, &signal))
	return nil
}

// Close waits for in-flight deliveries.
func (n *Notifier) Close() error {
	n.wg.Wait()
	return nil
}

func (n *Notifier) payload(event string, p domain.PendingApproval, signal *domain.Signal) *Payload {
	return &Payload{
		Event:      event,
		Timestamp:  n.now().UTC(),
		RunID:      p.RunID,
		ReleaseTag: p.ReleaseTag,
		Stage:      p.Stage,
		Pairs:      p.Pairs,
		Reviewers:  p.Reviewers,
		Decision:   signal,
	}
}

func (n *Notifier) publish(ctx context.Context, payload *Payload) {
	ctx = context.WithoutCancel(ctx)
	for i := range n.endpoints {
		ep := &n.endpoints[i]
		if !ep.wants(payload.Event) {
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendWithRetry(ctx, ep, payload)
		}()
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, ep *Endpoint, payload *Payload) {
	r := retry.New[struct{}](retry.Config{
		MaxAttempts:   ep.retryCount() + 1,
		InitialDelay:  ep.retryDelay(),
		MaxDelay:      8 * ep.retryDelay(),
		BackoffPolicy: retry.BackoffExponential,
		Multiplier:    2.0,
		IsRetryable:   isRetryable,
	})
	_, err := r.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.send(ctx, ep, payload)
	})
	if err != nil {
		n.logger.Error("webhook failed after all retries",
			"webhook", ep.Name,
			"event", payload.Event,
			"run_id", payload.RunID,
			"error", err)
		return
	}
	n.logger.Debug("webhook sent",
		"webhook", ep.Name,
		"event", payload.Event,
		"run_id", payload.RunID)
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.code, e.body)
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func (n *Notifier) send(ctx context.Context, ep *Endpoint, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ep.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Promoter-Webhook/1.0")
	req.Header.Set("X-Promoter-Event", payload.Event)
	req.Header.Set("X-Promoter-Delivery", payload.RunID)
	for key, value := range ep.Headers {
		req.Header.Set(key, value)
	}
	if ep.Secret != "" {
		req.Header.Set("X-Promoter-Signature", "sha256="+sign(body, ep.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}
	return nil
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Promoter-Signature header against payload.
func VerifySignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(sign(payload, secret)), []byte(signature))
}
