// Package notify delivers engine events to webhook endpoints.
package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/seal/model"
)

// Delivery headers.
const (
	HeaderSignature = "X-Sealkeeper-Signature"
	HeaderEvent     = "X-Sealkeeper-Event"
	HeaderDelivery  = "X-Sealkeeper-Delivery"
)

// Endpoint is one webhook target. An empty Events list subscribes to all.
type Endpoint struct {
	URL    string            `mapstructure:"url"`
	Events []model.EventType `mapstructure:"events"`
}

func (e Endpoint) wants(t model.EventType) bool {
	return len(e.Events) == 0 || slices.Contains(e.Events, t)
}

// Config holds notifier configuration.
type Config struct {
	Endpoints []Endpoint
	// Secret signs every body with HMAC-SHA256. Empty disables signing.
	Secret  string
	Timeout time.Duration
	// RetryDelays are the waits before each retry; attempts = len+1.
	RetryDelays []time.Duration
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier posts wroteseal/readseal events to the configured endpoints.
type Notifier struct {
	cfg       Config
	client    *resty.Client
	onMetrics MetricsRecorder
	logger    *zap.Logger
}

// New creates a Notifier.
func New(cfg Config, logger *zap.Logger) *Notifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = []time.Duration{time.Second, 5 * time.Second}
	}
	return &Notifier{
		cfg:    cfg,
		client: resty.New().SetTimeout(cfg.Timeout).SetHeader("Content-Type", "application/json"),
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// Run delivers events until ctx is done or events is closed. Events are
// dispatched one at a time so each endpoint sees them in queue order.
func (n *Notifier) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.Dispatch(ctx, ev)
		}
	}
}

// Dispatch fans one event out to every subscribed endpoint and waits for
// all deliveries to finish.
func (n *Notifier) Dispatch(ctx context.Context, ev model.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("notify: marshal event", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, ep := range n.cfg.Endpoints {
		if !ep.wants(ev.Type) {
			continue
		}
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			n.deliver(ctx, url, ev, body)
		}(ep.URL)
	}
	wg.Wait()
}

// deliver posts body to url, retrying with the configured delays.
func (n *Notifier) deliver(ctx context.Context, url string, ev model.Event, body []byte) {
	attempts := len(n.cfg.RetryDelays) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.cfg.RetryDelays[attempt-2]):
			}
		}

		err := n.post(ctx, url, ev, body)
		if n.onMetrics != nil {
			n.onMetrics(err == nil)
		}
		if err == nil {
			n.logger.Debug("notify: delivered",
				zap.String("url", url), zap.String("type", string(ev.Type)), zap.String("link", ev.Record.Link))
			return
		}
		n.logger.Warn("notify: delivery failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	n.logger.Error("notify: giving up",
		zap.String("url", url), zap.String("event_id", ev.ID.String()), zap.String("link", ev.Record.Link))
}

func (n *Notifier) post(ctx context.Context, url string, ev model.Event, body []byte) error {
	req := n.client.R().
		SetContext(ctx).
		SetHeader(HeaderEvent, string(ev.Type)).
		SetHeader(HeaderDelivery, ev.ID.String()).
		SetBody(body)
	if n.cfg.Secret != "" {
		req.SetHeader(HeaderSignature, Sign(body, n.cfg.Secret))
	}

	resp, err := req.Post(url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	return nil
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
