// Package webhooks posts committed ledger events to external HTTP endpoints.
//
// The Dispatcher is an events.Sink. Publish only queues; a single worker
// started with Run delivers each event to every endpoint whose topic filter
// matches, in commit order, retrying transient failures.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/idgen"
	"github.com/blocki/blocki/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Blocki-Event"
	HeaderDelivery  = "X-Blocki-Delivery"
	HeaderTimestamp = "X-Blocki-Webhook-Timestamp"
	HeaderSignature = "X-Blocki-Webhook-Signature"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocki",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by outcome.",
	}, []string{"outcome"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocki",
		Subsystem: "webhook",
		Name:      "dropped_total",
		Help:      "Events dropped because the delivery queue was full.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, droppedTotal)
}

// Endpoint is one delivery target. Empty Topics receives every event.
type Endpoint struct {
	URL    string
	Secret string // HMAC-SHA256 key; unsigned when empty
	Topics []string
}

func (e Endpoint) wants(topic string) bool {
	if len(e.Topics) == 0 {
		return true
	}
	for _, t := range e.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Config configures a Dispatcher.
type Config struct {
	Endpoints []Endpoint
	QueueSize int
	Attempts  int
	Backoff   time.Duration
	Timeout   time.Duration
}

// Dispatcher sends webhook events
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	queue   chan events.Event
	dropped atomic.Int64
	sent    atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher creates a dispatcher. Zero config fields get defaults.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		queue:  make(chan events.Event, cfg.QueueSize),
	}
}

// Publish queues evs for delivery. Never blocks; overflow is dropped.
func (d *Dispatcher) Publish(_ context.Context, evs []events.Event) {
	for _, ev := range evs {
		select {
		case d.queue <- ev:
		default:
			d.dropped.Add(1)
			droppedTotal.Inc()
		}
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("webhook marshal failed", "seq", ev.Seq, "error", err)
		return
	}
	deliveryID := idgen.WithPrefix("whd_")

	for _, ep := range d.cfg.Endpoints {
		if !ep.wants(ev.Topic) {
			continue
		}
		err := retry.Do(ctx, d.cfg.Attempts, d.cfg.Backoff, func() error {
			return d.send(ctx, ep, ev.Topic, deliveryID, payload)
		})
		if err != nil {
			d.failed.Add(1)
			deliveriesTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook delivery failed",
				"url", ep.URL,
				"seq", ev.Seq,
				"topic", ev.Topic,
				"error", err,
			)
			continue
		}
		d.sent.Add(1)
		deliveriesTotal.WithLabelValues("delivered").Inc()
	}
}

func (d *Dispatcher) send(ctx context.Context, ep Endpoint, topic, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, topic)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, ts)
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(ep.Secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// The receiver rejected the payload; resending will not help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload" under secret.
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ErrBadSignature is returned by Verify for a missing or wrong signature.
var ErrBadSignature = errors.New("webhooks: bad signature")

// Verify checks a delivery's signature header. Receivers can use it
// directly.
func Verify(secret string, r *http.Request, payload []byte) error {
	want := Sign(secret, r.Header.Get(HeaderTimestamp), payload)
	got := r.Header.Get(HeaderSignature)
	if got == "" || !hmac.Equal([]byte(want), []byte(got)) {
		return ErrBadSignature
	}
	return nil
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"delivered": d.sent.Load(),
		"failed":    d.failed.Load(),
		"dropped":   d.dropped.Load(),
		"queued":    int64(len(d.queue)),
	}
}
