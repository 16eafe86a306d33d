package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocki/blocki/internal/events"
)

type receiver struct {
	mu     sync.Mutex
	bodies [][]byte
	heads  []http.Header
}

func (r *receiver) handler(secret string, t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		assert.NoError(t, err)
		if secret != "" {
			assert.NoError(t, Verify(secret, req, body))
		}
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.heads = append(r.heads, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func run(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
}

func TestDeliverSigned(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler("s3cret", t))
	defer srv.Close()

	d := NewDispatcher(Config{Endpoints: []Endpoint{{URL: srv.URL, Secret: "s3cret"}}}, slog.Default())
	run(t, d)

	d.Publish(context.Background(), []events.Event{{Seq: 7, Topic: events.TopicPurchase}})

	require.Eventually(t, func() bool { return rcv.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	var got events.Event
	require.NoError(t, json.Unmarshal(rcv.bodies[0], &got))
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, events.TopicPurchase, rcv.heads[0].Get(HeaderEvent))
	assert.NotEmpty(t, rcv.heads[0].Get(HeaderDelivery))
	assert.Eventually(t, func() bool { return d.Stats()["delivered"] == 1 }, time.Second, 10*time.Millisecond)
}

func TestTopicFilter(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler("", t))
	defer srv.Close()

	d := NewDispatcher(Config{Endpoints: []Endpoint{{URL: srv.URL, Topics: []string{events.TopicEscrowReleased}}}}, slog.Default())
	run(t, d)

	d.Publish(context.Background(), []events.Event{
		{Seq: 1, Topic: events.TopicTransfer},
		{Seq: 2, Topic: events.TopicEscrowReleased},
	})

	require.Eventually(t, func() bool { return rcv.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	var got events.Event
	require.NoError(t, json.Unmarshal(rcv.bodies[0], &got))
	assert.Equal(t, uint64(2), got.Seq)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{
		Endpoints: []Endpoint{{URL: srv.URL}},
		Attempts:  3,
		Backoff:   time.Millisecond,
	}, slog.Default())
	run(t, d)

	d.Publish(context.Background(), []events.Event{{Seq: 1, Topic: events.TopicMint}})

	require.Eventually(t, func() bool { return d.Stats()["delivered"] == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{
		Endpoints: []Endpoint{{URL: srv.URL}},
		Attempts:  5,
		Backoff:   time.Millisecond,
	}, slog.Default())
	run(t, d)

	d.Publish(context.Background(), []events.Event{{Seq: 1, Topic: events.TopicMint}})

	require.Eventually(t, func() bool { return d.Stats()["failed"] == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPublishDropsWhenFull(t *testing.T) {
	d := NewDispatcher(Config{QueueSize: 2}, slog.Default())

	d.Publish(context.Background(), make([]events.Event, 5))

	assert.Equal(t, int64(3), d.Stats()["dropped"])
	assert.Equal(t, int64(2), d.Stats()["queued"])
}

func TestVerifyRejectsTampering(t *testing.T) {
	payload := []byte(`{"seq":1}`)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderTimestamp, "1700000000")
	req.Header.Set(HeaderSignature, Sign("k", "1700000000", payload))

	assert.NoError(t, Verify("k", req, payload))
	assert.ErrorIs(t, Verify("k", req, []byte(`{"seq":2}`)), ErrBadSignature)
	assert.ErrorIs(t, Verify("other", req, payload), ErrBadSignature)

	req.Header.Del(HeaderSignature)
	assert.ErrorIs(t, Verify("k", req, payload), ErrBadSignature)
}
