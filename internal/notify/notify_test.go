package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/run"
	"cdpipeline/internal/testutil"
	"cdpipeline/pkg/backoff"
	"cdpipeline/pkg/cloudevent"
)

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = d.Close(ctx)
}

func approvalEvent() run.Event {
	return run.Event{
		Type:     pipeline.EventApprovalRequested,
		RunID:    "run-1",
		Pipeline: "maps-pipeline",
		Stage:    "DeployToTest",
		Action:   "ManualApprovalOfTestEnvironment",
		Message:  "Approve or Reject this change after testing",
		Time:     time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestDispatcher_DeliversSignedCloudEvent(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var bodies [][]byte
	var signatures []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		signatures = append(signatures, r.Header.Get(cloudevent.SignatureHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := New(Config{
		Channels:      map[string]string{"approvals": server.URL},
		SigningSecret: "s3cret",
		Workers:       1,
	}, nil)
	defer closeDispatcher(t, d)

	require.NoError(t, d.Notify(context.Background(), "approvals", approvalEvent()))
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.True(t, cloudevent.Verify(bodies[0], "s3cret", signatures[0]))

	var ce struct {
		Type    string    `json:"type"`
		Source  string    `json:"source"`
		Subject string    `json:"subject"`
		Time    time.Time `json:"time"`
		Data    run.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &ce))
	assert.Equal(t, "cdpipeline.approval.requested", ce.Type)
	assert.Equal(t, "cdpipeline/maps-pipeline", ce.Source)
	assert.Equal(t, "run-1", ce.Subject)
	assert.True(t, ce.Time.Equal(approvalEvent().Time))
	assert.Equal(t, "ManualApprovalOfTestEnvironment", ce.Data.Action)
}

func TestDispatcher_URLChannel(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	d := New(Config{}, nil)
	defer closeDispatcher(t, d)

	require.NoError(t, d.Notify(context.Background(), server.URL, approvalEvent()))
	testutil.MustWaitFor(t, func() bool { return received.Load() == 1 }, testutil.WithTimeout(5*time.Second))
}

func TestDispatcher_UnknownChannelDropped(t *testing.T) {
	t.Parallel()
	d := New(Config{}, nil)
	defer closeDispatcher(t, d)

	err := d.Notify(context.Background(), "ops@acme.example.edu", approvalEvent())
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.EqualValues(t, 1, d.Stats().Dropped)
	assert.EqualValues(t, 0, d.Stats().Queued)
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := New(Config{MaxAttempts: 3, Retry: backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond}}, nil)
	defer closeDispatcher(t, d)

	require.NoError(t, d.Notify(context.Background(), server.URL, approvalEvent()))
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(5*time.Second))
	assert.EqualValues(t, 3, attempts.Load())
	assert.EqualValues(t, 2, d.Stats().RetriesTotal)
}

func TestDispatcher_NoRetryOnClientError(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	d := New(Config{MaxAttempts: 5, Retry: backoff.Policy{Initial: time.Millisecond}}, nil)
	defer closeDispatcher(t, d)

	require.NoError(t, d.Notify(context.Background(), server.URL, approvalEvent()))
	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 }, testutil.WithTimeout(5*time.Second))
	assert.EqualValues(t, 1, attempts.Load())
}

func TestDispatcher_CloseDrainsAndRejects(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	d := New(Config{Workers: 1}, nil)
	for range 5 {
		require.NoError(t, d.Notify(context.Background(), server.URL, approvalEvent()))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	assert.EqualValues(t, 5, received.Load())
	assert.ErrorIs(t, d.Notify(context.Background(), server.URL, approvalEvent()), ErrClosed)
	assert.NoError(t, d.Close(ctx), "second close is a no-op")
}

func TestBreaker(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	r := newBreakers(2, time.Minute)
	r.now = func() time.Time { return now }
	b := r.get("hooks.example.edu")
	assert.Same(t, b, r.get("hooks.example.edu"))

	failure := assert.AnError
	assert.True(t, b.allow())
	b.record(failure)
	assert.True(t, b.allow(), "below threshold")
	b.record(failure)
	assert.False(t, b.allow(), "open after threshold")
	assert.Equal(t, 1, r.openCount())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.allow(), "probe after cooldown")
	assert.False(t, b.allow(), "only one probe at a time")
	b.record(nil)
	assert.True(t, b.allow())
	assert.Equal(t, 0, r.openCount())
}

func TestDispatcher_Ready(t *testing.T) {
	t.Parallel()
	d := New(Config{Workers: 1}, nil)
	assert.NoError(t, d.Ready(context.Background()))

	b := d.breakers.get("hooks.example.edu")
	for range defaultBreakerThreshold {
		b.record(assert.AnError)
	}
	assert.Error(t, d.Ready(context.Background()), "open circuit degrades readiness")

	closeDispatcher(t, d)
	assert.ErrorIs(t, d.Ready(context.Background()), ErrClosed)
}
