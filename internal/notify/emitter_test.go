package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sakuramed/safeguard/internal/safety"
)

type memorySink struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Deliver(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *memorySink) Close(context.Context) error { return nil }

func (m *memorySink) delivered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func sampleAlert() *Alert {
	return &Alert{
		ID:          "alert-1",
		Timestamp:   time.Now().UTC(),
		Operation:   "safety_check",
		UserID:      "doctor-001",
		RiskLevel:   safety.RiskHigh,
		ActionTaken: safety.ActionRewrite,
		IssueCount:  2,
	}
}

func TestEmitterDeliversToSinks(t *testing.T) {
	sink := &memorySink{}
	em := NewEmitter(EmitterConfig{QueueSize: 8, Workers: 1}, []Sink{sink}, zap.NewNop())

	em.Emit(context.Background(), sampleAlert())
	em.Emit(context.Background(), sampleAlert())
	em.Close(context.Background())

	assert.Equal(t, 2, sink.delivered())
	m := em.MetricsSnapshot()
	assert.Equal(t, uint64(2), m.Enqueued())
	assert.Equal(t, uint64(2), m.SinkSuccess("memory"))
	assert.Equal(t, uint64(0), m.Dropped())
}

func TestEmitterCountsFailures(t *testing.T) {
	sink := &memorySink{err: assert.AnError}
	em := NewEmitter(EmitterConfig{QueueSize: 8, Workers: 1}, []Sink{sink}, zap.NewNop())

	em.Emit(context.Background(), sampleAlert())
	em.Close(context.Background())

	m := em.MetricsSnapshot()
	assert.Equal(t, uint64(1), m.SinkFailure("memory"))
	assert.Equal(t, uint64(0), m.SinkSuccess("memory"))
}

func TestEmitterDropsAfterClose(t *testing.T) {
	em := NewEmitter(EmitterConfig{QueueSize: 8, Workers: 1}, nil, zap.NewNop())
	em.Close(context.Background())

	em.Emit(context.Background(), sampleAlert())

	assert.Equal(t, uint64(1), em.MetricsSnapshot().Dropped())
}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := t.TempDir() + "/alerts.jsonl"
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), sampleAlert()))
	require.NoError(t, sink.Deliver(context.Background(), sampleAlert()))
	require.NoError(t, sink.Close(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var a Alert
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &a))
		assert.Equal(t, safety.RiskHigh, a.RiskLevel)
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestWebhookSinkRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, map[string]string{"X-Token": "abc"}, time.Second)
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), sampleAlert()))
	assert.Equal(t, 2, calls)
}

func TestWebhookSinkReportsFinalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), sampleAlert())
	assert.Error(t, err)
}
