package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wehubfusion/apiflow/pkg/result"
)

type mockPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	subjects []string
	payloads [][]byte
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("nats: connection closed")
	}
	m.subjects = append(m.subjects, subject)
	m.payloads = append(m.payloads, data)
	return nil
}

func (m *mockPublisher) decoded(t *testing.T, i int) Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var msg Message
	require.NoError(t, json.Unmarshal(m.payloads[i], &msg))
	return msg
}

func snapshot() result.Snapshot {
	return result.Snapshot{
		"https://xkcd.com/{id}/info.0.json": {
			Input:  map[string]any{"id": "1"},
			Output: result.Output{"title": []any{"Barrel"}},
		},
	}
}

func TestNewCallbackHandlerDefaults(t *testing.T) {
	h := NewCallbackHandler(&mockPublisher{})
	defer h.Close()

	cfg := h.GetConfig()
	assert.Equal(t, "apiflow.results", cfg.Subject)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.EnableLogging)
}

func TestNewCallbackHandlerWithConfigFillsGaps(t *testing.T) {
	h := NewCallbackHandlerWithConfig(&mockPublisher{}, &Config{Flow: "xkcd", MaxRetries: -2})
	assert.Equal(t, "apiflow.results", h.GetConfig().Subject)
	assert.Zero(t, h.GetConfig().MaxRetries)
	assert.Equal(t, "xkcd", h.GetConfig().Flow)
}

func TestFuncPublishesSnapshots(t *testing.T) {
	pub := &mockPublisher{}
	h := NewCallbackHandlerWithConfig(pub, &Config{
		Subject: "flows.xkcd",
		Flow:    "xkcd",
		Logger:  zaptest.NewLogger(t),
	})

	cb := h.Func(context.Background())
	cb(snapshot())
	cb(snapshot())

	require.Len(t, pub.payloads, 2)
	assert.Equal(t, []string{"flows.xkcd", "flows.xkcd"}, pub.subjects)

	first := pub.decoded(t, 0)
	assert.Equal(t, "xkcd", first.Flow)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, ResultTypeSnapshot, first.ResultType)
	assert.Equal(t, []any{"Barrel"}, first.Results["https://xkcd.com/{id}/info.0.json"].Output["title"])
	assert.Equal(t, int64(2), pub.decoded(t, 1).Sequence)
}

func TestCallbackRetriesThenSucceeds(t *testing.T) {
	pub := &mockPublisher{failures: 2}
	h := NewCallbackHandlerWithConfig(pub, &Config{MaxRetries: 3, RetryDelay: time.Millisecond})

	require.NoError(t, h.ReportSuccess(context.Background(), snapshot()))
	assert.Equal(t, 3, pub.calls)
	assert.Equal(t, ResultTypeSuccess, pub.decoded(t, 0).ResultType)
}

func TestCallbackGivesUpAfterRetries(t *testing.T) {
	pub := &mockPublisher{failures: 10}
	h := NewCallbackHandlerWithConfig(pub, &Config{MaxRetries: 1, RetryDelay: time.Millisecond})

	err := h.ReportSuccess(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish failed after 2 attempts")
	assert.Equal(t, 2, pub.calls)
}

func TestCallbackCancelledDuringRetry(t *testing.T) {
	pub := &mockPublisher{failures: 10}
	h := NewCallbackHandlerWithConfig(pub, &Config{MaxRetries: 5, RetryDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := h.ReportSuccess(ctx, snapshot())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, pub.calls)
}

func TestCallbackValidation(t *testing.T) {
	h := NewCallbackHandler(&mockPublisher{})
	ctx := context.Background()

	err := h.Callback(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, "validation failed: message cannot be nil", err.Error())

	err = h.Callback(ctx, &Message{ResultType: ResultTypeSnapshot, Results: snapshot()})
	assert.ErrorContains(t, err, "CreatedAt is required")

	err = h.Callback(ctx, &Message{ResultType: ResultTypeSnapshot, CreatedAt: "now"})
	assert.ErrorContains(t, err, "Results is required")

	err = h.Callback(ctx, &Message{ResultType: "other", CreatedAt: "now"})
	assert.ErrorContains(t, err, "unknown result type")

	assert.Error(t, h.ReportError(ctx, nil))
}

func TestReportError(t *testing.T) {
	pub := &mockPublisher{}
	h := NewCallbackHandler(pub)

	require.NoError(t, h.ReportError(context.Background(), errors.New("step 0: boom")))
	msg := pub.decoded(t, 0)
	assert.Equal(t, ResultTypeError, msg.ResultType)
	assert.Equal(t, "step 0: boom", msg.Error)
	assert.Nil(t, msg.Results)
}

func TestMulti(t *testing.T) {
	var order []string
	cb := Multi(
		func(result.Snapshot) { order = append(order, "a") },
		nil,
		func(result.Snapshot) { order = append(order, "b") },
	)
	cb(snapshot())
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	cb := JSONLines(&buf, nil)
	cb(snapshot())
	cb(result.Snapshot{})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"https://xkcd.com/{id}/info.0.json":{"input":{"id":"1"},"output":{"title":["Barrel"]}}}`, lines[0])
	assert.Equal(t, "{}", lines[1])
}

func TestLatest(t *testing.T) {
	var l Latest
	assert.Nil(t, l.Snapshot())
	l.Func()(snapshot())
	assert.Len(t, l.Snapshot(), 1)
}
