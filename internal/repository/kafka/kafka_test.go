package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/obs/retry"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

type memReader struct {
	ch        chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func (r *memReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.ch:
		return m, nil
	}
}

func (r *memReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *memReader) Close() error { return nil }

func withTracing(t *testing.T) {
	t.Helper()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func TestSecurityEvents_PublishesJSONKeyedByPrincipal(t *testing.T) {
	withTracing(t)
	w := &memWriter{}
	pub := NewSecurityEventsKafka(newProducer(w, "authcore.security.alerts"))

	alert := auth.SecurityAlert{PrincipalID: "u-1", RevokedCount: 3, IP: "10.0.0.1", DetectedAt: time.Unix(100, 0).UTC()}
	require.NoError(t, pub.PublishSecurityAlert(context.Background(), alert))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("u-1"), w.msgs[0].Key)

	var got auth.SecurityAlert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, alert, got)

	var hasTraceparent bool
	for _, h := range w.msgs[0].Headers {
		if h.Key == "traceparent" {
			hasTraceparent = true
		}
	}
	assert.True(t, hasTraceparent)
}

func TestSecurityEvents_RejectsAnonymousAlert(t *testing.T) {
	pub := NewSecurityEventsKafka(newProducer(&memWriter{}, "t"))
	require.Error(t, pub.PublishSecurityAlert(context.Background(), auth.SecurityAlert{}))
}

func TestProducer_WriteError(t *testing.T) {
	w := &memWriter{err: errors.New("broker down")}
	p := newProducer(w, "t")
	require.Error(t, p.PublishJSON(context.Background(), []byte("k"), map[string]int{"a": 1}))
}

func (r *memReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func runConsumer(t *testing.T, c *Consumer, ctx context.Context, h Handler) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, h) }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
		return nil
	}
}

func fastConsumer(r messageReader) *Consumer {
	c := newConsumer(r, &ConsumerConfig{Topic: "t", GroupID: "g"}, zap.NewNop())
	c.redelivery = retry.ExpoJitter{Base: time.Millisecond, Max: 5 * time.Millisecond}
	return c
}

func TestConsumer_PropagatesTraceAndRedeliversFailedMessage(t *testing.T) {
	withTracing(t)

	parentCtx, parent := otel.Tracer("test").Start(context.Background(), "parent")
	hdrs := mapCarrierHeaders{}
	otel.GetTextMapPropagator().Inject(parentCtx, hdrs)
	parent.End()

	r := &memReader{ch: make(chan kafka.Message, 2)}
	r.ch <- kafka.Message{Topic: "t", Offset: 7, Key: []byte("k"), Value: []byte("alert-1"), Headers: hdrs.ToKafka()}
	r.ch <- kafka.Message{Topic: "t", Offset: 8, Key: []byte("k"), Value: []byte("alert-2"), Headers: hdrs.ToKafka()}
	c := fastConsumer(r)

	ctx, cancel := context.WithCancel(context.Background())
	deliveries := map[string]int{}
	var traces []trace.TraceID
	err := runConsumer(t, c, ctx, func(ctx context.Context, _, value []byte) error {
		traces = append(traces, trace.SpanContextFromContext(ctx).TraceID())
		deliveries[string(value)]++
		if string(value) == "alert-1" && deliveries["alert-1"] == 1 {
			return errors.New("smtp down")
		}
		if string(value) == "alert-2" {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, map[string]int{"alert-1": 2, "alert-2": 1}, deliveries)
	require.Len(t, traces, 3)
	for _, id := range traces {
		assert.Equal(t, parent.SpanContext().TraceID(), id)
	}
	// the commit of 8 may race the cancel; 7 must come first either way
	got := r.offsets()
	require.NotEmpty(t, got)
	assert.Equal(t, int64(7), got[0])
}

func TestConsumer_NothingCommittedPastFailingMessage(t *testing.T) {
	r := &memReader{ch: make(chan kafka.Message, 2)}
	r.ch <- kafka.Message{Topic: "t", Offset: 7, Value: []byte("alert-1")}
	r.ch <- kafka.Message{Topic: "t", Offset: 8, Value: []byte("alert-2")}
	c := fastConsumer(r)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := runConsumer(t, c, ctx, func(_ context.Context, _, value []byte) error {
		assert.Equal(t, "alert-1", string(value))
		attempts++
		if attempts == 3 {
			cancel()
		}
		return errors.New("smtp down")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, attempts)
	assert.Empty(t, r.offsets())
}

func TestConsumer_PermanentErrorIsSkipped(t *testing.T) {
	r := &memReader{ch: make(chan kafka.Message, 2)}
	r.ch <- kafka.Message{Topic: "t", Offset: 7, Value: []byte("{broken")}
	r.ch <- kafka.Message{Topic: "t", Offset: 8, Value: []byte(`{"principal_id":"u-1"}`)}
	c := fastConsumer(r)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	h := JSONHandler(func(_ context.Context, _ []byte, a *auth.SecurityAlert) error {
		calls++
		assert.Equal(t, "u-1", a.PrincipalID)
		return nil
	})
	err := runConsumer(t, c, ctx, func(ctx context.Context, key, value []byte) error {
		err := h(ctx, key, value)
		if err == nil {
			cancel()
		}
		return err
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	got := r.offsets()
	require.NotEmpty(t, got)
	assert.Equal(t, int64(7), got[0])
}

func TestJSONHandler_DecodesAlert(t *testing.T) {
	var got *auth.SecurityAlert
	h := JSONHandler(func(_ context.Context, key []byte, a *auth.SecurityAlert) error {
		assert.Equal(t, []byte("u-1"), key)
		got = a
		return nil
	})

	require.NoError(t, h(context.Background(), []byte("u-1"), []byte(`{"principal_id":"u-1","revoked_count":2}`)))
	require.NotNil(t, got)
	assert.Equal(t, "u-1", got.PrincipalID)
	assert.EqualValues(t, 2, got.RevokedCount)

	err := h(context.Background(), nil, []byte("{not json"))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}
