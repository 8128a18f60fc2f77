package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/domain/outbox"
	"github.com/NordCoder/authcore/internal/obs/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memOutbox struct {
	mu   sync.Mutex
	rows map[string]*outbox.Message
	ord  []string
}

func newMemOutbox() *memOutbox { return &memOutbox{rows: map[string]*outbox.Message{}} }

func (m *memOutbox) Enqueue(_ context.Context, key string, kind outbox.Kind, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[key]; ok {
		return nil
	}
	m.rows[key] = &outbox.Message{IdempotencyKey: key, Kind: kind, Data: data, Status: outbox.StatusCreated}
	m.ord = append(m.ord, key)
	return nil
}

func (m *memOutbox) PickBatch(_ context.Context, batch int, _ time.Duration) ([]outbox.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []outbox.Message
	for _, k := range m.ord {
		row := m.rows[k]
		if row.Status == outbox.StatusSuccess || len(out) == batch {
			continue
		}
		row.Status = outbox.StatusInProgress
		out = append(out, *row)
	}
	return out, nil
}

func (m *memOutbox) MarkSuccess(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.rows[k].Status = outbox.StatusSuccess
	}
	return nil
}

func (m *memOutbox) status(key string) outbox.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[key].Status
}

type recordingEvents struct {
	mu     sync.Mutex
	alerts []auth.SecurityAlert
	fails  int
}

func (r *recordingEvents) PublishSecurityAlert(_ context.Context, a auth.SecurityAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("broker unavailable")
	}
	r.alerts = append(r.alerts, a)
	return nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{Name: "test", Attempts: 3, Backoff: retry.ExpoJitter{Base: time.Millisecond, Max: 2 * time.Millisecond}}
}

func enqueueAlert(t *testing.T, repo *memOutbox, key, principal string) {
	t.Helper()
	data, err := json.Marshal(auth.SecurityAlert{PrincipalID: principal})
	require.NoError(t, err)
	require.NoError(t, repo.Enqueue(context.Background(), key, outbox.KindSecurityAlert, data))
}

func TestRunner_TickPublishesAndMarksSuccess(t *testing.T) {
	repo := newMemOutbox()
	events := &recordingEvents{fails: 2}
	enqueueAlert(t, repo, "reuse:a", "u-1")
	enqueueAlert(t, repo, "reuse:a", "u-1")

	r := NewOutboxRunner(zap.NewNop(), repo, MakeGlobalOutboxHandler(events, fastPolicy()), Config{BatchSize: 10})
	n := r.Tick(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, outbox.StatusSuccess, repo.status("reuse:a"))
	require.Len(t, events.alerts, 1)
	assert.Equal(t, "u-1", events.alerts[0].PrincipalID)
}

func TestRunner_FailedHandlerLeavesRowPending(t *testing.T) {
	repo := newMemOutbox()
	events := &recordingEvents{fails: 10}
	enqueueAlert(t, repo, "reuse:b", "u-2")

	r := NewOutboxRunner(zap.NewNop(), repo, MakeGlobalOutboxHandler(events, fastPolicy()), Config{BatchSize: 10})
	assert.Equal(t, 0, r.Tick(context.Background()))
	assert.Equal(t, outbox.StatusInProgress, repo.status("reuse:b"))
}

func TestRunner_UnknownKindNotAcked(t *testing.T) {
	repo := newMemOutbox()
	require.NoError(t, repo.Enqueue(context.Background(), "x", outbox.Kind(99), []byte(`{}`)))

	r := NewOutboxRunner(zap.NewNop(), repo, MakeGlobalOutboxHandler(&recordingEvents{}, fastPolicy()), Config{})
	assert.Equal(t, 0, r.Tick(context.Background()))
}

func TestWrapKindHandler_DoesNotRetryBadPayload(t *testing.T) {
	events := &recordingEvents{}
	h, err := MakeGlobalOutboxHandler(events, fastPolicy())(outbox.KindSecurityAlert)
	require.NoError(t, err)

	calls := 0
	wrapped := WrapKindHandler(func(ctx context.Context, data []byte) error {
		calls++
		return h(ctx, data)
	}, fastPolicy())
	require.Error(t, wrapped(context.Background(), []byte("not json")))
	assert.Equal(t, 1, calls)
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	r := NewOutboxRunner(zap.NewNop(), newMemOutbox(), MakeGlobalOutboxHandler(&recordingEvents{}, fastPolicy()),
		Config{Workers: 2, WaitTime: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
