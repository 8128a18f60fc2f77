package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/obs/retry"
	kafkax "github.com/NordCoder/authcore/internal/repository/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentMail struct{ to, subject, body string }

type fakeMailer struct {
	mu       sync.Mutex
	sent     []sentMail
	failures int
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("421 try again later")
	}
	m.sent = append(m.sent, sentMail{to, subject, body})
	return nil
}

type fakePrincipals map[string]*auth.Principal

func (f fakePrincipals) FindByID(_ context.Context, id string) (*auth.Principal, error) {
	if id == "db-down" {
		return nil, errors.New("connection refused")
	}
	p, ok := f[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return p, nil
}

type memNotifications struct {
	mu   sync.Mutex
	rows map[string]*auth.AlertNotification
}

func (m *memNotifications) Record(_ context.Context, n *auth.AlertNotification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := n.AlertKey + "/" + n.Channel
	if _, ok := m.rows[k]; ok {
		return false, nil
	}
	m.rows[k] = n
	return true, nil
}

func (m *memNotifications) Sent(_ context.Context, key, channel string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[key+"/"+channel]
	return ok, nil
}

func (m *memNotifications) ListByPrincipal(_ context.Context, id string, _ int) ([]*auth.AlertNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auth.AlertNotification
	for _, n := range m.rows {
		if n.PrincipalID == id {
			out = append(out, n)
		}
	}
	return out, nil
}

var alice = &auth.Principal{ID: "u-alice", Name: "alice", DisplayName: "Alice", Email: "alice@example.com", Active: true}

func newHandler() (*Handler, *fakeMailer, *memNotifications) {
	mail := &fakeMailer{}
	store := &memNotifications{rows: map[string]*auth.AlertNotification{}}
	h := &Handler{
		Principals: fakePrincipals{alice.ID: alice, "u-silent": {ID: "u-silent", Name: "silent", Active: true}},
		Store:      store,
		Out:        mail,
		Retry:      retry.Policy{Name: "test_mail", Attempts: 3, Backoff: retry.ExpoJitter{Base: time.Millisecond}},
		Now:        func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		Log:        zap.NewNop(),
	}
	return h, mail, store
}

func theft(principal string) auth.SecurityAlert {
	return auth.SecurityAlert{
		PrincipalID:    principal,
		PresentedToken: "01J9ZK0000000000000000000A",
		RevokedCount:   3,
		IP:             "198.51.100.7",
		DetectedAt:     time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		ChainLength:    2,
	}
}

func TestHandleAlert_SendsOnce(t *testing.T) {
	h, mail, store := newHandler()

	require.NoError(t, h.HandleAlert(context.Background(), theft(alice.ID)))
	require.NoError(t, h.HandleAlert(context.Background(), theft(alice.ID)))

	require.Len(t, mail.sent, 1)
	m := mail.sent[0]
	assert.Equal(t, "alice@example.com", m.to)
	assert.Contains(t, m.body, "Hello Alice")
	assert.Contains(t, m.body, "198.51.100.7")
	assert.Contains(t, m.body, "(3 in total)")

	rows, err := store.ListByPrincipal(context.Background(), alice.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u-alice:01J9ZK0000000000000000000A", rows[0].AlertKey)
	assert.Equal(t, channelEmail, rows[0].Channel)
}

func TestHandleAlert_RetriesTransientSMTP(t *testing.T) {
	h, mail, _ := newHandler()
	mail.failures = 2

	require.NoError(t, h.HandleAlert(context.Background(), theft(alice.ID)))
	assert.Len(t, mail.sent, 1)
}

func TestHandleAlert_SendFailureIsReturned(t *testing.T) {
	h, mail, store := newHandler()
	mail.failures = 10

	require.Error(t, h.HandleAlert(context.Background(), theft(alice.ID)))
	sent, err := store.Sent(context.Background(), theft(alice.ID).Key(), channelEmail)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestHandleAlert_DropsUndeliverable(t *testing.T) {
	h, mail, _ := newHandler()

	for _, id := range []string{"", "u-ghost", "u-silent"} {
		require.NoError(t, h.HandleAlert(context.Background(), theft(id)), id)
	}
	assert.Empty(t, mail.sent)
}

func TestHandleAlert_StoreErrorIsTransient(t *testing.T) {
	h, mail, _ := newHandler()
	require.Error(t, h.HandleAlert(context.Background(), theft("db-down")))
	assert.Empty(t, mail.sent)
}

type chanSubscriber struct{ values [][]byte }

func (s *chanSubscriber) Consume(ctx context.Context, h kafkax.Handler) error {
	for _, v := range s.values {
		_ = h(ctx, nil, v)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunner_DecodesAndHandles(t *testing.T) {
	h, mail, _ := newHandler()
	sub := &chanSubscriber{values: [][]byte{
		[]byte("{broken"),
		[]byte(`{"principal_id":"u-alice","presented_token_id":"t1","revoked_count":1}`),
	}}
	r := NewRunner(zap.NewNop(), sub, h)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Len(t, mail.sent, 1)
	assert.True(t, strings.HasPrefix(mail.sent[0].body, "Hello Alice"))
}

func TestBuildMessage_RejectsHeaderInjection(t *testing.T) {
	_, err := buildMessage("a@x", "b@x\r\nBcc: c@x", "s", "body")
	require.ErrorIs(t, err, errHeaderInjection)

	msg, err := buildMessage("a@x", "b@x", "[Security] hi", "body")
	require.NoError(t, err)
	assert.Contains(t, string(msg), "Subject: [Security] hi\r\n")
	assert.True(t, strings.HasSuffix(string(msg), "\r\n\r\nbody\r\n"))
}

func TestHost(t *testing.T) {
	assert.Equal(t, "smtp.example.com", host("smtp.example.com:587"))
	assert.Equal(t, "localhost", host("localhost"))
}
