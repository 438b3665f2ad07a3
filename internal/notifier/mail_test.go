package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

func (s *recordingSender) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

func failure() Failure {
	code := 500
	return Failure{
		Log: models.HookLog{
			ID:             uuid.New(),
			SubmissionUUID: "sub-42",
			Status:         models.StatusFailed,
			Tries:          3,
			StatusCode:     &code,
			Message:        "HTTP 500: <b>boom</b>",
		},
		Hook: models.Hook{ID: uuid.New(), Name: "CRM", Endpoint: "https://example.test/hook"},
		Form: &models.Form{ID: "f1", Name: "Survey", OwnerEmail: "owner@example.test"},
	}
}

func TestMailNotifierSendsToFormOwner(t *testing.T) {
	sender := &recordingSender{}
	n := NewMailNotifier(sender, zap.NewNop())

	n.NotifyTerminalFailure(context.Background(), failure())
	n.Close()

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"owner@example.test"}, sent[0].To)
	assert.Contains(t, sent[0].Subject, "Survey")
	assert.Contains(t, sent[0].HTML, "sub-42")
	assert.Contains(t, sent[0].HTML, "https://example.test/hook")
	assert.Contains(t, sent[0].HTML, "&lt;b&gt;boom&lt;/b&gt;")
}

func TestMailNotifierSkipsWithoutOwner(t *testing.T) {
	sender := &recordingSender{}
	n := NewMailNotifier(sender, zap.NewNop())

	f := failure()
	f.Form.OwnerEmail = ""
	n.NotifyTerminalFailure(context.Background(), f)

	f.Form = nil
	n.NotifyTerminalFailure(context.Background(), f)
	n.Close()

	assert.Empty(t, sender.messages())
}

func TestMailNotifierSwallowsSendErrors(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	n := NewMailNotifier(sender, zap.NewNop())

	n.NotifyTerminalFailure(context.Background(), failure())
	n.Close()

	assert.Len(t, sender.messages(), 1)
}

func TestMailNotifierDropsAfterClose(t *testing.T) {
	sender := &recordingSender{}
	n := NewMailNotifier(sender, zap.NewNop())
	n.Close()

	n.NotifyTerminalFailure(context.Background(), failure())
	assert.Empty(t, sender.messages())
}
