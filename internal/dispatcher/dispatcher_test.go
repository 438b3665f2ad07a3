package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/backoff"
	"github.com/marminbh/hook-svc/internal/dynconfig"
	"github.com/marminbh/hook-svc/internal/ledger"
	"github.com/marminbh/hook-svc/internal/models"
	"github.com/marminbh/hook-svc/internal/notifier"
	"github.com/marminbh/hook-svc/internal/payload"
	"github.com/marminbh/hook-svc/internal/registry"
	"github.com/marminbh/hook-svc/internal/submission"
	"github.com/marminbh/hook-svc/internal/testutil"
)

type recordingNotifier struct {
	mu       sync.Mutex
	failures []notifier.Failure
}

func (n *recordingNotifier) NotifyTerminalFailure(_ context.Context, f notifier.Failure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, f)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.failures)
}

type fixture struct {
	dispatcher *Dispatcher
	logs       *ledger.Store
	settings   *dynconfig.StaticReader
	notified   *recordingNotifier
	seed       func(t *testing.T, hook *models.Hook, doc string) *models.HookLog
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := testutil.NewDB(t)

	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 2 * time.Second
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.MaxResponseBodySize == 0 {
		cfg.MaxResponseBodySize = 1024
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024
	}
	if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = 3
	}

	logs := ledger.NewStore(db)
	subs := submission.NewStore(db)
	settings := dynconfig.NewStaticReader(nil)
	notified := &recordingNotifier{}

	d := New(Deps{
		Registry:    registry.New(db, registry.NewGormFormLookup(db)),
		Logs:        logs,
		Submissions: subs,
		Settings:    settings,
		Notifier:    notified,
		Backoff:     backoff.Policy{Base: time.Millisecond, Max: time.Millisecond},
	}, cfg, zap.NewNop())

	f := &fixture{dispatcher: d, logs: logs, settings: settings, notified: notified}
	f.seed = func(t *testing.T, hook *models.Hook, doc string) *models.HookLog {
		t.Helper()
		formID := "form-" + uuid.NewString()
		testutil.CreateForm(t, db, formID, "owner@example.test")
		hook.FormID = formID
		testutil.CreateHook(t, db, hook)

		var fields models.FieldMap
		require.NoError(t, json.Unmarshal([]byte(doc), &fields))
		sub, err := subs.GetOrCreate(context.Background(), models.Submission{UUID: uuid.NewString(), FormID: formID, Fields: fields})
		require.NoError(t, err)

		log, _, err := logs.GetOrCreate(context.Background(), hook.ID, sub.UUID)
		require.NoError(t, err)
		return log
	}
	return f
}

type request struct {
	contentType string
	body        string
	header      http.Header
	user, pass  string
	hasAuth     bool
}

type endpoint struct {
	*httptest.Server
	hits     atomic.Int32
	mu       sync.Mutex
	requests []request
}

func newEndpoint(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *endpoint {
	t.Helper()
	e := &endpoint{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		user, pass, ok := r.BasicAuth()
		e.mu.Lock()
		e.requests = append(e.requests, request{
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
			header:      r.Header.Clone(),
			user:        user,
			pass:        pass,
			hasAuth:     ok,
		})
		e.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *endpoint) last() request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

func status(code int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}
}

// attemptUntilTerminal drives a log the way the scheduler would
func attemptUntilTerminal(t *testing.T, f *fixture, logID uuid.UUID, limit int) *Outcome {
	t.Helper()
	var out *Outcome
	for i := 0; i < limit; i++ {
		var err error
		out, err = f.dispatcher.Attempt(context.Background(), logID)
		require.NoError(t, err)
		if out.Status.Terminal() {
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	return out
}

func TestSuccessfulDelivery(t *testing.T) {
	f := newFixture(t, Config{})
	ep := newEndpoint(t, status(http.StatusOK))
	log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: true}, `{"q1":"yes"}`)

	out, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, out.Status)
	assert.Equal(t, 1, out.Tries)
	assert.False(t, out.Skipped)

	req := ep.last()
	assert.Equal(t, `{"q1":"yes"}`, req.body)
	assert.Equal(t, payload.ContentTypeJSON, req.contentType)
	assert.False(t, req.hasAuth)
	assert.Equal(t, log.ID.String(), req.header.Get("X-Hook-Delivery"))
	assert.Empty(t, req.header.Get(SignatureHeader))

	stored, err := f.logs.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, stored.Status)
	assert.Equal(t, 1, stored.Tries)
	require.NotNil(t, stored.StatusCode)
	assert.Equal(t, 200, *stored.StatusCode)
	assert.Empty(t, stored.LeaseOwner)

	again, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.EqualValues(t, 1, ep.hits.Load())
}

func TestClientErrorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, Config{})
	f.settings.Set(dynconfig.KeyMaxRetries, 10)
	ep := newEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad field"))
	})
	log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: true, EmailNotification: true}, `{"a":1}`)

	out, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, 1, out.Tries)
	assert.Nil(t, out.NextAttemptAt)

	stored, err := f.logs.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Message, "HTTP 400")
	assert.Contains(t, stored.Message, "bad field")
	assert.Equal(t, 1, f.notified.count())

	again, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.EqualValues(t, 1, ep.hits.Load())
}

func TestRetryBudget(t *testing.T) {
	f := newFixture(t, Config{})
	f.settings.Set(dynconfig.KeyMaxRetries, 3)
	ep := newEndpoint(t, status(http.StatusInternalServerError))
	log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: true, EmailNotification: true}, `{"a":1}`)

	first, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, first.Status)
	require.NotNil(t, first.NextAttemptAt)

	out := attemptUntilTerminal(t, f, log.ID, 10)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, 3, out.Tries)
	assert.EqualValues(t, 3, ep.hits.Load())

	stale, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.True(t, stale.Skipped)
	assert.EqualValues(t, 3, ep.hits.Load())
	assert.Equal(t, 1, f.notified.count())

	stored, err := f.logs.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Tries)
	assert.Contains(t, stored.Message, "max retries reached")
}

func TestMaxRetriesIsReadPerDecision(t *testing.T) {
	f := newFixture(t, Config{})
	f.settings.Set(dynconfig.KeyMaxRetries, 5)
	ep := newEndpoint(t, status(http.StatusServiceUnavailable))
	log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: true}, `{"a":1}`)

	out, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, out.Status)

	f.settings.Set(dynconfig.KeyMaxRetries, 2)
	out = attemptUntilTerminal(t, f, log.ID, 5)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, 2, out.Tries)
}

func TestRetryableStatuses(t *testing.T) {
	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			f := newFixture(t, Config{})
			ep := newEndpoint(t, status(code))
			log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: true}, `{"a":1}`)

			out, err := f.dispatcher.Attempt(context.Background(), log.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusRetrying, out.Status)
			assert.Equal(t, 1, out.Tries)
		})
	}

	for _, code := range []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			f := newFixture(t, Config{})
			ep := newEndpoint(t, status(code))
			log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: true}, `{"a":1}`)

			out, err := f.dispatcher.Attempt(context.Background(), log.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, out.Status)
		})
	}
}

func TestRetryAfterPushesNextAttempt(t *testing.T) {
	f := newFixture(t, Config{})
	f.dispatcher.deps.Backoff = backoff.Policy{Base: time.Millisecond, Max: time.Hour}
	ep := newEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: true}, `{"a":1}`)

	before := time.Now().UTC()
	out, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, out.Status)
	require.NotNil(t, out.NextAttemptAt)
	assert.WithinDuration(t, before.Add(2*time.Minute), *out.NextAttemptAt, 5*time.Second)
}

func TestTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t, Config{HTTPTimeout: 50 * time.Millisecond})
	ep := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: true}, `{"a":1}`)

	out, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, out.Status)
	assert.Nil(t, out.StatusCode)

	stored, err := f.logs.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Message, "HTTP request failed")
}

func TestConnectionRefusedIsRetryable(t *testing.T) {
	f := newFixture(t, Config{})
	ep := newEndpoint(t, status(http.StatusOK))
	url := ep.URL
	ep.Close()
	log := f.seed(t, &models.Hook{Endpoint: url, Active: true}, `{"a":1}`)

	out, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrying, out.Status)
}

func TestMalformedEndpointFailsWithoutRetry(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
	}{
		{"control character", "http://hooks.example.test/\x7f"},
		{"missing scheme", "hooks.example.test/receive"},
		{"unsupported scheme", "ftp://hooks.example.test/receive"},
		{"missing host", "http:///receive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.settings.Set(dynconfig.KeyMaxRetries, 10)
			log := f.seed(t, &models.Hook{Endpoint: tt.endpoint, Active: true, EmailNotification: true}, `{"a":1}`)

			out, err := f.dispatcher.Attempt(context.Background(), log.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, out.Status)
			assert.Equal(t, 1, out.Tries)
			assert.Nil(t, out.NextAttemptAt)

			stored, err := f.logs.Get(context.Background(), log.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, stored.Status)
			assert.Contains(t, stored.Message, "invalid endpoint URL")
			assert.NotContains(t, stored.Message, "max retries reached")
			assert.Equal(t, 1, f.notified.count())
		})
	}
}

func TestClassifyPermanentError(t *testing.T) {
	result := &deliveryResult{Err: errors.New("failed to sign payload"), Permanent: true}
	d := classify(result, 1, 5, time.Now())
	assert.Equal(t, models.StatusFailed, d.Status)
	assert.Equal(t, "failed to sign payload", d.Message)
	assert.Zero(t, d.RetryAfter)

	result.Permanent = false
	assert.Equal(t, models.StatusRetrying, classify(result, 1, 5, time.Now()).Status)
}

func TestBasicAuthIsSentButNeverRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	ep := newEndpoint(t, status(http.StatusForbidden))
	log := f.seed(t, &models.Hook{
		Endpoint:     ep.URL,
		Active:       true,
		AuthMode:     models.AuthBasic,
		AuthUsername: "svc",
		AuthPassword: "s3cret",
	}, `{"a":1}`)

	_, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)

	req := ep.last()
	assert.True(t, req.hasAuth)
	assert.Equal(t, "svc", req.user)
	assert.Equal(t, "s3cret", req.pass)

	stored, err := f.logs.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Message, "s3cret")
}

func TestTemplateAndSignature(t *testing.T) {
	f := newFixture(t, Config{})
	ep := newEndpoint(t, status(http.StatusNoContent))
	log := f.seed(t, &models.Hook{
		Endpoint:        ep.URL,
		Active:          true,
		PayloadTemplate: "answer=##q1## missing=##q9##",
		SigningSecret:   "key",
	}, `{"q1":"yes"}`)

	out, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, out.Status)

	req := ep.last()
	assert.Equal(t, "answer=yes missing=##q9##", req.body)
	assert.Equal(t, payload.ContentTypeText, req.contentType)

	want, err := Sign([]byte(req.body), "key")
	require.NoError(t, err)
	assert.Equal(t, want, req.header.Get(SignatureHeader))
}

func TestDeactivatedHookIsAbandoned(t *testing.T) {
	f := newFixture(t, Config{})
	ep := newEndpoint(t, status(http.StatusOK))
	log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: false, EmailNotification: true}, `{"a":1}`)

	out, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Zero(t, out.Tries)
	assert.Zero(t, ep.hits.Load())
	assert.Equal(t, 1, f.notified.count())

	stored, err := f.logs.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, MessageDestinationDisabled, stored.Message)
}

func TestDeletedHookIsAbandoned(t *testing.T) {
	f := newFixture(t, Config{})
	log, _, err := f.logs.GetOrCreate(context.Background(), uuid.New(), "sub")
	require.NoError(t, err)

	out, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Zero(t, f.notified.count())
}

func TestConcurrentWorkersNotifyOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.settings.Set(dynconfig.KeyMaxRetries, 1)
	release := make(chan struct{})
	ep := newEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusInternalServerError)
	})
	log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: true, EmailNotification: true}, `{"a":1}`)

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make([]*Outcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.dispatcher.Attempt(context.Background(), log.ID)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}

	require.Eventually(t, func() bool { return ep.hits.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	finalized := 0
	for _, out := range outcomes {
		require.NotNil(t, out)
		if !out.Skipped {
			finalized++
			assert.Equal(t, models.StatusFailed, out.Status)
		}
	}
	assert.Equal(t, 1, finalized)
	assert.EqualValues(t, 1, ep.hits.Load())
	assert.Equal(t, 1, f.notified.count())
}

func TestMessageIsTruncated(t *testing.T) {
	f := newFixture(t, Config{MaxMessageSize: 40, MaxResponseBodySize: 16})
	ep := newEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
	})
	log := f.seed(t, &models.Hook{Endpoint: ep.URL, Active: true}, `{"a":1}`)

	_, err := f.dispatcher.Attempt(context.Background(), log.ID)
	require.NoError(t, err)

	stored, err := f.logs.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(stored.Message), 40)
	assert.True(t, strings.HasSuffix(stored.Message, "..."))
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
	assert.Equal(t, "...", truncate("ééééé", 4))
	assert.Equal(t, "é...", truncate("ééééé", 6))
}
