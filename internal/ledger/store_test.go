package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marminbh/hook-svc/internal/models"
	"github.com/marminbh/hook-svc/internal/testutil"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	store := NewStore(testutil.NewDB(t))
	c := &clock{t: time.Now().UTC()}
	store.now = c.now
	return store, c
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	hookID := uuid.New()

	first, created, err := store.GetOrCreate(ctx, hookID, "sub-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusCreated, first.Status)
	assert.Zero(t, first.Tries)

	again, created, err := store.GetOrCreate(ctx, hookID, "sub-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := store.GetOrCreate(ctx, uuid.New(), "sub-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	store, c := newStore(t)
	ctx := context.Background()
	log, _, err := store.GetOrCreate(ctx, uuid.New(), "sub")
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, log.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	assert.Equal(t, "worker-a", claimed.LeaseOwner)

	_, err = store.Claim(ctx, log.ID, "worker-b", time.Minute)
	assert.ErrorIs(t, err, ErrNotClaimable)

	c.advance(2 * time.Minute)
	stolen, err := store.Claim(ctx, log.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", stolen.LeaseOwner)

	_, err = store.Finalize(ctx, log.ID, "worker-a", func(l *models.HookLog) {
		l.Status = models.StatusFailed
	})
	assert.ErrorIs(t, err, ErrLeaseLost)

	done, err := store.Finalize(ctx, log.ID, "worker-b", func(l *models.HookLog) {
		l.Status = models.StatusSuccess
		l.Tries++
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, done.Status)
	assert.Equal(t, 1, done.Tries)
	assert.Empty(t, done.LeaseOwner)
	assert.Nil(t, done.LeaseExpiresAt)
}

func TestClaimMissingLog(t *testing.T) {
	store, _ := newStore(t)

	_, err := store.Claim(context.Background(), uuid.New(), "w", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalLogsAreNeverClaimed(t *testing.T) {
	store, c := newStore(t)
	ctx := context.Background()

	for _, terminal := range []models.LogStatus{models.StatusSuccess, models.StatusFailed} {
		log, _, err := store.GetOrCreate(ctx, uuid.New(), "sub")
		require.NoError(t, err)
		_, err = store.Claim(ctx, log.ID, "w", time.Minute)
		require.NoError(t, err)
		_, err = store.Finalize(ctx, log.ID, "w", func(l *models.HookLog) {
			l.Status = terminal
			l.Tries++
		})
		require.NoError(t, err)

		c.advance(time.Hour)
		_, err = store.Claim(ctx, log.ID, "late", time.Minute)
		assert.ErrorIs(t, err, ErrNotClaimable)

		_, err = store.Finalize(ctx, log.ID, "w", func(l *models.HookLog) {
			l.Status = models.StatusRetrying
		})
		assert.ErrorIs(t, err, ErrLeaseLost)

		got, err := store.Get(ctx, log.ID)
		require.NoError(t, err)
		assert.Equal(t, terminal, got.Status)
		assert.Equal(t, 1, got.Tries)
	}
}

func TestRetryingIsClaimableOnceDue(t *testing.T) {
	store, c := newStore(t)
	ctx := context.Background()
	log, _, err := store.GetOrCreate(ctx, uuid.New(), "sub")
	require.NoError(t, err)

	_, err = store.Claim(ctx, log.ID, "w", time.Minute)
	require.NoError(t, err)
	next := c.now().Add(30 * time.Second)
	_, err = store.Finalize(ctx, log.ID, "w", func(l *models.HookLog) {
		l.Status = models.StatusRetrying
		l.Tries++
		l.NextAttemptAt = &next
	})
	require.NoError(t, err)

	_, err = store.Claim(ctx, log.ID, "w", time.Minute)
	assert.ErrorIs(t, err, ErrNotClaimable)

	c.advance(31 * time.Second)
	claimed, err := store.Claim(ctx, log.ID, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Tries)
}

func TestRecoverable(t *testing.T) {
	store, c := newStore(t)
	ctx := context.Background()

	fresh, _, err := store.GetOrCreate(ctx, uuid.New(), "fresh")
	require.NoError(t, err)

	stale, _, err := store.GetOrCreate(ctx, uuid.New(), "stale")
	require.NoError(t, err)
	_, err = store.Claim(ctx, stale.ID, "crashed", time.Minute)
	require.NoError(t, err)

	logs, err := store.Recoverable(ctx, 5*time.Minute, 100)
	require.NoError(t, err)
	assert.Empty(t, logs)

	c.advance(2 * time.Minute)
	logs, err = store.Recoverable(ctx, 5*time.Minute, 100)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, stale.ID, logs[0].ID)

	c.advance(10 * time.Minute)
	logs, err = store.Recoverable(ctx, 5*time.Minute, 100)
	require.NoError(t, err)
	ids := []uuid.UUID{}
	for _, l := range logs {
		ids = append(ids, l.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{fresh.ID, stale.ID}, ids)
}

func TestListMostRecentFirstWithFilters(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	hookA, hookB := uuid.New(), uuid.New()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var created []uuid.UUID
	for i := 0; i < 5; i++ {
		log := models.HookLog{HookID: hookA, SubmissionUUID: uuid.NewString(), DateCreated: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, store.db.Create(&log).Error)
		created = append(created, log.ID)
	}
	other := models.HookLog{HookID: hookB, SubmissionUUID: "b", Status: models.StatusFailed, DateCreated: base.Add(time.Hour)}
	require.NoError(t, store.db.Create(&other).Error)

	page, err := store.List(ctx, Filter{HookID: &hookA, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Logs, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, created[4], page.Logs[0].ID)
	assert.Equal(t, created[3], page.Logs[1].ID)

	page, err = store.List(ctx, Filter{HookID: &hookA, Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, created[0], page.Logs[0].ID)

	failed := models.StatusFailed
	page, err = store.List(ctx, Filter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, other.ID, page.Logs[0].ID)
	assert.Equal(t, DefaultListLimit, page.Limit)
}

func TestPending(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	hookID := uuid.New()

	open, _, err := store.GetOrCreate(ctx, hookID, "open")
	require.NoError(t, err)
	require.NoError(t, store.db.Create(&models.HookLog{HookID: hookID, SubmissionUUID: "done", Status: models.StatusSuccess}).Error)

	logs, err := store.Pending(ctx, hookID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, open.ID, logs[0].ID)
}
