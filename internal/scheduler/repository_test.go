package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avlonitis/vigil/internal/database"
	"github.com/avlonitis/vigil/pkg/logger"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db.Conn(), logger.Discard())
}

func scanDef() Definition {
	return Definition{
		Name:     "event-scan",
		Kind:     KindInterval,
		Interval: 15 * time.Minute,
		Lease:    5 * time.Minute,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	repo := setupTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Upsert(scanDef(), now))
	job, err := repo.Get("event-scan")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NotNil(t, job.NextRunAt)
	firstFire := *job.NextRunAt
	assert.Equal(t, now.Add(15*time.Minute), firstFire)

	// Mark a failure so the row has history worth preserving.
	require.NoError(t, repo.MarkFailure("event-scan", now.Add(time.Minute),
		now.Add(16*time.Minute), "exchange timeout"))

	// Re-register on a later boot with a longer lease.
	def := scanDef()
	def.Lease = 10 * time.Minute
	require.NoError(t, repo.Upsert(def, now.Add(2*time.Minute)))

	job, err = repo.Get("event-scan")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, job.Lease, "schedule fields update")
	assert.Equal(t, now.Add(16*time.Minute), *job.NextRunAt, "next fire preserved")
	assert.Equal(t, 1, job.FailureCount, "failure count preserved")
	assert.Equal(t, "exchange timeout", job.LastError)
}

func TestTryAcquireLease(t *testing.T) {
	repo := setupTestRepo(t)
	registered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Upsert(scanDef(), registered))
	due := registered.Add(16 * time.Minute)

	t.Run("not due means no lease", func(t *testing.T) {
		ok, err := repo.TryAcquireLease("event-scan", "owner-a", registered)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("exactly one contender wins", func(t *testing.T) {
		ok, err := repo.TryAcquireLease("event-scan", "owner-a", due)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.TryAcquireLease("event-scan", "owner-b", due)
		require.NoError(t, err)
		assert.False(t, ok, "held lease must block a second owner")

		job, err := repo.Get("event-scan")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, job.Status)
		assert.Equal(t, "owner-a", job.LockOwner)
		require.NotNil(t, job.LockExpiresAt)
		assert.Equal(t, due.Add(5*time.Minute), *job.LockExpiresAt)
	})

	t.Run("expired lease can be stolen", func(t *testing.T) {
		afterExpiry := due.Add(5 * time.Minute)
		ok, err := repo.TryAcquireLease("event-scan", "owner-b", afterExpiry)
		require.NoError(t, err)
		assert.True(t, ok, "lock_expires_at <= now releases the lease")

		job, err := repo.Get("event-scan")
		require.NoError(t, err)
		assert.Equal(t, "owner-b", job.LockOwner)
	})
}

func TestMarkSuccessAdvancesAndClears(t *testing.T) {
	repo := setupTestRepo(t)
	registered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Upsert(scanDef(), registered))

	due := registered.Add(16 * time.Minute)
	ok, err := repo.TryAcquireLease("event-scan", "owner-a", due)
	require.NoError(t, err)
	require.True(t, ok)

	next := registered.Add(30 * time.Minute)
	require.NoError(t, repo.MarkSuccess("event-scan", due, next))

	job, err := repo.Get("event-scan")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, job.Status)
	assert.Equal(t, next, *job.NextRunAt)
	assert.Equal(t, due, *job.LastRunAt)
	assert.Empty(t, job.LockOwner)
	assert.Nil(t, job.LockExpiresAt)
	assert.Empty(t, job.LastError)
}

func TestMarkFailureCountsAndAdvances(t *testing.T) {
	repo := setupTestRepo(t)
	registered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Upsert(scanDef(), registered))

	now := registered.Add(16 * time.Minute)
	next := registered.Add(30 * time.Minute)
	require.NoError(t, repo.MarkFailure("event-scan", now, next, "llm oracle unreachable"))
	require.NoError(t, repo.MarkFailure("event-scan", now.Add(15*time.Minute),
		registered.Add(45*time.Minute), "llm oracle unreachable"))

	job, err := repo.Get("event-scan")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 2, job.FailureCount)
	assert.Equal(t, "llm oracle unreachable", job.LastError)
	assert.Equal(t, registered.Add(45*time.Minute), *job.NextRunAt)
}

func TestRecoverExpired(t *testing.T) {
	repo := setupTestRepo(t)
	registered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Upsert(scanDef(), registered))

	due := registered.Add(16 * time.Minute)
	ok, err := repo.TryAcquireLease("event-scan", "dead-process", due)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("live lease is untouched", func(t *testing.T) {
		n, err := repo.RecoverExpired(due.Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("expired running row is demoted to failed", func(t *testing.T) {
		n, err := repo.RecoverExpired(due.Add(6 * time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		job, err := repo.Get("event-scan")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, job.Status)
		assert.Equal(t, 1, job.FailureCount)
		assert.Empty(t, job.LockOwner)
		assert.Nil(t, job.LockExpiresAt)
		assert.Contains(t, job.LastError, "lease expired")
		assert.Equal(t, due, *job.NextRunAt, "next_run_at untouched so the job refires")

		// Still due, so the next tick can take the lease again.
		ok, err := repo.TryAcquireLease("event-scan", "owner-b", due.Add(6*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestListAndDelete(t *testing.T) {
	repo := setupTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Upsert(scanDef(), now))
	require.NoError(t, repo.Upsert(Definition{
		Name: "daily-maintenance", Kind: KindDaily, Hour: 3, Minute: 30,
		Timezone: "UTC", Lease: 10 * time.Minute,
	}, now))

	jobs, err := repo.List()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "daily-maintenance", jobs[0].Name)
	assert.Equal(t, KindDaily, jobs[0].Kind)
	assert.Equal(t, 3, jobs[0].Hour)
	assert.Equal(t, 30, jobs[0].Minute)

	require.NoError(t, repo.Delete("event-scan"))
	assert.Error(t, repo.Delete("event-scan"), "second delete reports not found")

	jobs, err = repo.List()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
