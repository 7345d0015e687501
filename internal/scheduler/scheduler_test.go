package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/database"
	"github.com/avlonitis/vigil/pkg/logger"
)

func setupTestScheduler(t *testing.T, clk clock.Clock) (*Scheduler, *Repository) {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	repo := NewRepository(db.Conn(), logger.Discard())
	return New(repo, clk, logger.Discard()), repo
}

func waitForStatus(t *testing.T, repo *Repository, name string, want Status) Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := repo.Get(name)
		if err != nil || j == nil {
			return false
		}
		job = j
		return j.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", name, want)
	return *job
}

func TestTickRunsDueJob(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, repo := setupTestScheduler(t, clk)

	var runs atomic.Int32
	require.NoError(t, s.RegisterJob(Definition{
		Name: "scan", Kind: KindInterval, Interval: 15 * time.Minute, Lease: 5 * time.Minute,
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	// Not due yet.
	s.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, runs.Load())

	clk.Advance(16 * time.Minute)
	s.Tick(context.Background())
	job := waitForStatus(t, repo, "scan", StatusSuccess)
	assert.Equal(t, int32(1), runs.Load())
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(clk.Now()))
}

func TestTickRecordsHandlerFailure(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, repo := setupTestScheduler(t, clk)

	require.NoError(t, s.RegisterJob(Definition{
		Name: "scan", Kind: KindInterval, Interval: 15 * time.Minute, Lease: 5 * time.Minute,
	}, func(ctx context.Context) error {
		return assert.AnError
	}))

	clk.Advance(16 * time.Minute)
	s.Tick(context.Background())

	job := waitForStatus(t, repo, "scan", StatusFailed)
	assert.Equal(t, 1, job.FailureCount)
	assert.NotEmpty(t, job.LastError)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(clk.Now()), "failure still advances the schedule")
}

func TestTickRecoversPanickingHandler(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, repo := setupTestScheduler(t, clk)

	require.NoError(t, s.RegisterJob(Definition{
		Name: "scan", Kind: KindInterval, Interval: 15 * time.Minute, Lease: 5 * time.Minute,
	}, func(ctx context.Context) error {
		panic("boom")
	}))

	clk.Advance(16 * time.Minute)
	s.Tick(context.Background())

	job := waitForStatus(t, repo, "scan", StatusFailed)
	assert.Contains(t, job.LastError, "panicked")
}

func TestRunNowFiresOnNextTick(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, repo := setupTestScheduler(t, clk)

	var runs atomic.Int32
	require.NoError(t, s.RegisterJob(Definition{
		Name: "scan", Kind: KindInterval, Interval: 15 * time.Minute, Lease: 5 * time.Minute,
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.RunNow("scan"))
	s.Tick(context.Background())
	waitForStatus(t, repo, "scan", StatusSuccess)
	assert.Equal(t, int32(1), runs.Load())

	assert.Error(t, s.RunNow("no-such-job"))
}

func TestInFlightJobIsNotDoubleRun(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, repo := setupTestScheduler(t, clk)

	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.RegisterJob(Definition{
		Name: "scan", Kind: KindInterval, Interval: 15 * time.Minute, Lease: time.Minute,
	}, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}))

	clk.Advance(16 * time.Minute)
	s.Tick(context.Background())
	waitForStatus(t, repo, "scan", StatusRunning)

	// Lease expires while the handler is still going; the same process must
	// not start a second copy.
	clk.Advance(2 * time.Minute)
	s.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	waitForStatus(t, repo, "scan", StatusSuccess)
}

func TestStartRecoversOrphanedLeases(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, repo := setupTestScheduler(t, clk)

	require.NoError(t, repo.Upsert(Definition{
		Name: "scan", Kind: KindInterval, Interval: 15 * time.Minute, Lease: time.Minute,
	}, clk.Now()))

	// Simulate a previous process that died mid-run.
	due := clk.Now().Add(16 * time.Minute)
	ok, err := repo.TryAcquireLease("scan", "dead-process", due)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Set(due.Add(2 * time.Minute))
	var runs atomic.Int32
	require.NoError(t, s.RegisterJob(Definition{
		Name: "scan", Kind: KindInterval, Interval: 15 * time.Minute, Lease: time.Minute,
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	job := waitForStatus(t, repo, "scan", StatusSuccess)
	assert.Equal(t, int32(1), runs.Load())
	assert.GreaterOrEqual(t, job.FailureCount, 1, "orphaned run was recorded as a failure")
}
