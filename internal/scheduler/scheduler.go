package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/clock"
)

// DefaultTick is the poll cadence of the in-process loop.
const DefaultTick = time.Second

// Scheduler drives registered jobs off the durable store. The store is the
// source of truth; the loop only polls it and races for leases, so several
// processes can run the same loop against one database.
type Scheduler struct {
	repo  *Repository
	clock clock.Clock
	owner string
	tick  time.Duration
	log   zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	inFlight map[string]bool
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler with a fresh lock owner identity.
func New(repo *Repository, clk clock.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		repo:     repo,
		clock:    clk,
		owner:    uuid.New().String(),
		tick:     DefaultTick,
		log:      log.With().Str("component", "scheduler").Logger(),
		handlers: map[string]Handler{},
		inFlight: map[string]bool{},
	}
}

// RegisterJob upserts the job row and binds its handler. Safe to call on
// every boot; an existing row keeps its next fire and counters.
func (s *Scheduler) RegisterJob(def Definition, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("job %s: handler must not be nil", def.Name)
	}
	if err := s.repo.Upsert(def, s.clock.Now()); err != nil {
		return err
	}
	s.mu.Lock()
	s.handlers[def.Name] = handler
	s.mu.Unlock()
	s.log.Info().Str("job", def.Name).Str("kind", string(def.Kind)).Msg("Job registered")
	return nil
}

// Start recovers expired leases once, then begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if _, err := s.repo.RecoverExpired(s.clock.Now()); err != nil {
		s.log.Error().Err(err).Msg("Startup lease recovery failed")
	}

	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info().Str("owner", s.owner).Msg("Scheduler started")
	return nil
}

// Stop halts the loop and waits for in-flight handlers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans for due jobs and races for their leases. Exported so tests and
// the run-now path can drive the scheduler without the wall clock.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()

	if _, err := s.repo.RecoverExpired(now); err != nil {
		s.log.Error().Err(err).Msg("Lease recovery failed")
	}

	jobs, err := s.repo.List()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list jobs")
		return
	}

	for _, job := range jobs {
		if job.NextRunAt == nil || job.NextRunAt.After(now) {
			continue
		}
		s.tryRun(ctx, job.Name)
	}
}

// tryRun races for the lease and, when won, runs the handler in a goroutine.
// The in-flight flag keeps this process from double-running a job whose
// lease expired under a still-running handler.
func (s *Scheduler) tryRun(ctx context.Context, name string) {
	s.mu.Lock()
	handler, ok := s.handlers[name]
	if !ok || s.inFlight[name] {
		s.mu.Unlock()
		return
	}
	s.inFlight[name] = true
	s.mu.Unlock()

	acquired, err := s.repo.TryAcquireLease(name, s.owner, s.clock.Now())
	if err != nil || !acquired {
		if err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("Lease acquisition failed")
		}
		s.clearInFlight(name)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clearInFlight(name)
		s.execute(ctx, name, handler)
	}()
}

func (s *Scheduler) execute(ctx context.Context, name string, handler Handler) {
	started := s.clock.Now()
	log := s.log.With().Str("job", name).Logger()
	log.Info().Msg("Job started")

	err := runHandler(ctx, handler)

	now := s.clock.Now()
	job, repoErr := s.repo.Get(name)
	if repoErr != nil || job == nil {
		log.Error().Err(repoErr).Msg("Failed to reload job after run")
		return
	}
	next := NextFire(job.Definition(), job.NextRunAt, now)

	if err != nil {
		log.Error().Err(err).Dur("duration", now.Sub(started)).Msg("Job failed")
		if markErr := s.repo.MarkFailure(name, now, next, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("Failed to record job failure")
		}
		return
	}

	log.Info().Dur("duration", now.Sub(started)).Time("next", next).Msg("Job succeeded")
	if markErr := s.repo.MarkSuccess(name, now, next); markErr != nil {
		log.Error().Err(markErr).Msg("Failed to record job success")
	}
}

// runHandler converts a handler panic into an ordinary failure so one bad
// job cannot take the loop down.
func runHandler(ctx context.Context, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx)
}

// RunNow forces a job to fire on the next tick by pulling its next_run_at to
// the present. The normal lease race still applies.
func (s *Scheduler) RunNow(name string) error {
	now := s.clock.Now()
	if err := s.repo.SetNextRun(name, now, now); err != nil {
		return err
	}
	s.log.Info().Str("job", name).Msg("Job scheduled for immediate run")
	return nil
}

// Jobs exposes the persisted rows for the control surface.
func (s *Scheduler) Jobs() ([]Job, error) {
	return s.repo.List()
}

func (s *Scheduler) clearInFlight(name string) {
	s.mu.Lock()
	delete(s.inFlight, name)
	s.mu.Unlock()
}
