package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/textbook_market/internal/app/system"
	"github.com/R3E-Network/textbook_market/internal/cache"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

var _ system.Service = (*Sweeper)(nil)

const leaderKey = "commit-sweeper:leader"

// ErrSweepInProgress is returned by RunOnce when another instance holds the
// sweep lock.
var ErrSweepInProgress = errors.New("commit sweep already running")

// Sweeper runs the commit lifecycle duties on a cron schedule. When a shared
// cache is configured only one instance sweeps at a time.
type Sweeper struct {
	service  *Service
	schedule string
	lockTTL  time.Duration
	locks    cache.Store
	timeout  time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewSweeper creates a sweeper. schedule accepts standard cron expressions
// and descriptors such as "@every 30m".
func NewSweeper(service *Service, schedule string, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("commit-sweeper")
	}
	if schedule == "" {
		schedule = "@every 30m"
	}
	return &Sweeper{
		service:  service,
		schedule: schedule,
		lockTTL:  10 * time.Minute,
		timeout:  5 * time.Minute,
		log:      log,
	}
}

// WithLocks enables leader election through the cache.
func (s *Sweeper) WithLocks(store cache.Store, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks = store
	if ttl > 0 {
		s.lockTTL = ttl
	}
}

func (s *Sweeper) Name() string { return "commit-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cron.PrintfLogger(s.log)),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.log))),
	)
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() { s.tick(runCtx) }); err != nil {
		cancel()
		return err
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("commit sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.running = false
	s.mu.Unlock()

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("commit sweeper stopped")
	return nil
}

func (s *Sweeper) tick(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	if _, err := s.RunOnce(parent); err != nil && !errors.Is(err, ErrSweepInProgress) {
		s.log.WithError(err).Warn("commit sweep failed")
	}
}

// RunOnce performs a single sweep, honouring the leader lock.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	locks, ttl := s.locks, s.lockTTL
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if locks != nil {
		unlock, ok, err := locks.TryLock(ctx, leaderKey, ttl)
		if err != nil {
			return SweepResult{}, err
		}
		if !ok {
			s.log.Debug("another instance is sweeping")
			return SweepResult{}, ErrSweepInProgress
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				s.log.WithError(err).Warn("release sweep lock failed")
			}
		}()
	}
	return s.service.Sweep(ctx)
}
