package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const DefaultValidationInterval = 30 * time.Second

// Options describes pool behaviour.
type Options struct {
	Sizes Sizes
	// AutoCommit is applied to every connection on checkout.
	AutoCommit bool
	// Validator is used on checkout and checkin. Default: AlwaysValid.
	Validator Validator
	// ValidationInterval is a period of background housekeeping.
	// Default: 30 seconds.
	ValidationInterval time.Duration
}

// State is a lifecycle wrapper around the pool. The background
// validation is started by the first GetConnection or CloseConnection,
// and everything is torn down by Stop. A stopped State can't be started
// again.
type State struct {
	pool     *connections
	interval time.Duration

	// mu is held for reading by ordinary checkouts and checkins and by
	// background ticks, and for writing by start, Stop and
	// ValidateConnections.
	mu      sync.RWMutex
	active  atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	tickFailures atomic.Int64
}

// NewState builds the pool and seeds it with Sizes.Initial connections.
func NewState(ctx context.Context, creator ConnectionCreator, opts *Options) (*State, error) {
	if creator == nil {
		return nil, errors.Wrap(ErrConfiguration, "nil creator")
	}

	if opts == nil {
		return nil, errors.Wrap(ErrConfiguration, "nil options")
	}

	if err := opts.Sizes.Validate(); err != nil {
		return nil, err
	}

	interval := opts.ValidationInterval
	if interval <= 0 {
		interval = DefaultValidationInterval
	}

	s := &State{
		pool:     newConnections(creator, opts.Validator, opts.Sizes, opts.AutoCommit),
		interval: interval,
	}

	if err := s.pool.seed(ctx, opts.Sizes.Initial); err != nil {
		s.pool.close(ctx)
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().
		Int("min", opts.Sizes.Min).
		Int("initial", opts.Sizes.Initial).
		Int("max", opts.Sizes.Max).
		Dur("validation_interval", interval).
		Msg("pool created")

	return s, nil
}

func (s *State) IsActive() bool {
	return s.active.Load()
}

func (s *State) IsStopped() bool {
	return s.stopped.Load()
}

func (s *State) startIfNeeded(ctx context.Context) error {
	if s.active.Load() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return ErrPoolClosed
	}

	if s.active.Load() {
		return nil
	}

	// Validator lives until Stop, not until the caller's context ends,
	// but keeps its values (logger).
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(bgCtx)
	group.Go(func() error {
		return s.startValidator(groupCtx)
	})

	s.cancel = cancel
	s.group = group
	s.active.Store(true)

	return nil
}

// Validator goroutine entrypoint.
func (s *State) startValidator(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Dur("interval", s.interval).Msg("starting pool validator")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("pool validator stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *State) tick(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Cancellation is asynchronous, Stop may already have run.
	if !s.active.Load() {
		return
	}

	if err := s.pool.validate(ctx); err != nil {
		failures := s.tickFailures.Add(1)
		zerolog.Ctx(ctx).Error().Err(err).Int64("failures", failures).Msg("validate pool")
	}
}

// GetConnection checks a connection out.
func (s *State) GetConnection(ctx context.Context) (*Conn, error) {
	if err := s.startIfNeeded(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.active.Load() {
		return nil, ErrPoolClosed
	}

	return s.pool.poll(ctx)
}

// CloseConnection checks a connection in. After Stop the connection is
// just closed.
func (s *State) CloseConnection(ctx context.Context, conn *Conn) error {
	if !s.stopped.Load() {
		if err := s.startIfNeeded(ctx); err != nil && !errors.Is(err, ErrPoolClosed) {
			return err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pool.add(ctx, conn)
}

// ValidateConnections runs passed validator against every idle
// connection and discards failed ones. All failures are reported in one
// *ValidationError.
func (s *State) ValidateConnections(ctx context.Context, validator Validator) error {
	if validator == nil {
		validator = s.pool.validator
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return ErrPoolClosed
	}

	return s.pool.validateAll(ctx, validator)
}

// Stop cancels background validation and closes every connection. It
// returns how many connections were still checked out. Subsequent calls
// do nothing.
func (s *State) Stop(ctx context.Context) int {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return 0
	}

	s.stopped.Store(true)
	s.active.Store(false)
	if s.cancel != nil {
		s.cancel()
	}

	leaked := s.pool.close(ctx)
	group := s.group
	s.mu.Unlock()

	// A tick waiting for the lock sees inactive state and returns, so
	// waiting without the lock is safe.
	if group != nil {
		if err := group.Wait(); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("pool validator")
		}
	}

	return leaked
}

// Stats returns pool statistics.
func (s *State) Stats() Stats {
	stats := s.pool.stats()
	stats.Active = s.active.Load()
	stats.ValidationFailures = s.tickFailures.Load()
	return stats
}
