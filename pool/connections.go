package pool

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ConnectionCreator is what the pool needs from a Creator.
type ConnectionCreator interface {
	Create(ctx context.Context) (*Conn, error)
	URL() string
}

// Sizes holds pool bounds.
type Sizes struct {
	Min     int
	Initial int
	Max     int
}

func (s Sizes) Validate() error {
	if s.Min <= 0 {
		return errors.Wrapf(ErrConfiguration, "min size %d must be positive", s.Min)
	}

	if s.Max < s.Min {
		return errors.Wrapf(ErrConfiguration, "max size %d is less than min size %d", s.Max, s.Min)
	}

	if s.Initial < 0 || s.Initial > s.Max {
		return errors.Wrapf(ErrConfiguration, "initial size %d is out of [0, %d]", s.Initial, s.Max)
	}

	return nil
}

// connections is a bounded set of sessions. The mutex protects only
// bookkeeping, driver calls are always made without it.
type connections struct {
	creator    ConnectionCreator
	validator  Validator
	autoCommit bool
	minSize    int
	maxSize    int

	mu      sync.Mutex // protects following fields
	all     map[*Conn]struct{}
	free    []*Conn // idle connections, oldest first
	pending int     // creations in flight, they count against maxSize
	primed  bool // set once the pool has reached minSize
	closed  bool

	created   int64
	discarded int64
	exhausted int64
	leaked    int64
}

func newConnections(creator ConnectionCreator, validator Validator, sizes Sizes, autoCommit bool) *connections {
	if validator == nil {
		validator = AlwaysValid
	}

	return &connections{
		creator:    creator,
		validator:  validator,
		autoCommit: autoCommit,
		minSize:    sizes.Min,
		maxSize:    sizes.Max,
		all:        make(map[*Conn]struct{}, sizes.Max),
		free:       make([]*Conn, 0, sizes.Max),
	}
}

// seed creates n connections and puts them to the idle list.
func (p *connections) seed(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if _, err := p.create(ctx, false); err != nil {
			return errors.Wrap(err, "seed pool")
		}
	}

	return nil
}

// reserveLocked takes up to n free slots for new connections.
func (p *connections) reserveLocked(n int) int {
	room := p.maxSize - len(p.all) - p.pending
	if n > room {
		n = room
	}
	if n < 0 {
		n = 0
	}
	p.pending += n
	return n
}

// create opens a new connection after reserving a slot for it.
func (p *connections) create(ctx context.Context, checkout bool) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.reserveLocked(1) == 0 {
		p.exhausted++
		p.mu.Unlock()
		return nil, errors.Wrapf(ErrPoolExhausted, "max size %d", p.maxSize)
	}
	p.mu.Unlock()

	return p.createReserved(ctx, checkout)
}

// createReserved fills one slot reserved with reserveLocked. The new
// connection is either marked as checked out or put to the idle list.
func (p *connections) createReserved(ctx context.Context, checkout bool) (*Conn, error) {
	conn, err := p.creator.Create(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	if p.closed {
		p.mu.Unlock()
		p.destroy(ctx, conn, "pool closed during creation")
		return nil, ErrPoolClosed
	}

	p.all[conn] = struct{}{}
	p.created++
	if !p.primed && len(p.all) >= p.minSize {
		p.primed = true
	}
	if checkout {
		conn.inUse = true
	} else {
		p.free = append(p.free, conn)
	}
	p.mu.Unlock()

	zerolog.Ctx(ctx).Debug().Str("conn", conn.ID()).Msg("connection created")
	return conn, nil
}

// poll checks out a connection. It takes an idle one if there is any,
// grows the pool otherwise, and fails fast when the pool is at its
// maximum size.
func (p *connections) poll(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if len(p.free) > 0 {
			conn := p.free[0]
			p.free[0] = nil
			p.free = p.free[1:]
			conn.inUse = true
			p.mu.Unlock()

			if p.prepare(ctx, conn) {
				return conn, nil
			}
			continue
		}

		if p.reserveLocked(1) == 0 {
			p.exhausted++
			p.mu.Unlock()
			return nil, errors.Wrapf(ErrPoolExhausted, "max size %d", p.maxSize)
		}
		p.mu.Unlock()

		conn, err := p.createReserved(ctx, true)
		if err != nil {
			return nil, err
		}

		if !p.prepare(ctx, conn) {
			// A brand new connection that is already unusable means
			// retrying would just loop.
			return nil, errors.Wrapf(ErrValidation, "new connection %s", conn.ID())
		}

		return conn, nil
	}
}

// prepare readies a connection for a caller. On failure the connection
// is discarded and false is returned.
func (p *connections) prepare(ctx context.Context, conn *Conn) bool {
	logger := zerolog.Ctx(ctx)

	if err := conn.SetAutoCommit(ctx, p.autoCommit); err != nil {
		logger.Debug().Err(err).Str("conn", conn.ID()).Msg("prepare connection")
		p.discard(ctx, conn, "set autocommit on checkout")
		return false
	}

	valid, err := p.validator.IsValid(ctx, conn)
	if err != nil || !valid {
		logger.Debug().Err(err).Str("conn", conn.ID()).Msg("connection invalid on checkout")
		p.discard(ctx, conn, "invalid on checkout")
		return false
	}

	return true
}

// add checks a connection back in.
func (p *connections) add(ctx context.Context, conn *Conn) error {
	if conn == nil {
		return ErrConnIsNil
	}

	p.mu.Lock()
	if _, ok := p.all[conn]; !ok {
		p.mu.Unlock()
		// The pool doesn't own it anymore (closed or evicted), make
		// sure the session doesn't stay open.
		p.destroy(ctx, conn, "returned to pool that doesn't own it")
		return nil
	}

	if !conn.inUse {
		p.mu.Unlock()
		return errors.Wrapf(ErrConnNotCheckedOut, "conn %s", conn.ID())
	}
	// Claimed here, a second concurrent add of the same connection gets
	// ErrConnNotCheckedOut.
	conn.inUse = false
	p.mu.Unlock()

	if !p.release(ctx, conn) {
		return nil
	}

	p.mu.Lock()
	if _, ok := p.all[conn]; ok && !p.closed {
		p.free = append(p.free, conn)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// Closed while being released.
	p.destroy(ctx, conn, "released after pool close")
	return nil
}

// release resets a connection that is coming back. On failure the
// connection is discarded and false is returned.
func (p *connections) release(ctx context.Context, conn *Conn) bool {
	logger := zerolog.Ctx(ctx)

	if err := conn.reset(ctx); err != nil {
		logger.Debug().Err(err).Str("conn", conn.ID()).Msg("reset connection")
		p.discard(ctx, conn, "reset on checkin")
		return false
	}

	for _, w := range conn.Warnings() {
		logger.Debug().Err(w).Str("conn", conn.ID()).Msg("connection warning")
	}
	conn.ClearWarnings()

	valid, err := p.validator.IsValid(ctx, conn)
	if err != nil || !valid {
		logger.Debug().Err(err).Str("conn", conn.ID()).Msg("connection invalid on checkin")
		p.discard(ctx, conn, "invalid on checkin")
		return false
	}

	return true
}

// discard removes a connection from the pool and closes it.
func (p *connections) discard(ctx context.Context, conn *Conn, reason string) {
	p.mu.Lock()
	p.removeLocked(conn)
	p.mu.Unlock()

	p.destroy(ctx, conn, reason)
}

// removeLocked forgets the connection, both in all and free.
func (p *connections) removeLocked(conn *Conn) {
	if _, ok := p.all[conn]; !ok {
		return
	}

	delete(p.all, conn)
	p.discarded++

	for i, c := range p.free {
		if c == conn {
			copy(p.free[i:], p.free[i+1:])
			p.free[len(p.free)-1] = nil
			p.free = p.free[:len(p.free)-1]
			break
		}
	}
}

func (p *connections) destroy(ctx context.Context, conn *Conn, reason string) {
	logger := zerolog.Ctx(ctx)
	if err := conn.close(); err != nil {
		logger.Warn().Err(err).Str("conn", conn.ID()).Str("reason", reason).Msg("close connection")
		return
	}
	logger.Debug().Str("conn", conn.ID()).Str("reason", reason).Msg("connection closed")
}

// validate is the periodic housekeeping: priming, growing back to the
// minimum once primed and shrinking idle connections down to maximum.
func (p *connections) validate(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	size := len(p.all)
	switch {
	case !p.primed && size >= p.minSize:
		p.primed = true
		p.mu.Unlock()
		zerolog.Ctx(ctx).Debug().Int("size", size).Msg("pool primed")
		return nil
	case p.primed && size < p.minSize:
		n := p.reserveLocked(p.minSize - size - p.pending)
		p.mu.Unlock()
		return p.grow(ctx, n)
	case size > p.maxSize:
		closing := p.shrinkLocked(size - p.maxSize)
		p.mu.Unlock()
		for _, conn := range closing {
			p.destroy(ctx, conn, "shrink to max size")
		}
		return nil
	default:
		p.mu.Unlock()
		return nil
	}
}

// grow fills n slots reserved with reserveLocked.
func (p *connections) grow(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if _, err := p.createReserved(ctx, false); err != nil {
			p.mu.Lock()
			p.pending -= n - i - 1
			p.mu.Unlock()
			return errors.Wrap(err, "grow to min size")
		}
	}

	if n > 0 {
		zerolog.Ctx(ctx).Debug().Int("added", n).Msg("pool grown to min size")
	}

	return nil
}

// shrinkLocked takes up to n oldest idle connections out of the pool.
func (p *connections) shrinkLocked(n int) []*Conn {
	if n > len(p.free) {
		n = len(p.free)
	}

	closing := make([]*Conn, n)
	copy(closing, p.free[:n])
	for i := 0; i < n; i++ {
		p.free[i] = nil
	}
	p.free = p.free[n:]

	for _, conn := range closing {
		delete(p.all, conn)
		p.discarded++
	}

	return closing
}

// validateAll checks every idle connection with passed validator.
// Checked out connections belong to their callers and are left alone.
// Failed connections are discarded and all failures are returned
// together.
func (p *connections) validateAll(ctx context.Context, validator Validator) error {
	p.mu.Lock()
	conns := make([]*Conn, len(p.free))
	copy(conns, p.free)
	p.mu.Unlock()

	var failures []ConnFailure
	for _, conn := range conns {
		valid, err := validator.IsValid(ctx, conn)
		if err == nil && valid {
			continue
		}

		if err == nil {
			err = errors.New("reported invalid")
		}
		failures = append(failures, ConnFailure{ConnID: conn.ID(), Err: err})
		p.discard(ctx, conn, "failed validation sweep")
	}

	if len(failures) > 0 {
		return &ValidationError{Failures: failures}
	}

	return nil
}

// close closes every connection, checked out ones included, and returns
// how many were still checked out.
func (p *connections) close(ctx context.Context) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.closed = true

	leaked := len(p.all) - len(p.free)
	conns := make([]*Conn, 0, len(p.all))
	for conn := range p.all {
		conns = append(conns, conn)
	}
	p.all = make(map[*Conn]struct{})
	p.free = nil
	p.leaked += int64(leaked)
	p.mu.Unlock()

	if leaked > 0 {
		zerolog.Ctx(ctx).Warn().
			Int("leaked", leaked).
			Str("url", p.creator.URL()).
			Msg("connection leak detected: connections still checked out on close")
	}

	for _, conn := range conns {
		p.destroy(ctx, conn, "pool closed")
	}

	return leaked
}

func (p *connections) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Open:      len(p.all),
		Idle:      len(p.free),
		InUse:     len(p.all) - len(p.free),
		Pending:   p.pending,
		MinSize:   p.minSize,
		MaxSize:   p.maxSize,
		Primed:    p.primed,
		Created:   p.created,
		Discarded: p.discarded,
		Exhausted: p.exhausted,
		Leaked:    p.leaked,
	}
}
