package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizesValidate(t *testing.T) {
	tests := []struct {
		name  string
		sizes Sizes
		valid bool
	}{
		{name: "ok", sizes: Sizes{Min: 1, Initial: 1, Max: 10}, valid: true},
		{name: "no initial", sizes: Sizes{Min: 2, Initial: 0, Max: 2}, valid: true},
		{name: "initial above min", sizes: Sizes{Min: 1, Initial: 5, Max: 5}, valid: true},
		{name: "zero min", sizes: Sizes{Min: 0, Initial: 0, Max: 10}},
		{name: "negative min", sizes: Sizes{Min: -1, Initial: 0, Max: 10}},
		{name: "max below min", sizes: Sizes{Min: 5, Initial: 1, Max: 4}},
		{name: "initial above max", sizes: Sizes{Min: 1, Initial: 11, Max: 10}},
		{name: "negative initial", sizes: Sizes{Min: 1, Initial: -1, Max: 10}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sizes.Validate()
			if tt.valid {
				assert.Nil(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestConnectionsSeed(t *testing.T) {
	p, drv := newTestConnections(t, Sizes{Min: 2, Initial: 3, Max: 5}, nil, true)

	stats := p.stats()
	assert.Equal(t, 3, stats.Open)
	assert.Equal(t, 3, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
	assert.True(t, stats.Primed)
	assert.Equal(t, int64(3), stats.Created)
	assert.Equal(t, 3, drv.Live())
}

func TestConnectionsPollReusesOldestIdle(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 2, Max: 2}, nil, true)

	oldest := p.free[0]

	conn, err := p.poll(ctx)
	require.Nil(t, err)
	assert.Same(t, oldest, conn)
	assert.Equal(t, 2, drv.Opened())

	stats := p.stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.InUse)
}

func TestConnectionsExhausted(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 1, Max: 2}, nil, true)

	a, err := p.poll(ctx)
	require.Nil(t, err)
	b, err := p.poll(ctx)
	require.Nil(t, err)
	assert.NotSame(t, a, b)

	_, err = p.poll(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 2, drv.Opened())
	assert.Equal(t, int64(1), p.stats().Exhausted)

	require.Nil(t, p.add(ctx, a))

	c, err := p.poll(ctx)
	require.Nil(t, err)
	assert.Same(t, a, c)
}

func TestConnectionsAddErrors(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 1, Max: 3}, nil, true)

	assert.ErrorIs(t, p.add(ctx, nil), ErrConnIsNil)

	// Idle connection was never checked out.
	assert.ErrorIs(t, p.add(ctx, p.free[0]), ErrConnNotCheckedOut)

	conn, err := p.poll(ctx)
	require.Nil(t, err)
	require.Nil(t, p.add(ctx, conn))
	assert.ErrorIs(t, p.add(ctx, conn), ErrConnNotCheckedOut)
	assert.Equal(t, 1, p.stats().Idle)

	// A connection the pool doesn't know is closed and forgotten.
	foreign, err := p.creator.Create(ctx)
	require.Nil(t, err)
	require.Nil(t, p.add(ctx, foreign))
	assert.True(t, foreign.IsClosed())
	assert.Equal(t, 1, p.stats().Open)
	assert.Equal(t, 1, drv.Live())
}

func TestConnectionsInvalidOnCheckout(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	validator := NewMockValidator(ctrl)
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 1, Max: 2}, validator, true)

	stale := p.free[0]
	gomock.InOrder(
		validator.EXPECT().IsValid(gomock.Any(), stale).Return(false, nil),
		validator.EXPECT().IsValid(gomock.Any(), gomock.Any()).Return(true, nil),
	)

	conn, err := p.poll(ctx)
	require.Nil(t, err)
	assert.NotSame(t, stale, conn)
	assert.True(t, stale.IsClosed())

	stats := p.stats()
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, int64(1), stats.Discarded)
	assert.Equal(t, 2, drv.Opened())
	assert.Equal(t, 1, drv.Live())
}

func TestConnectionsNewConnectionInvalid(t *testing.T) {
	ctx := context.Background()
	invalid := ValidatorFunc(func(context.Context, *Conn) (bool, error) {
		return false, errors.New("server gone")
	})
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 0, Max: 2}, invalid, true)

	_, err := p.poll(ctx)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, p.stats().Open)
	assert.Equal(t, 1, drv.Opened())
	assert.Equal(t, 0, drv.Live())
}

func TestConnectionsBrokenOnCheckin(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 1, Max: 2}, PingValidator{}, true)

	conn, err := p.poll(ctx)
	require.Nil(t, err)

	drv.Conns()[0].Break()
	require.Nil(t, p.add(ctx, conn))

	assert.True(t, conn.IsClosed())
	stats := p.stats()
	assert.Equal(t, 0, stats.Open)
	assert.Equal(t, int64(1), stats.Discarded)
	assert.Equal(t, 0, drv.Live())
}

func TestConnectionsCheckinRestoresAutoCommit(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 1, Max: 1}, nil, false)

	conn, err := p.poll(ctx)
	require.Nil(t, err)
	assert.False(t, conn.AutoCommit())

	_, err = conn.ExecContext(ctx, "INSERT INTO t VALUES (1)")
	require.Nil(t, err)
	require.True(t, conn.InTx())

	require.Nil(t, p.add(ctx, conn))
	assert.True(t, conn.AutoCommit())
	assert.False(t, conn.InTx())
	assert.Empty(t, conn.Warnings())
	assert.Equal(t, 1, drv.Conns()[0].Rollbacks())
	assert.Equal(t, 0, drv.Conns()[0].Commits())

	again, err := p.poll(ctx)
	require.Nil(t, err)
	assert.Same(t, conn, again)
	assert.False(t, again.AutoCommit())
}

func TestConnectionsValidateGrowsToMin(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 2, Initial: 2, Max: 3}, PingValidator{}, true)

	a, err := p.poll(ctx)
	require.Nil(t, err)
	b, err := p.poll(ctx)
	require.Nil(t, err)

	drv.BreakAll()
	require.Nil(t, p.add(ctx, a))
	require.Nil(t, p.add(ctx, b))
	require.Equal(t, 0, p.stats().Open)

	require.Nil(t, p.validate(ctx))

	stats := p.stats()
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 2, drv.Live())
}

func TestConnectionsValidateBeforePrimed(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 2, Initial: 0, Max: 3}, nil, true)

	require.Nil(t, p.validate(ctx))
	assert.False(t, p.stats().Primed)
	assert.Equal(t, 0, drv.Opened())

	a, err := p.poll(ctx)
	require.Nil(t, err)
	assert.False(t, p.stats().Primed)

	b, err := p.poll(ctx)
	require.Nil(t, err)
	assert.True(t, p.stats().Primed)

	require.Nil(t, p.add(ctx, a))
	require.Nil(t, p.add(ctx, b))
	assert.Equal(t, 2, p.stats().Idle)
}

func TestConnectionsValidateGrowFailure(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 2, Initial: 2, Max: 2}, PingValidator{}, true)

	conn, err := p.poll(ctx)
	require.Nil(t, err)
	drv.Conns()[0].Break()
	require.Nil(t, p.add(ctx, conn))

	drv.FailOpen(errors.New("refused"))
	err = p.validate(ctx)
	assert.ErrorIs(t, err, ErrConnectionCreation)

	stats := p.stats()
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 0, stats.Pending)

	drv.FailOpen(nil)
	require.Nil(t, p.validate(ctx))
	assert.Equal(t, 2, p.stats().Open)
}

func TestConnectionsValidateAll(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 3, Max: 4}, nil, true)

	busy, err := p.poll(ctx)
	require.Nil(t, err)

	fakes := drv.Conns()
	fakes[1].Break()
	fakes[2].Break()
	// Checked out connection belongs to its caller.
	fakes[0].Break()

	err = p.validateAll(ctx, PingValidator{})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Failures, 2)
	for _, f := range verr.Failures {
		assert.NotEmpty(t, f.ConnID)
		assert.NotNil(t, f.Err)
	}

	stats := p.stats()
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 1, stats.InUse)
	assert.False(t, busy.IsClosed())

	// Nothing to report once the broken ones are gone.
	assert.Nil(t, p.validateAll(ctx, PingValidator{}))
}

func TestConnectionsClose(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 2, Max: 3}, nil, true)

	busy, err := p.poll(ctx)
	require.Nil(t, err)

	assert.Equal(t, 1, p.close(ctx))
	assert.Equal(t, 0, p.close(ctx))
	assert.Equal(t, 0, drv.Live())
	assert.True(t, busy.IsClosed())

	for _, fake := range drv.Conns() {
		assert.Equal(t, 1, fake.CloseCount())
	}

	_, err = p.poll(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.validate(ctx), ErrPoolClosed)

	// Returning after close is quiet.
	assert.Nil(t, p.add(ctx, busy))
	assert.Equal(t, int64(1), p.stats().Leaked)
}

func TestConnectionsConcurrentNeverExceedMax(t *testing.T) {
	const (
		maxSize = 4
		workers = 16
		rounds  = 50
	)

	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 1, Max: maxSize}, nil, true)

	var (
		wg        sync.WaitGroup
		exhausted int64
		served    int64
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				conn, err := p.poll(ctx)
				if errors.Is(err, ErrPoolExhausted) {
					atomic.AddInt64(&exhausted, 1)
					continue
				}
				if err != nil {
					t.Error(err)
					return
				}

				atomic.AddInt64(&served, 1)
				if err := p.add(ctx, conn); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers*rounds), served+exhausted)
	assert.LessOrEqual(t, drv.Opened(), maxSize)

	stats := p.stats()
	assert.LessOrEqual(t, stats.Open, maxSize)
	assert.Equal(t, stats.Open, stats.Idle)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, exhausted, stats.Exhausted)
}

func TestConnectionsValidateShrinksToMax(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 8, Max: 8}, nil, true)

	oldest := make([]*Conn, 3)
	copy(oldest, p.free[:3])

	p.mu.Lock()
	p.maxSize = 5
	p.mu.Unlock()

	require.Nil(t, p.validate(ctx))

	stats := p.stats()
	assert.Equal(t, 5, stats.Open)
	assert.Equal(t, 5, stats.Idle)
	assert.Equal(t, 5, drv.Live())
	for _, conn := range oldest {
		assert.True(t, conn.IsClosed())
	}
}

func TestConnectionsShrinkKeepsCheckedOut(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 1, Initial: 4, Max: 4}, nil, true)

	busy := make([]*Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, err := p.poll(ctx)
		require.Nil(t, err)
		busy = append(busy, conn)
	}

	p.mu.Lock()
	p.maxSize = 2
	p.mu.Unlock()

	require.Nil(t, p.validate(ctx))

	stats := p.stats()
	assert.Equal(t, 3, stats.Open)
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 3, drv.Live())
	for _, conn := range busy {
		assert.False(t, conn.IsClosed())
	}
}

func TestConnectionsNoGrowBeforePrimed(t *testing.T) {
	ctx := context.Background()
	p, drv := newTestConnections(t, Sizes{Min: 3, Initial: 0, Max: 5}, nil, true)

	for i := 0; i < 3; i++ {
		require.Nil(t, p.validate(ctx))
	}
	assert.Equal(t, 0, drv.Opened())

	conn, err := p.poll(ctx)
	require.Nil(t, err)
	require.Nil(t, p.add(ctx, conn))
	require.Nil(t, p.validate(ctx))

	stats := p.stats()
	assert.False(t, stats.Primed)
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 1, drv.Opened())
}
