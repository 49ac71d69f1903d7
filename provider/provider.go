package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/soldatov-s/dbpool/base"
	"github.com/soldatov-s/dbpool/pool"
	"github.com/soldatov-s/dbpool/x/helper"
	"github.com/soldatov-s/dbpool/x/stringsx"
	"golang.org/x/sync/errgroup"
)

const ProviderName = "dbpool"

// Provider is a connection provider. It owns the pool built from Config
// and everything related to it: creator, background validation, metrics
// and ready check.
type Provider struct {
	*base.Enity
	*base.MetricsStorage
	*base.ReadyCheckStorage
	config    *Config
	factory   CreatorFactory
	validator pool.Validator

	mu      sync.RWMutex
	creator *pool.Creator
	state   *pool.State
	info    *DatabaseInfo
	stopped bool
}

type Option func(*Provider)

// WithCreatorFactory overrides Config.CreatorFactory.
func WithCreatorFactory(f CreatorFactory) Option {
	return func(p *Provider) {
		p.factory = f
	}
}

// WithValidator overrides Config.Validator.
func WithValidator(v pool.Validator) Option {
	return func(p *Provider) {
		p.validator = v
	}
}

// NewProvider creates provider, the pool is built by Configure.
func NewProvider(ctx context.Context, name string, config *Config, opts ...Option) (*Provider, error) {
	if config == nil {
		return nil, errors.Wrapf(base.ErrInvalidEnityOptions, "expected %q", helper.ObjName(Config{}))
	}

	deps := &base.EnityDeps{
		ProviderName: ProviderName,
		Name:         name,
	}

	p := &Provider{
		Enity:             base.NewEnity(deps),
		MetricsStorage:    base.NewMetricsStorage(),
		ReadyCheckStorage: base.NewReadyCheckStorage(),
		config:            config.SetDefault(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := p.buildMetrics(ctx); err != nil {
		return nil, errors.Wrap(err, "build metrics")
	}

	if err := p.buildReadyHandlers(ctx); err != nil {
		return nil, errors.Wrap(err, "build ready handlers")
	}

	return p, nil
}

func (p *Provider) GetConfig() *Config {
	return p.config
}

// Configure validates config, builds the creator and the pool, seeds it
// and captures DatabaseInfo. Second call does nothing.
func (p *Provider) Configure(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return pool.ErrPoolClosed
	}

	if p.state != nil {
		return nil
	}

	logger := p.GetLogger(ctx)
	ctx = logger.WithContext(ctx)

	cfg := p.config
	if err := cfg.Validate(); err != nil {
		return err
	}

	driverName, err := cfg.DriverName()
	if err != nil {
		return err
	}

	factory := p.factory
	if factory == nil {
		factory, err = factoryByName(cfg.CreatorFactory)
		if err != nil {
			return err
		}
	}

	validator, err := p.buildValidator()
	if err != nil {
		return err
	}

	isolation, err := ParseIsolation(cfg.Isolation)
	if err != nil {
		return err
	}

	dsn, err := cfg.ComposeDSN(driverName)
	if err != nil {
		return err
	}

	opener, err := factory.NewOpener(ctx, driverName, dsn)
	if err != nil {
		return err
	}

	redactedURL := stringsx.RedactedPassword(cfg.URL)
	creator, err := pool.NewCreator(opener, &pool.CreatorConfig{
		URL:        redactedURL,
		AutoCommit: cfg.AutoCommit,
		Isolation:  isolation,
		InitSQL:    cfg.InitSQL,
	})
	if err != nil {
		p.closeOpener(ctx, opener)
		return err
	}

	logger.Info().Str("url", redactedURL).Str("driver", driverName).Str("creator_factory", factory.Name()).Msg("building pool...")

	state, err := pool.NewState(ctx, creator, &pool.Options{
		Sizes:              cfg.Sizes(),
		AutoCommit:         cfg.AutoCommit,
		Validator:          validator,
		ValidationInterval: cfg.ValidationInterval,
	})
	if err != nil {
		p.closeOpener(ctx, creator)
		return err
	}

	schemas, catalogs := metadataSupport(driverName)
	info := &DatabaseInfo{
		URL:                redactedURL,
		Driver:             driverName,
		CreatorFactory:     creator.Kind(),
		AutoCommit:         cfg.AutoCommit,
		Isolation:          isolationName(isolation),
		MinSize:            cfg.MinSize,
		InitialSize:        cfg.Sizes().Initial,
		MaxSize:            cfg.MaxSize,
		ValidationInterval: cfg.ValidationInterval,
		Validator:          cfg.Validator,
		SupportsSchemas:    schemas,
		SupportsCatalogs:   catalogs,
	}

	version, err := queryVersion(ctx, state)
	if err != nil {
		// Info is diagnostics, the pool is usable anyway.
		logger.Warn().Err(err).Msg("unable to obtain database version")
	}
	info.Version = version

	p.creator = creator
	p.state = state
	p.info = info

	logger.Info().Object("database", info).Msg("pool configured")

	return nil
}

func (p *Provider) buildValidator() (pool.Validator, error) {
	if p.validator != nil {
		return p.validator, nil
	}

	switch p.config.Validator {
	case ValidatorNone:
		return pool.AlwaysValid, nil
	case ValidatorPing:
		return pool.PingValidator{}, nil
	case ValidatorQuery:
		return pool.QueryValidator{Query: p.config.ValidationQuery}, nil
	default:
		return nil, errors.Wrapf(pool.ErrConfiguration, "unknown validator %q", p.config.Validator)
	}
}

type closer interface {
	Close() error
}

func (p *Provider) closeOpener(ctx context.Context, c closer) {
	if err := c.Close(); err != nil {
		p.GetLogger(ctx).Warn().Err(err).Msg("close creator")
	}
}

func (p *Provider) getState() (*pool.State, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.state == nil {
		return nil, pool.ErrNotInitialized
	}

	return p.state, nil
}

// GetConnection checks a connection out of the pool.
func (p *Provider) GetConnection(ctx context.Context) (*pool.Conn, error) {
	state, err := p.getState()
	if err != nil {
		return nil, err
	}

	return state.GetConnection(p.GetLogger(ctx).WithContext(ctx))
}

// CloseConnection returns connection to the pool.
func (p *Provider) CloseConnection(ctx context.Context, conn *pool.Conn) error {
	state, err := p.getState()
	if err != nil {
		return err
	}

	return state.CloseConnection(p.GetLogger(ctx).WithContext(ctx), conn)
}

// ValidateConnections checks every idle connection with validator, nil
// means the configured one.
func (p *Provider) ValidateConnections(ctx context.Context, validator pool.Validator) error {
	state, err := p.getState()
	if err != nil {
		return err
	}

	return state.ValidateConnections(p.GetLogger(ctx).WithContext(ctx), validator)
}

// Stop stops the pool and closes the creator. Connections still checked
// out are closed and reported. It returns how many were leaked.
func (p *Provider) Stop(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return 0
	}
	p.stopped = true

	if p.state == nil {
		return 0
	}

	logger := p.GetLogger(ctx)
	leaked := p.state.Stop(logger.WithContext(ctx))
	if leaked > 0 {
		logger.Warn().Int("leaked", leaked).Msg("connections were not returned to the pool")
	}

	p.closeOpener(ctx, p.creator)

	logger.Info().Msg("pool stopped")

	return leaked
}

// IsStopped reports whether Stop was called.
func (p *Provider) IsStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// DatabaseInfo returns info captured by Configure, nil before it.
func (p *Provider) DatabaseInfo() *DatabaseInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.info == nil {
		return nil
	}
	info := *p.info
	return &info
}

// Stats returns pool statistics, zero before Configure.
func (p *Provider) Stats() pool.Stats {
	state, err := p.getState()
	if err != nil {
		return pool.Stats{}
	}

	return state.Stats()
}

// Start configures the pool. Background validation runs in the pool's
// own group, errGroup isn't used.
func (p *Provider) Start(ctx context.Context, _ *errgroup.Group) error {
	if err := p.Configure(ctx); err != nil {
		return errors.Wrapf(err, "configure %q", p.GetFullName())
	}

	return nil
}

// Shutdown stops the pool. This is a blocking call.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.GetLogger(ctx).Info().Msg("shutting down")
	p.SetShuttingDown(true)

	p.Stop(ctx)

	p.GetLogger(ctx).Info().Msg("shutted down")
	return nil
}

func (p *Provider) buildMetrics(_ context.Context) error {
	fullName := p.GetFullName()
	help := stringsx.JoinStrings(" ", "pool to", stringsx.RedactedPassword(p.config.URL))

	gauges := []struct {
		postfix string
		help    string
		value   func(s pool.Stats) float64
	}{
		{"status", "status of " + help, func(s pool.Stats) float64 {
			if s.MaxSize > 0 && !p.IsStopped() {
				return 1
			}
			return 0
		}},
		{"open connections", "open connections in " + help, func(s pool.Stats) float64 { return float64(s.Open) }},
		{"idle connections", "idle connections in " + help, func(s pool.Stats) float64 { return float64(s.Idle) }},
		{"in use connections", "checked out connections of " + help, func(s pool.Stats) float64 { return float64(s.InUse) }},
		{"pending connections", "connections being opened by " + help, func(s pool.Stats) float64 { return float64(s.Pending) }},
		{"max connections", "max size of " + help, func(s pool.Stats) float64 { return float64(s.MaxSize) }},
		{"created total", "connections created by " + help, func(s pool.Stats) float64 { return float64(s.Created) }},
		{"discarded total", "connections discarded by " + help, func(s pool.Stats) float64 { return float64(s.Discarded) }},
		{"exhausted total", "exhausted checkouts of " + help, func(s pool.Stats) float64 { return float64(s.Exhausted) }},
		{"leaked total", "connections leaked from " + help, func(s pool.Stats) float64 { return float64(s.Leaked) }},
		{"validation failures total", "failed validation runs of " + help, func(s pool.Stats) float64 {
			return float64(s.ValidationFailures)
		}},
	}

	for _, g := range gauges {
		value := g.value
		metricFunc := func(_ context.Context) (float64, error) {
			return value(p.Stats()), nil
		}
		if _, err := p.MetricsStorage.GetMetrics().AddMetricGauge(fullName, g.postfix, g.help, metricFunc); err != nil {
			return errors.Wrap(err, "add gauge metric")
		}
	}

	return nil
}

// buildReadyHandlers adds check that round trips a pooled connection.
func (p *Provider) buildReadyHandlers(_ context.Context) error {
	checkOptions := &base.CheckOptions{
		Name: strings.ToUpper(p.GetFullName() + "_notfailed"),
		CheckFunc: func(ctx context.Context) error {
			if _, err := p.getState(); err != nil {
				return base.ErrNotConnected
			}

			conn, err := p.GetConnection(ctx)
			if err != nil {
				return errors.Wrap(err, "get connection")
			}

			errPing := conn.Ping(ctx)
			if err := p.CloseConnection(ctx, conn); err != nil {
				return errors.Wrap(err, "close connection")
			}

			if errPing != nil {
				return errors.Wrap(errPing, "ping")
			}

			return nil
		},
	}
	if err := p.ReadyCheckStorage.GetReadyHandlers().Add(checkOptions); err != nil {
		return errors.Wrap(err, "add ready handler")
	}
	return nil
}
