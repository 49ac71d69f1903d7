package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soldatov-s/dbpool/base"
	"github.com/soldatov-s/dbpool/log"
	"github.com/soldatov-s/dbpool/x/httpx"
	"github.com/soldatov-s/dbpool/x/stringsx"
	"golang.org/x/sync/errgroup"
)

const (
	ReadyEndpoint   = "/health/ready"
	AliveEndpoint   = "/health/alive"
	MetricsEndpoint = "/metrics"
)

var (
	ErrAppendMetrics            = errors.New("failed to append metrics")
	ErrAliveHandlers            = errors.New("failed to append alive handlers")
	ErrReadyHandlers            = errors.New("failed to append ready handlers")
	ErrNotFindStatsHTTP         = errors.New("not find http server for stats")
	ErrFailedTypeCastHTTPServer = errors.New("failed typecast to http server")
	ErrEnityNotFound            = errors.New("enity not found")
)

type HTTPServer interface {
	RegisterEndpoint(method, endpoint string, handler http.Handler, m ...httpx.MiddleWareFunc) error
}

type EnityMetricsGateway interface {
	GetMetrics() *base.MapMetricsOptions
}

type EnityAliveGateway interface {
	GetAliveHandlers() *base.MapCheckOptions
}

type EnityReadyGateway interface {
	GetReadyHandlers() *base.MapCheckOptions
}

//go:generate mockgen -source=app.go -destination=enity_mock_test.go -package=app_test EnityGateway

// EnityGateway is a runnable part of application: a pool provider or a
// stats http server.
type EnityGateway interface {
	Shutdown(ctx context.Context) error
	Start(ctx context.Context, errGroup *errgroup.Group) error
	GetFullName() string
}

type ManagerDeps struct {
	Meta *MetaDeps
	// StatsHTTPEnityName is a full name of http server for metrics and
	// health endpoints. Empty disables them.
	StatsHTTPEnityName string
	Logger             *log.Logger
	ErrorGroup         *errgroup.Group
}

type MetaDeps struct {
	Name        string
	Builded     string
	Hash        string
	Version     string
	Description string
}

type Meta struct {
	Name        string
	Builded     string
	Hash        string
	Version     string
	Description string
}

func NewMeta(deps *MetaDeps) *Meta {
	if deps == nil {
		deps = &MetaDeps{}
	}

	meta := &Meta{
		Name:        deps.Name,
		Builded:     deps.Builded,
		Hash:        deps.Hash,
		Version:     deps.Version,
		Description: deps.Description,
	}

	if meta.Description == "" {
		meta.Description = "no description"
	}

	if meta.Name == "" {
		meta.Name = "unknown"
	}

	if meta.Version == "" {
		meta.Version = "0.0.0"
	}

	return meta
}

func (m *Meta) BuildInfo() string {
	return m.Version + ", builded: " + m.Builded + ", hash: " + m.Hash
}

// Manager starts enities in order they were added and shuts them down in
// reverse order.
type Manager struct {
	*base.MetricsStorage
	*base.ReadyCheckStorage
	*base.AliveCheckStorage
	meta               *Meta
	mu                 sync.Mutex
	enities            map[string]EnityGateway
	enitiesOrder       []string
	started            []string
	statsHTTPEnityName string
	register           prometheus.Registerer
	logger             *log.Logger
	signals            []os.Signal
	errorGroup         *errgroup.Group
}

type ManagerOption func(*Manager)

func WithCustomRegister(register prometheus.Registerer) ManagerOption {
	return func(c *Manager) {
		c.register = register
	}
}

func WithCustomSignals(signals []os.Signal) ManagerOption {
	return func(c *Manager) {
		c.signals = signals
	}
}

func NewManager(deps *ManagerDeps, opts ...ManagerOption) *Manager {
	app := &Manager{
		MetricsStorage:     base.NewMetricsStorage(),
		AliveCheckStorage:  base.NewAliveCheckStorage(),
		ReadyCheckStorage:  base.NewReadyCheckStorage(),
		meta:               NewMeta(deps.Meta),
		enities:            make(map[string]EnityGateway),
		enitiesOrder:       make([]string, 0, 4),
		statsHTTPEnityName: deps.StatsHTTPEnityName,
		register:           prometheus.DefaultRegisterer,
		logger:             deps.Logger,
		signals:            defaultOSSignals(),
		errorGroup:         deps.ErrorGroup,
	}

	for _, opt := range opts {
		opt(app)
	}

	return app
}

func defaultOSSignals() []os.Signal {
	return []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}
}

func (a *Manager) Meta() *Meta {
	return a.meta
}

type ErrSignal struct {
	Signal os.Signal
}

func (e ErrSignal) Error() string {
	return fmt.Sprintf("got error signal %s", e.Signal.String())
}

// OSSignalWaiter shuts application down on the first OS signal.
func (a *Manager) OSSignalWaiter(ctx context.Context) error {
	logger := a.logger.Zerolog()
	closeSignal := make(chan os.Signal, 1)
	signal.Notify(closeSignal, a.signals...)

	a.errorGroup.Go(func() error {
		defer signal.Stop(closeSignal)

		select {
		case s := <-closeSignal:
			logger.Info().Msgf("got os signal: %s", s.String())
			if err := a.Shutdown(ctx); err != nil {
				return errors.Wrap(err, "shutdown app")
			}
			return ErrSignal{Signal: s}
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	return nil
}

// Loop is application loop
func (a *Manager) Loop(ctx context.Context) error {
	logger := a.logger.Zerolog()
	if err := a.errorGroup.Wait(); err != nil {
		switch {
		case isExitSignal(err):
			logger.Info().Msg("exited by exit signal")
		default:
			return errors.Wrap(err, "exited with error")
		}
	}
	return nil
}

func isExitSignal(err error) bool {
	errSig := ErrSignal{}
	return errors.As(err, &errSig)
}

// Start starts enities one by one. If one fails, already started ones
// are shut down.
func (a *Manager) Start(ctx context.Context) error {
	a.mu.Lock()
	order := append([]string(nil), a.enitiesOrder...)
	a.mu.Unlock()

	for _, k := range order {
		if err := a.enities[k].Start(ctx, a.errorGroup); err != nil {
			if errShutdown := a.Shutdown(ctx); errShutdown != nil {
				a.logger.Zerolog().Err(errShutdown).Msg("shutdown after failed start")
			}
			return errors.Wrapf(err, "start enity %q", k)
		}

		a.mu.Lock()
		a.started = append(a.started, k)
		a.mu.Unlock()
	}

	if a.statsHTTPEnityName == "" {
		return nil
	}

	if err := a.startStatistic(ctx); err != nil {
		return errors.Wrap(err, "start statistics")
	}

	return nil
}

// Shutdown shuts started enities down in reverse order. Every enity is
// asked even if some fail, the first error is returned.
func (a *Manager) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = nil
	a.mu.Unlock()

	var firstErr error
	for _, k := range stringsx.ReverseStringSlice(started) {
		if err := a.enities[k].Shutdown(ctx); err != nil {
			a.logger.Zerolog().Err(err).Str("enity", k).Msg("shutdown enity")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "shutdown enity %q", k)
			}
		}
	}

	return firstErr
}

func (a *Manager) Add(_ context.Context, e EnityGateway) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.enities[e.GetFullName()]; ok {
		return errors.Wrapf(base.ErrConflictName, "name: %s", e.GetFullName())
	}

	if v, ok := e.(EnityMetricsGateway); ok {
		if err := a.MetricsStorage.GetMetrics().Append(v.GetMetrics()); err != nil {
			return errors.Wrap(ErrAppendMetrics, err.Error())
		}
	}

	if v, ok := e.(EnityAliveGateway); ok {
		if err := a.AliveCheckStorage.GetAliveHandlers().Append(v.GetAliveHandlers()); err != nil {
			return errors.Wrap(ErrAliveHandlers, err.Error())
		}
	}

	if v, ok := e.(EnityReadyGateway); ok {
		if err := a.ReadyCheckStorage.GetReadyHandlers().Append(v.GetReadyHandlers()); err != nil {
			return errors.Wrap(ErrReadyHandlers, err.Error())
		}
	}

	a.enities[e.GetFullName()] = e
	a.enitiesOrder = append(a.enitiesOrder, e.GetFullName())

	return nil
}

// Get returns enity by full name.
func (a *Manager) Get(fullName string) (EnityGateway, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.enities[fullName]
	if !ok {
		return nil, errors.Wrapf(ErrEnityNotFound, "name: %s", fullName)
	}

	return e, nil
}

func (a *Manager) startStatistic(ctx context.Context) error {
	enity, err := a.Get(a.statsHTTPEnityName)
	if err != nil {
		return errors.Wrap(ErrNotFindStatsHTTP, err.Error())
	}

	httpSrv, ok := enity.(HTTPServer)
	if !ok {
		return ErrFailedTypeCastHTTPServer
	}

	if err := a.MetricsStorage.GetMetrics().Registrate(a.register); err != nil {
		return errors.Wrap(err, "registrate metrics")
	}

	if err := a.logger.GetMetrics().Registrate(a.register); err != nil {
		return errors.Wrap(err, "registrate logger metrics")
	}

	if err := httpSrv.RegisterEndpoint(
		http.MethodGet,
		MetricsEndpoint,
		promhttp.HandlerFor(gathererOf(a.register), promhttp.HandlerOpts{}),
		func(h http.Handler) http.Handler {
			return a.PrometheusMiddleware(ctx, h)
		}); err != nil {
		return errors.Wrap(err, "registrate prometheus endpoint")
	}

	if err := httpSrv.RegisterEndpoint(
		http.MethodGet,
		AliveEndpoint,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.AliveCheckHandler(a.logger.WithContext(r.Context()), w)
		}),
	); err != nil {
		return errors.Wrap(err, "registrate alive endpoint")
	}

	if err := httpSrv.RegisterEndpoint(
		http.MethodGet,
		ReadyEndpoint,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.ReadyCheckHandler(a.logger.WithContext(r.Context()), w)
		}),
	); err != nil {
		return errors.Wrap(err, "registrate ready endpoint")
	}

	return nil
}

// gathererOf serves what was registered in a custom registry, default
// one otherwise.
func gathererOf(register prometheus.Registerer) prometheus.Gatherer {
	if g, ok := register.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}
