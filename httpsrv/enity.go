package httpsrv

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/soldatov-s/dbpool/base"
	"github.com/soldatov-s/dbpool/x/helper"
	"github.com/soldatov-s/dbpool/x/httpx"
	"golang.org/x/sync/errgroup"
)

const ProviderName = "echo"

var methods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodConnect: true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// Enity is a stats HTTP server.
type Enity struct {
	*base.Enity
	*base.MetricsStorage
	config *Config
	server *echo.Echo

	prometheusMiddleware echo.MiddlewareFunc
}

// NewEnity creates echo server. DefaultMiddlewares are used if none
// passed.
func NewEnity(ctx context.Context, name string, config *Config, middlewares ...echo.MiddlewareFunc) (*Enity, error) {
	if config == nil {
		return nil, errors.Wrapf(base.ErrInvalidEnityOptions, "expected %q", helper.ObjName(Config{}))
	}

	deps := &base.EnityDeps{
		ProviderName: ProviderName,
		Name:         name,
	}

	e := &Enity{
		Enity:          base.NewEnity(deps),
		MetricsStorage: base.NewMetricsStorage(),
		config:         config.SetDefault(),
	}

	if err := e.buildMetrics(ctx); err != nil {
		return nil, errors.Wrap(err, "build metrics")
	}

	if len(middlewares) == 0 {
		middlewares = DefaultMiddlewares(e.GetLogger(ctx).WithContext(ctx))
	}

	e.server = e.config.NewEcho()
	e.server.Use(e.prometheusMiddleware)
	e.server.Use(middlewares...)

	return e, nil
}

func (e *Enity) GetConfig() *Config {
	return e.config
}

func (e *Enity) GetServer() *echo.Echo {
	return e.server
}

// Start starts listening in errGroup.
func (e *Enity) Start(ctx context.Context, errGroup *errgroup.Group) error {
	logger := e.GetLogger(ctx)

	errGroup.Go(func() error {
		logger.Info().Str("address", e.config.Address).Msg("starting server...")

		if err := e.server.Start(e.config.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "start http server")
		}

		return nil
	})

	return nil
}

// Shutdown stops HTTP server listening.
func (e *Enity) Shutdown(ctx context.Context) error {
	e.SetShuttingDown(true)

	if err := e.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}

	e.GetLogger(ctx).Info().Msg("server stopped")

	return nil
}

// RegisterEndpoint adds net/http handler with net/http middlewares.
func (e *Enity) RegisterEndpoint(method, endpoint string, handler http.Handler, m ...httpx.MiddleWareFunc) error {
	if handler == nil {
		return ErrEmptyHTTPHandler
	}

	if !methods[method] {
		return errors.Wrapf(ErrUnknownHTTPMethod, "method %q", method)
	}

	echoMiddleware := make([]echo.MiddlewareFunc, len(m))
	for i, v := range m {
		echoMiddleware[i] = echo.WrapMiddleware(v)
	}

	e.server.Add(method, endpoint, echo.WrapHandler(handler), echoMiddleware...)

	return nil
}

func (e *Enity) buildMetrics(_ context.Context) error {
	fullName := e.GetFullName()

	reqCnt, err := e.MetricsStorage.GetMetrics().AddCounterVec(
		fullName, "requests total",
		"how many HTTP requests processed, partitioned by status code and HTTP method",
		[]string{"code", "method", "url"})
	if err != nil {
		return errors.Wrap(err, "add counter vec")
	}

	reqDur, err := e.MetricsStorage.GetMetrics().AddHistogramVec(
		fullName, "request duration seconds",
		"HTTP request latencies in seconds",
		[]string{"code", "method", "url"})
	if err != nil {
		return errors.Wrap(err, "add histogram vec")
	}

	e.prometheusMiddleware = func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var httpError *echo.HTTPError
				if errors.As(err, &httpError) {
					status = httpError.Code
				}
				if status == 0 || status == http.StatusOK {
					status = http.StatusInternalServerError
				}
			}

			code := strconv.Itoa(status)
			reqCnt.WithLabelValues(code, c.Request().Method, c.Path()).Inc()
			reqDur.WithLabelValues(code, c.Request().Method, c.Path()).Observe(time.Since(start).Seconds())

			return err
		}
	}

	return nil
}
