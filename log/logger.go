package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/soldatov-s/dbpool/base"
)

const metricsName = "logger"

// Logger is the root application logger. It counts warnings and errors
// in prometheus counters.
type Logger struct {
	zerolog zerolog.Logger
	*base.MetricsStorage
}

func NewLogger(ctx context.Context, config *Config) (*Logger, error) {
	return NewLoggerWithWriter(ctx, config, nil)
}

// NewLoggerWithWriter builds logger writing to w. Nil w means stdout.
func NewLoggerWithWriter(ctx context.Context, config *Config, w io.Writer) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config = config.SetDefault()

	level, err := zerolog.ParseLevel(strings.ToLower(config.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	if w == nil {
		w = os.Stdout
	}

	logger := &Logger{
		MetricsStorage: base.NewMetricsStorage(),
		zerolog: zerolog.New(buildLoggerOutput(w, config.HumanFriendly, config.NoColoredOutput)).
			With().Timestamp().Logger().
			Hook(NewTracingHook(config.WithTrace)),
	}

	if err := logger.buildMetrics(ctx); err != nil {
		return nil, errors.Wrap(err, "build metrics")
	}

	return logger, nil
}

func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zerolog
}

// WithContext puts logger into ctx, zerolog.Ctx finds it there.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return l.zerolog.WithContext(ctx)
}

// GetLogger returns child logger for named part of application.
func (l *Logger) GetLogger(name string, fields ...*Field) *zerolog.Logger {
	c := l.zerolog.With().Str("name", name)
	for _, f := range fields {
		c = c.Interface(f.Name, f.Value)
	}

	logger := c.Logger()
	return &logger
}

func buildLoggerOutput(w io.Writer, isHumanFriendly, isNoColoredOutput bool) io.Writer {
	if !isHumanFriendly {
		return w
	}

	output := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    isNoColoredOutput,
		TimeFormat: time.RFC3339,
	}

	output.FormatLevel = func(i interface{}) string {
		var v string

		if ii, ok := i.(string); ok {
			ii = strings.ToUpper(ii)
			switch ii {
			case "DEBUG", "ERROR", "FATAL", "INFO", "WARN", "PANIC", "TRACE":
				v = fmt.Sprintf("%-5s", ii)
			default:
				v = ii
			}
		}

		return fmt.Sprintf("| %s |", v)
	}

	return output
}

func (l *Logger) buildMetrics(_ context.Context) error {
	warnsMetric, err := l.GetMetrics().AddMetricCounter(metricsName, "warns total", "How many warnings occurred.")
	if err != nil {
		return errors.Wrap(err, "add counter metric")
	}
	l.zerolog = l.zerolog.Hook(NewMetricWarnHook(warnsMetric))

	errorsMetric, err := l.GetMetrics().AddMetricCounter(metricsName, "errors total", "How many errors occurred.")
	if err != nil {
		return errors.Wrap(err, "add counter metric")
	}
	l.zerolog = l.zerolog.Hook(NewMetricErrorHook(errorsMetric))

	return nil
}
