package log

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// MetricHook counts log events of one level.
type MetricHook struct {
	level  zerolog.Level
	metric prometheus.Counter
}

func NewMetricErrorHook(metric prometheus.Counter) *MetricHook {
	return &MetricHook{level: zerolog.ErrorLevel, metric: metric}
}

func NewMetricWarnHook(metric prometheus.Counter) *MetricHook {
	return &MetricHook{level: zerolog.WarnLevel, metric: metric}
}

func (h *MetricHook) Run(_ *zerolog.Event, level zerolog.Level, _ string) {
	if level != h.level {
		return
	}

	h.metric.Inc()
}
