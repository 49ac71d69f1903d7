package base

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/soldatov-s/dbpool/x/stringsx"
)

type MetricGateway interface {
	prometheus.Collector
}

// MetricFunc refreshes metric value right before it is collected.
type MetricFunc func(ctx context.Context, metric MetricGateway) error

// MetricOptions descrbes struct with options for metrics
type MetricOptions struct {
	// Metric name
	Name string
	// Metric is a metric
	Metric MetricGateway
	// Func is a func for update metric, nil for metrics updated by their
	// owner (counters)
	Func MetricFunc
}

func NewMetricOptions(name string, metric MetricGateway, f MetricFunc) *MetricOptions {
	return &MetricOptions{
		Name:   name,
		Metric: metric,
		Func:   f,
	}
}

type GaugeFunc func(ctx context.Context) (float64, error)

func NewMetricOptionsGauge(fullName, postfix, help string, f GaugeFunc) *MetricOptions {
	name := fullName + preparePostfix(postfix)
	gauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: name,
			Help: stringsx.JoinStrings(" ", fullName, help),
		})

	metricFunc := func(ctx context.Context, m MetricGateway) error {
		g, ok := m.(prometheus.Gauge)
		if !ok {
			return ErrFailedTypecastMetric
		}
		v, err := f(ctx)
		if err != nil {
			return errors.Wrap(err, "metric handler")
		}
		g.Set(v)

		return nil
	}
	return NewMetricOptions(name, gauge, metricFunc)
}

func NewMetricOptionsCounter(fullName, postfix, help string) *MetricOptions {
	name := fullName + preparePostfix(postfix)
	counter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: name,
			Help: stringsx.JoinStrings(" ", fullName, help),
		})

	return NewMetricOptions(name, counter, nil)
}

func preparePostfix(postfix string) string {
	return "_" + strings.ReplaceAll(postfix, " ", "_")
}

type MapMetricsOptions struct {
	mu      sync.Mutex
	options map[string]*MetricOptions
}

func NewMapMetricsOptions() *MapMetricsOptions {
	return &MapMetricsOptions{
		options: make(map[string]*MetricOptions),
	}
}

func (mmo *MapMetricsOptions) Append(src *MapMetricsOptions) error {
	src.mu.Lock()
	options := make(map[string]*MetricOptions, len(src.options))
	for k, v := range src.options {
		options[k] = v
	}
	src.mu.Unlock()

	mmo.mu.Lock()
	defer mmo.mu.Unlock()

	for k := range options {
		if _, ok := mmo.options[k]; ok {
			return errors.Wrapf(ErrConflictName, "name: %s", k)
		}
	}

	for k, m := range options {
		mmo.options[k] = m
	}

	return nil
}

func (mmo *MapMetricsOptions) Add(options *MetricOptions) error {
	if options == nil {
		return ErrOptionsIsNil
	}

	if options.Name == "" {
		return ErrEmptyMetricName
	}

	mmo.mu.Lock()
	defer mmo.mu.Unlock()

	if _, ok := mmo.options[options.Name]; ok {
		return errors.Wrapf(ErrConflictName, "name: %s", options.Name)
	}

	mmo.options[options.Name] = options

	return nil
}

func (mmo *MapMetricsOptions) AddMetricGauge(fullName, postfix, help string, f GaugeFunc) (prometheus.Gauge, error) {
	if f == nil {
		return nil, ErrFuncIsNil
	}

	metricOpts := NewMetricOptionsGauge(fullName, postfix, help, f)
	if err := mmo.Add(metricOpts); err != nil {
		return nil, errors.Wrap(err, "add to metrics map")
	}

	gauge, ok := metricOpts.Metric.(prometheus.Gauge)
	if !ok {
		return nil, ErrFailedTypecastMetric
	}

	return gauge, nil
}

func (mmo *MapMetricsOptions) AddMetricCounter(fullName, postfix, help string) (prometheus.Counter, error) {
	metricOpts := NewMetricOptionsCounter(fullName, postfix, help)
	if err := mmo.Add(metricOpts); err != nil {
		return nil, errors.Wrap(err, "add to metrics map")
	}

	counter, ok := metricOpts.Metric.(prometheus.Counter)
	if !ok {
		return nil, ErrFailedTypecastMetric
	}

	return counter, nil
}

// Names returns sorted metric names.
func (mmo *MapMetricsOptions) Names() []string {
	mmo.mu.Lock()
	defer mmo.mu.Unlock()

	names := make([]string, 0, len(mmo.options))
	for k := range mmo.options {
		names = append(names, k)
	}
	sort.Strings(names)

	return names
}

// Update refreshes every metric that has update func. It doesn't stop on
// the first failure, the last error is returned.
func (mmo *MapMetricsOptions) Update(ctx context.Context) error {
	mmo.mu.Lock()
	options := make([]*MetricOptions, 0, len(mmo.options))
	for _, v := range mmo.options {
		options = append(options, v)
	}
	mmo.mu.Unlock()

	var lastErr error
	for _, v := range options {
		if v.Func == nil {
			continue
		}
		if err := v.Func(ctx, v.Metric); err != nil {
			lastErr = errors.Wrapf(err, "update metric %q", v.Name)
		}
	}

	return lastErr
}

func (mmo *MapMetricsOptions) Registrate(register prometheus.Registerer) error {
	mmo.mu.Lock()
	defer mmo.mu.Unlock()

	for _, v := range mmo.options {
		c, ok := v.Metric.(prometheus.Collector)
		if !ok {
			return ErrInvalidCollector
		}
		if err := register.Register(c); err != nil {
			return errors.Wrap(err, "registrate metric")
		}
	}

	return nil
}

// AddCounterVec adds labeled counter, it is incremented by its owner.
func (mmo *MapMetricsOptions) AddCounterVec(fullName, postfix, help string, labels []string) (*prometheus.CounterVec, error) {
	name := fullName + preparePostfix(postfix)
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: stringsx.JoinStrings(" ", fullName, help),
		}, labels)

	if err := mmo.Add(NewMetricOptions(name, counter, nil)); err != nil {
		return nil, errors.Wrap(err, "add to metrics map")
	}

	return counter, nil
}

// AddHistogramVec adds labeled histogram with default buckets.
func (mmo *MapMetricsOptions) AddHistogramVec(fullName, postfix, help string, labels []string) (*prometheus.HistogramVec, error) {
	name := fullName + preparePostfix(postfix)
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: name,
			Help: stringsx.JoinStrings(" ", fullName, help),
		}, labels)

	if err := mmo.Add(NewMetricOptions(name, histogram, nil)); err != nil {
		return nil, errors.Wrap(err, "add to metrics map")
	}

	return histogram, nil
}
