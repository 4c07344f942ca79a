// Package perf collects step latency telemetry and ranks locations by it.
//
// The Monitor is off the critical path: Observe never blocks, samples that do
// not fit the buffer are dropped and counted. Samples also arrive from other
// processes over the telemetry.perf channel.
package perf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/randalmurphal/runengine/pkg/runengine/event"
)

// EventSample is the event type of samples on event.ChannelTelemetryPerf.
const EventSample = "PERF_SAMPLE"

// DefaultBufferSize is the sample queue length used when none is configured.
const DefaultBufferSize = 1024

// Sample is one observed step execution.
type Sample struct {
	RunID    string `json:"runId"`
	StepID   string `json:"stepId"`
	Location string `json:"location"`
	// DurationMs is the executor latency in milliseconds.
	DurationMs float64   `json:"durationMs"`
	Failed     bool      `json:"failed,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewSample builds a sample for a step at location.
func NewSample(runID, stepID, location string, d time.Duration, failed bool) Sample {
	return Sample{
		RunID:      runID,
		StepID:     stepID,
		Location:   location,
		DurationMs: float64(d.Microseconds()) / 1000,
		Failed:     failed,
		Timestamp:  time.Now().UTC(),
	}
}

// Stats aggregates the samples of one location.
type Stats struct {
	Location string  `json:"location"`
	Count    int64   `json:"count"`
	Failures int64   `json:"failures"`
	TotalMs  float64 `json:"total_ms"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
}

// MeanMs returns the average latency, or zero without samples.
func (s Stats) MeanMs() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.TotalMs / float64(s.Count)
}

// FailureRate returns the share of failed samples.
func (s Stats) FailureRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Count)
}

func (s *Stats) add(sample Sample) {
	if s.Count == 0 || sample.DurationMs < s.MinMs {
		s.MinMs = sample.DurationMs
	}
	if sample.DurationMs > s.MaxMs {
		s.MaxMs = sample.DurationMs
	}
	s.Count++
	s.TotalMs += sample.DurationMs
	if sample.Failed {
		s.Failures++
	}
}

// Monitor aggregates samples per location.
type Monitor struct {
	samples chan Sample
	dropped atomic.Int64
	logger  *slog.Logger
	metrics *promMetrics

	mu    sync.RWMutex
	stats map[string]*Stats

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*monitorConfig)

type monitorConfig struct {
	bufferSize int
	registerer prometheus.Registerer
	logger     *slog.Logger
}

// WithBufferSize sets the sample queue length.
func WithBufferSize(n int) Option {
	return func(c *monitorConfig) {
		c.bufferSize = n
	}
}

// WithRegisterer exports the monitor's collectors to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *monitorConfig) {
		c.registerer = reg
	}
}

// WithLogger sets the logger used for malformed telemetry.
func WithLogger(logger *slog.Logger) Option {
	return func(c *monitorConfig) {
		c.logger = logger
	}
}

// NewMonitor creates a monitor and starts its aggregation goroutine.
// Call Close to stop it.
func NewMonitor(opts ...Option) *Monitor {
	cfg := monitorConfig{bufferSize: DefaultBufferSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = DefaultBufferSize
	}

	m := &Monitor{
		samples: make(chan Sample, cfg.bufferSize),
		logger:  cfg.logger,
		stats:   make(map[string]*Stats),
		done:    make(chan struct{}),
	}
	if cfg.registerer != nil {
		m.metrics = newPromMetrics(cfg.registerer)
	}

	m.wg.Add(1)
	go m.run()
	return m
}

// Observe queues a sample. It never blocks; when the queue is full the
// sample is dropped and counted.
func (m *Monitor) Observe(s Sample) {
	select {
	case <-m.done:
		m.drop()
		return
	default:
	}
	select {
	case m.samples <- s:
	default:
		m.drop()
	}
}

func (m *Monitor) drop() {
	m.dropped.Add(1)
	if m.metrics != nil {
		m.metrics.dropped.Inc()
	}
}

// Dropped returns the number of samples that did not fit the queue.
func (m *Monitor) Dropped() int64 {
	return m.dropped.Load()
}

// Subscribe feeds samples published on event.ChannelTelemetryPerf into the
// monitor.
func (m *Monitor) Subscribe(bus event.Bus) (event.Subscription, error) {
	sub, err := bus.Subscribe(event.ChannelTelemetryPerf, []string{EventSample},
		event.TypedHandler(func(_ context.Context, s Sample, _ event.Metadata) error {
			if s.Location == "" {
				m.logger.Warn("ignoring telemetry sample without location",
					slog.String("run_id", s.RunID),
					slog.String("step_id", s.StepID),
				)
				return nil
			}
			m.Observe(s)
			return nil
		}))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", event.ChannelTelemetryPerf, err)
	}
	return sub, nil
}

// Publish sends a sample to every monitor subscribed on bus.
func Publish(ctx context.Context, bus event.Bus, s Sample) error {
	return bus.Publish(ctx, event.New(event.ChannelTelemetryPerf, EventSample, s,
		event.WithCorrelationID(s.RunID)))
}

// Stats returns the aggregate for a location.
func (m *Monitor) Stats(location string) (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[location]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Snapshot returns every aggregate keyed by location.
func (m *Monitor) Snapshot() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.stats))
	for k, s := range m.stats {
		out[k] = *s
	}
	return out
}

// Close stops aggregation after draining queued samples.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	for {
		select {
		case s := <-m.samples:
			m.record(s)
		case <-m.done:
			for {
				select {
				case s := <-m.samples:
					m.record(s)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	st, ok := m.stats[s.Location]
	if !ok {
		st = &Stats{Location: s.Location}
		m.stats[s.Location] = st
	}
	st.add(s)
	mean := st.MeanMs()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.observe(s, mean)
	}
}

type promMetrics struct {
	latency *prometheus.HistogramVec
	mean    *prometheus.GaugeVec
	dropped prometheus.Counter
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)
	return &promMetrics{
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runengine",
			Name:      "step_latency_ms",
			Help:      "Step executor latency in milliseconds by location",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"location", "status"}),
		mean: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runengine",
			Name:      "location_mean_latency_ms",
			Help:      "Running mean step latency in milliseconds by location",
		}, []string{"location"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "runengine",
			Name:      "perf_samples_dropped_total",
			Help:      "Telemetry samples dropped because the monitor queue was full",
		}),
	}
}

func (p *promMetrics) observe(s Sample, mean float64) {
	status := "success"
	if s.Failed {
		status = "error"
	}
	p.mean.WithLabelValues(s.Location).Set(mean)
	p.latency.WithLabelValues(s.Location, status).Observe(s.DurationMs)
}
