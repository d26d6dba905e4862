package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"platform-core/internal/models"
)

// Metric names owned by this package.
const (
	MetricDeliveries      = "webhook_deliveries_total"
	MetricDeliveryLatency = "webhook_delivery_latency_seconds"
	MetricDeliveryRetries = "webhook_delivery_retries_total"
	MetricQueueDepth      = "jobs_queue_depth"
)

// ObservationStore is the append-only persistence behind the collector.
// Implemented by *store.Store; tests substitute an in-memory fake.
type ObservationStore interface {
	AppendMetric(ctx context.Context, obs models.MetricObservation) error
	ListMetricsSince(ctx context.Context, since time.Time) ([]models.MetricObservation, error)
	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// QueueDepthProbe reports current pending-job depth for statistics.
type QueueDepthProbe func(ctx context.Context) (int64, error)

// Collector owns a Prometheus registry plus the persisted observation log.
// It is an injected dependency, one instance per process, never a package
// global.
type Collector struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelKeys  map[string][]string
	store      ObservationStore
	queueDepth QueueDepthProbe
	now        func() time.Time
}

func NewCollector(store ObservationStore, queueDepth QueueDepthProbe) *Collector {
	return &Collector{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelKeys:  make(map[string][]string),
		store:      store,
		queueDepth: queueDepth,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handler exposes the registry over HTTP in exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// IncrementCounter adds one to the counter for this label set.
func (c *Collector) IncrementCounter(ctx context.Context, name string, labels map[string]string) error {
	vec, err := c.counterVec(name, labels)
	if err != nil {
		return err
	}
	vec.With(labels).Inc()
	return c.persist(ctx, name, models.MetricCounter, labels, 1)
}

// SetGauge overwrites the gauge to the latest value.
func (c *Collector) SetGauge(ctx context.Context, name string, value float64, labels map[string]string) error {
	vec, err := c.gaugeVec(name, labels)
	if err != nil {
		return err
	}
	vec.With(labels).Set(value)
	return c.persist(ctx, name, models.MetricGauge, labels, value)
}

// ObserveHistogram records one raw observation. Percentiles are computed from
// the persisted samples, not from Prometheus buckets.
func (c *Collector) ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string) error {
	vec, err := c.histogramVec(name, labels)
	if err != nil {
		return err
	}
	vec.With(labels).Observe(value)
	return c.persist(ctx, name, models.MetricHistogram, labels, value)
}

// RecordDelivery captures one webhook delivery outcome with its latency and
// attempt number.
func (c *Collector) RecordDelivery(ctx context.Context, eventType, outcome string, latencySeconds float64, attempt int) error {
	if err := c.IncrementCounter(ctx, MetricDeliveries, map[string]string{
		"event_type": eventType,
		"outcome":    outcome,
	}); err != nil {
		return err
	}
	if err := c.ObserveHistogram(ctx, MetricDeliveryLatency, latencySeconds, map[string]string{
		"event_type": eventType,
	}); err != nil {
		return err
	}
	if attempt > 1 {
		return c.IncrementCounter(ctx, MetricDeliveryRetries, map[string]string{
			"attempt": strconv.Itoa(attempt),
		})
	}
	return nil
}

// DeliveryStats aggregates delivery counters.
type DeliveryStats struct {
	Total       int64            `json:"total"`
	Success     int64            `json:"success"`
	Failed      int64            `json:"failed"`
	SuccessRate float64          `json:"success_rate"`
	ByEventType map[string]int64 `json:"by_event_type"`
}

// LatencyStats summarizes raw latency samples.
type LatencyStats struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	Max float64 `json:"max"`
}

// RetryStats aggregates retry counters by attempt number.
type RetryStats struct {
	TotalRetries int64            `json:"total_retries"`
	ByAttempt    map[string]int64 `json:"by_attempt"`
}

// Statistics is the aggregated view over all persisted observations.
type Statistics struct {
	Deliveries DeliveryStats `json:"deliveries"`
	Latency    LatencyStats  `json:"latency"`
	Retries    RetryStats    `json:"retries"`
	QueueDepth int64         `json:"queue_depth"`
}

// Statistics aggregates the persisted observation log.
func (c *Collector) Statistics(ctx context.Context) (Statistics, error) {
	observations, err := c.store.ListMetricsSince(ctx, time.Time{})
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{
		Deliveries: DeliveryStats{ByEventType: make(map[string]int64)},
		Retries:    RetryStats{ByAttempt: make(map[string]int64)},
	}
	var latencies []float64
	for _, obs := range observations {
		switch obs.Name {
		case MetricDeliveries:
			n := int64(obs.Value)
			stats.Deliveries.Total += n
			if obs.Labels["outcome"] == "success" {
				stats.Deliveries.Success += n
			} else {
				stats.Deliveries.Failed += n
			}
			if et := obs.Labels["event_type"]; et != "" {
				stats.Deliveries.ByEventType[et] += n
			}
		case MetricDeliveryLatency:
			latencies = append(latencies, obs.Value)
		case MetricDeliveryRetries:
			n := int64(obs.Value)
			stats.Retries.TotalRetries += n
			stats.Retries.ByAttempt[obs.Labels["attempt"]] += n
		}
	}
	if stats.Deliveries.Total > 0 {
		stats.Deliveries.SuccessRate = 100 * float64(stats.Deliveries.Success) / float64(stats.Deliveries.Total)
	}
	stats.Latency = summarizeLatency(latencies)

	if c.queueDepth != nil {
		depth, err := c.queueDepth(ctx)
		if err != nil {
			return Statistics{}, fmt.Errorf("queue depth: %w", err)
		}
		stats.QueueDepth = depth
	}
	return stats, nil
}

// PrometheusText renders the registry in exposition format, with # TYPE
// hints per metric and key="value" label rendering.
func (c *Collector) PrometheusText() (string, error) {
	families, err := c.reg.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encode metric family: %w", err)
		}
	}
	return buf.String(), nil
}

// CleanOld deletes persisted observations past the retention horizon.
func (c *Collector) CleanOld(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		retentionDays = 1
	}
	cutoff := c.now().AddDate(0, 0, -retentionDays)
	return c.store.DeleteMetricsBefore(ctx, cutoff)
}

func (c *Collector) persist(ctx context.Context, name, kind string, labels map[string]string, value float64) error {
	if c.store == nil {
		return nil
	}
	return c.store.AppendMetric(ctx, models.MetricObservation{
		Name:      name,
		Kind:      kind,
		Labels:    labels,
		Value:     value,
		Timestamp: c.now(),
	})
}

// Label keys are fixed per metric name at first use; later calls must match.
func (c *Collector) checkLabelKeys(name string, labels map[string]string) ([]string, bool, error) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	existing, ok := c.labelKeys[name]
	if !ok {
		c.labelKeys[name] = keys
		return keys, true, nil
	}
	if len(existing) != len(keys) {
		return nil, false, fmt.Errorf("metric %q: label keys %v do not match registered %v", name, keys, existing)
	}
	for i := range keys {
		if keys[i] != existing[i] {
			return nil, false, fmt.Errorf("metric %q: label keys %v do not match registered %v", name, keys, existing)
		}
	}
	return keys, false, nil
}

func (c *Collector) counterVec(name string, labels map[string]string) (*prometheus.CounterVec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok := c.counters[name]; ok {
		if _, _, err := c.checkLabelKeys(name, labels); err != nil {
			return nil, err
		}
		return vec, nil
	}
	keys, _, err := c.checkLabelKeys(name, labels)
	if err != nil {
		return nil, err
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
	if err := c.reg.Register(vec); err != nil {
		return nil, fmt.Errorf("register counter %q: %w", name, err)
	}
	c.counters[name] = vec
	return vec, nil
}

func (c *Collector) gaugeVec(name string, labels map[string]string) (*prometheus.GaugeVec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok := c.gauges[name]; ok {
		if _, _, err := c.checkLabelKeys(name, labels); err != nil {
			return nil, err
		}
		return vec, nil
	}
	keys, _, err := c.checkLabelKeys(name, labels)
	if err != nil {
		return nil, err
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, keys)
	if err := c.reg.Register(vec); err != nil {
		return nil, fmt.Errorf("register gauge %q: %w", name, err)
	}
	c.gauges[name] = vec
	return vec, nil
}

func (c *Collector) histogramVec(name string, labels map[string]string) (*prometheus.HistogramVec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok := c.histograms[name]; ok {
		if _, _, err := c.checkLabelKeys(name, labels); err != nil {
			return nil, err
		}
		return vec, nil
	}
	keys, _, err := c.checkLabelKeys(name, labels)
	if err != nil {
		return nil, err
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    name,
		Buckets: prometheus.DefBuckets,
	}, keys)
	if err := c.reg.Register(vec); err != nil {
		return nil, fmt.Errorf("register histogram %q: %w", name, err)
	}
	c.histograms[name] = vec
	return vec, nil
}

func summarizeLatency(samples []float64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return LatencyStats{
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		Max: sorted[len(sorted)-1],
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
