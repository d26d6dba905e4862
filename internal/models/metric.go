package models

import "time"

// Metric observation kinds persisted in webhook_metrics.
const (
	MetricCounter   = "counter"
	MetricGauge     = "gauge"
	MetricHistogram = "histogram"
)

// MetricObservation is one append-only row in the webhook_metrics table.
type MetricObservation struct {
	Name      string            `json:"metric_name"`
	Kind      string            `json:"metric_type"`
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
}
