package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"platform-core/internal/models"
)

// AppendMetric persists one observation row.
func (s *Store) AppendMetric(ctx context.Context, obs models.MetricObservation) error {
	labels := obs.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal metric labels: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_metrics (metric_name, metric_type, labels, value, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, obs.Name, obs.Kind, labelsJSON, obs.Value, obs.Timestamp)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// ListMetricsSince returns observations at or after since, oldest first.
func (s *Store) ListMetricsSince(ctx context.Context, since time.Time) ([]models.MetricObservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT metric_name, metric_type, labels, value, timestamp
		FROM webhook_metrics WHERE timestamp >= $1 ORDER BY timestamp
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []models.MetricObservation
	for rows.Next() {
		var obs models.MetricObservation
		var labelsJSON []byte
		if err := rows.Scan(&obs.Name, &obs.Kind, &labelsJSON, &obs.Value, &obs.Timestamp); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if err := json.Unmarshal(labelsJSON, &obs.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal metric labels: %w", err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// DeleteMetricsBefore prunes observations older than cutoff and reports how
// many rows went away.
func (s *Store) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_metrics WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}
