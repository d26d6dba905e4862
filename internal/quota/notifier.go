package quota

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogNotifier is the default Notifier: it records the warning and moves on.
// Deployments swap in the real notification service.
type LogNotifier struct {
	Log *logrus.Logger
}

func (n LogNotifier) Send(ctx context.Context, tenantID, resource, period string, percentage float64) error {
	n.Log.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"resource":   resource,
		"period":     period,
		"percentage": percentage,
	}).Warn("quota threshold reached")
	return nil
}
