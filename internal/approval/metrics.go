package approval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pendingApprovals = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "relay",
	Subsystem: "approval",
	Name:      "pending",
	Help:      "Approvals currently awaiting a user decision.",
})
