// Package prometheus provides Prometheus implementations of the sharding
// and shard-manager metrics interfaces.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardis-go/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// AllMetrics holds Prometheus implementations for both planes.
type AllMetrics struct {
	Sharding *shardingMetrics
	Manager  *managerMetrics
}

// NewAllMetrics creates Prometheus metrics for both the pod runtime and
// the control plane. Use it when one process hosts both.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		Sharding: NewShardingMetrics(reg).(*shardingMetrics),
		Manager:  NewManagerMetrics(reg).(*managerMetrics),
	}
}
