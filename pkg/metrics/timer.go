package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures one in-process span for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts measuring.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration reports the time elapsed so far.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDurationVec records the elapsed seconds on a labeled histogram.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
