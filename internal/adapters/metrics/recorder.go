// Package metrics exports rate limiting counters in Prometheus format.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
	"github.com/mohamedwys/rate-limiter/internal/core/ports"
)

// Recorder counts denials per namespace. Identifiers stay out of the labels
// so cardinality stays bounded no matter how many clients show up.
type Recorder struct {
	denials *prometheus.CounterVec
}

var _ ports.DenialSink = (*Recorder)(nil)

func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denials_total",
			Help: "Requests denied by the rate limiter, by namespace.",
		}, []string{"namespace"}),
	}
	reg.MustRegister(r.denials)
	return r
}

func (r *Recorder) RecordDenial(ctx context.Context, denial domain.Denial) error {
	r.denials.WithLabelValues(denial.Namespace).Inc()
	return nil
}
