package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courier"

// Direction labels.
const (
	Source = "source"
	Target = "target"
)

// Metrics collects stream metrics. Nil *Metrics is valid and records nothing.
type Metrics struct {
	depth        *prometheus.GaugeVec
	sent         *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	reallocated  *prometheus.CounterVec
	silenced     *prometheus.CounterVec
	anycast      *prometheus.CounterVec
	streamsFlush *prometheus.CounterVec
}

// New creates metrics registered in reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_depth",
			Help:      "Number of messages held by the stream",
		}, []string{"direction", "destination", "remote"}),
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Number of messages assigned to source streams",
		}, []string{"destination", "remote"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Number of messages delivered by target streams to local queues",
		}, []string{"destination", "remote"}),
		reallocated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_reallocated_total",
			Help:      "Number of messages moved away from source streams",
		}, []string{"destination", "remote"}),
		silenced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_silenced_total",
			Help:      "Number of ticks turned into silence",
		}, []string{"direction", "destination"}),
		anycast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anycast_requests_total",
			Help:      "Number of remote get requests by outcome",
		}, []string{"destination", "outcome"}),
		streamsFlush: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_flushes_total",
			Help:      "Number of flushed streams",
		}, []string{"direction", "kind"}),
	}
}

// Depth sets the depth of the stream.
func (m *Metrics) Depth(direction, destination, remote string, depth uint64) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(direction, destination, remote).Set(float64(depth))
}

// ForgetStream removes the depth of removed stream.
func (m *Metrics) ForgetStream(direction, destination, remote string) {
	if m == nil {
		return
	}
	m.depth.DeleteLabelValues(direction, destination, remote)
}

// Sent counts messages assigned to source stream.
func (m *Metrics) Sent(destination, remote string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(destination, remote).Inc()
}

// Delivered counts messages delivered by target stream.
func (m *Metrics) Delivered(destination, remote string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.WithLabelValues(destination, remote).Add(float64(n))
}

// Reallocated counts messages moved away from source stream.
func (m *Metrics) Reallocated(destination, remote string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reallocated.WithLabelValues(destination, remote).Add(float64(n))
}

// Silenced counts silenced ticks.
func (m *Metrics) Silenced(direction, destination string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.silenced.WithLabelValues(direction, destination).Add(float64(n))
}

// Anycast counts remote get requests by outcome.
func (m *Metrics) Anycast(destination, outcome string) {
	if m == nil {
		return
	}
	m.anycast.WithLabelValues(destination, outcome).Inc()
}

// Flushed counts flushed streams.
func (m *Metrics) Flushed(direction string, forced bool) {
	if m == nil {
		return
	}
	kind := "reconciled"
	if forced {
		kind = "forced"
	}
	m.streamsFlush.WithLabelValues(direction, kind).Inc()
}
