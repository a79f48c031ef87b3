package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const (
	namespace = "relaykit"

	// OtherCommand labels every command New was not told about, keeping the
	// command label bounded when callers can send arbitrary commands.
	OtherCommand = "other"
)

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	reauth   *prometheus.CounterVec
	known    map[string]struct{}
}

// New registers the command metrics on reg. A nil reg keeps them on a
// private registry. Only the listed commands get their own label value.
func New(reg prometheus.Registerer, commands ...string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	known := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		known[c] = struct{}{}
	}
	f := promauto.With(reg)
	return &Metrics{
		known: known,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "requests_total",
			Help:      "Relay commands by outcome.",
		}, []string{"command", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "End to end relay command latency, including re-authentication.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"command"}),
		reauth: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reauth_total",
			Help:      "Secondary token renewals triggered by a 401 from the relay.",
		}, []string{"command"}),
	}
}

func (m *Metrics) ObserveCommand(command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	command = m.label(command)
	m.requests.WithLabelValues(command, outcome).Inc()
	m.duration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveReauth(command string) {
	if m == nil {
		return
	}
	m.reauth.WithLabelValues(m.label(command)).Inc()
}

func (m *Metrics) label(command string) string {
	if _, ok := m.known[command]; ok {
		return command
	}
	return OtherCommand
}

// WriteText dumps everything g holds in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}
