package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crash-guardian/internal/market"
)

// Metrics groups the guardian's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	state         prometheus.Gauge
	transitions   *prometheus.CounterVec
	samples       *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	drawdown      *prometheus.GaugeVec
	signals       *prometheus.GaugeVec
	backendErrors prometheus.Counter
	notifyErrors  prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashguard_state",
			Help: "Guardian state: 0 SAFE, 1 WARNING, 2 RECOVERING, 3 TRIGGERED, 4 UNAVAILABLE",
		}),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "crashguard_transitions_total", Help: "State transitions"},
			[]string{"from", "to", "manual"},
		),
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "crashguard_samples_ingested_total", Help: "Samples accepted into the window store"},
			[]string{"source"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "crashguard_samples_dropped_total", Help: "Samples rejected at ingest"},
			[]string{"reason"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashguard_queue_depth",
			Help: "Messages waiting for the guardian writer",
		}),
		drawdown: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "crashguard_drawdown_pct", Help: "Latest drawdown per asset and window"},
			[]string{"asset", "window"},
		),
		signals: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "crashguard_signal_value", Help: "Latest confirmation signal value"},
			[]string{"kind", "scope"},
		),
		backendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashguard_state_backend_errors_total",
			Help: "Failed state backend writes",
		}),
		notifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashguard_notify_errors_total",
			Help: "Failed transition notifications",
		}),
	}
	m.registry.MustRegister(
		m.state, m.transitions, m.samples, m.dropped, m.queueDepth,
		m.drawdown, m.signals, m.backendErrors, m.notifyErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) State(s market.State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s.Level()))
}

func (m *Metrics) Transition(from, to market.State, manual bool) {
	if m == nil {
		return
	}
	flag := "false"
	if manual {
		flag = "true"
	}
	m.transitions.WithLabelValues(string(from), string(to), flag).Inc()
	m.state.Set(float64(to.Level()))
}

func (m *Metrics) SampleIngested(source string) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(source).Inc()
}

func (m *Metrics) SampleDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Drawdown(r market.DrawdownReading) {
	if m == nil {
		return
	}
	pct, _ := r.DrawdownPct.Float64()
	m.drawdown.WithLabelValues(r.Asset, market.FormatWindow(r.Window)).Set(pct)
}

func (m *Metrics) Signal(sig market.ConfirmationSignal) {
	if m == nil {
		return
	}
	v, _ := sig.Value.Float64()
	m.signals.WithLabelValues(string(sig.Kind), sig.Scope).Set(v)
}

func (m *Metrics) BackendError() {
	if m == nil {
		return
	}
	m.backendErrors.Inc()
}

func (m *Metrics) NotifyError() {
	if m == nil {
		return
	}
	m.notifyErrors.Inc()
}
