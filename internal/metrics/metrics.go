package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the voice client instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	SessionTransitions *prometheus.CounterVec
	LoginAttempts      *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec
	TransportSwitches  *prometheus.CounterVec
	Participants       prometheus.Gauge
	TickDuration       prometheus.Histogram
	SignalingLatency   *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceclient_session_transitions_total",
				Help: "Session state transitions",
			},
			[]string{"transport", "from", "to"},
		),
		LoginAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceclient_login_attempts_total",
				Help: "Legacy connector/login attempts by result",
			},
			[]string{"result"},
		),
		ProtocolErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceclient_protocol_errors_total",
				Help: "Malformed frames and signaling failures",
			},
			[]string{"transport"},
		),
		TransportSwitches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceclient_transport_switches_total",
				Help: "Transport activations by server type and reason",
			},
			[]string{"server_type", "reason"},
		),
		Participants: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "voiceclient_participants",
				Help: "Participants visible in the current roster",
			},
		),
		TickDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voiceclient_tick_duration_seconds",
				Help:    "Owner loop tick duration",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
			},
		),
		SignalingLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "voiceclient_signaling_latency_seconds",
				Help: "WebRTC provisioning round trips",
			},
			[]string{"call"},
		),
	}
}

func (m *Metrics) Transition(transport, from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(transport, from, to).Inc()
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.LoginAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ProtocolError(transport string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(transport).Inc()
}

func (m *Metrics) Switch(serverType, reason string) {
	if m == nil {
		return
	}
	m.TransportSwitches.WithLabelValues(serverType, reason).Inc()
}

func (m *Metrics) SetParticipants(n int) {
	if m == nil {
		return
	}
	m.Participants.Set(float64(n))
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(seconds)
}

func (m *Metrics) ObserveSignaling(call string, seconds float64) {
	if m == nil {
		return
	}
	m.SignalingLatency.WithLabelValues(call).Observe(seconds)
}
