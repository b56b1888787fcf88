package pulse

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes connection and dispatch counters. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	eventsReceived    *prometheus.CounterVec
	handlerPanics     *prometheus.CounterVec
	requests          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "connection_state",
			Help:      "1 for the current push connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnection attempts.",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "events_received_total",
			Help:      "Push events decoded, by channel.",
		}, []string{"channel"}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "handler_panics_total",
			Help:      "Event handlers that panicked, by channel.",
		}, []string{"channel"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "requests_total",
			Help:      "REST calls, by method and outcome.",
		}, []string{"method", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.connectionState, m.reconnectAttempts, m.eventsReceived, m.handlerPanics, m.requests)
	}
	return m
}

var allStates = []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateError, StateReconnecting}

func (m *Metrics) stateChanged(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnectAttempted() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) eventReceived(ch Channel) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) handlerPanicked(ch Channel) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) requestDone(method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if k := ErrorKindOf(err); k != "" {
		outcome = string(k)
	} else if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}
