package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Relay holds all the relay metrics
type Relay struct {
	Connections      prometheus.Gauge
	Rooms            prometheus.Gauge
	Envelopes        *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	SignalsRouted    prometheus.Counter
	DeliveryFailures prometheus.Counter
	SweepTerminated  prometheus.Counter
}

// NewRelay creates the relay metrics and registers them with reg.
func NewRelay(reg prometheus.Registerer) (*Relay, error) {
	m := &Relay{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "familyreunion",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Number of registered client transports.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "familyreunion",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Number of live rooms.",
		}),
		Envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyreunion",
			Subsystem: "relay",
			Name:      "envelopes_total",
			Help:      "Inbound envelopes by type.",
		}, []string{"type"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyreunion",
			Subsystem: "relay",
			Name:      "errors_total",
			Help:      "Error envelopes sent to clients by code.",
		}, []string{"code"}),
		SignalsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyreunion",
			Subsystem: "relay",
			Name:      "signals_routed_total",
			Help:      "Signal envelopes forwarded to their target.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyreunion",
			Subsystem: "relay",
			Name:      "delivery_failures_total",
			Help:      "Envelopes that could not be queued on a transport.",
		}),
		SweepTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyreunion",
			Subsystem: "relay",
			Name:      "sweep_terminated_total",
			Help:      "Transports closed by the liveness sweep.",
		}),
	}

	collectors := []prometheus.Collector{
		m.Connections, m.Rooms, m.Envelopes, m.Errors,
		m.SignalsRouted, m.DeliveryFailures, m.SweepTerminated,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
