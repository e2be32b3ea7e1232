package prometheusmetrics

import (
	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "escrowd"

type metrics struct {
	events             *prometheus.CounterVec
	verificationErrors prometheus.Counter
	reclaimErrors      prometheus.Counter
	connected          prometheus.Gauge
}

// NewMetrics registers the plugin collectors on the given registerer.
func NewMetrics(registerer prometheus.Registerer) (ports.Metrics, error) {
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Protocol events emitted, by type and direction.",
		}, []string{"type", "direction"}),
		verificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_verification_failures_total",
			Help:      "Escrow outputs discarded because their terms did not match the lock.",
		}),
		reclaimErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaim_failures_total",
			Help:      "Expired transfers whose timeout could not be submitted.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the plugin is connected to the ledger.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.events, m.verificationErrors, m.reclaimErrors, m.connected,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) EventEmitted(event domain.Event) {
	direction := ""
	switch e := event.(type) {
	case domain.TransferPrepared:
		direction = string(e.Direction)
	case domain.TransferFulfilled:
		direction = string(e.Direction)
	case domain.TransferRejected:
		direction = string(e.Direction)
	case domain.MessageReceived:
		direction = string(domain.DirectionIncoming)
	}
	m.events.WithLabelValues(event.GetType().String(), direction).Inc()
}

func (m *metrics) VerificationFailed() {
	m.verificationErrors.Inc()
}

func (m *metrics) ReclaimFailed() {
	m.reclaimErrors.Inc()
}

func (m *metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
