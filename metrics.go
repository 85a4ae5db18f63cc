package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the sync core. A nil *Metrics is valid and records
// nothing.
//
// Labels:
//   - connection_attempts_total: result (connected|transient|auth)
//   - messages_sent_total: outcome (acked|rolled_back|rejected)
//   - inbound_events_total: kind
//   - read_receipts_total: outcome (written|suppressed|failed)
//   - silent_refreshes_total: outcome (fetched|suppressed|ignored|failed)
type Metrics struct {
	ConnectionAttempts *prometheus.CounterVec
	Teardowns          *prometheus.CounterVec
	MessagesSent       *prometheus.CounterVec
	InboundEvents      *prometheus.CounterVec
	ProtocolAnomalies  prometheus.Counter
	ReadReceipts       *prometheus.CounterVec
	SilentRefreshes    *prometheus.CounterVec
	TypingEmitted      prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry so several sessions can coexist in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectionAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_connection_attempts_total",
				Help: "Transport dial attempts by result",
			},
			[]string{"result"},
		),
		Teardowns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_teardowns_total",
				Help: "Session teardowns by cause",
			},
			[]string{"cause"},
		),
		MessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_messages_sent_total",
				Help: "Outgoing messages by outcome",
			},
			[]string{"outcome"},
		),
		InboundEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_inbound_events_total",
				Help: "Decoded inbound events by kind",
			},
			[]string{"kind"},
		),
		ProtocolAnomalies: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_protocol_anomalies_total",
				Help: "Inbound frames dropped as malformed or unknown",
			},
		),
		ReadReceipts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_read_receipts_total",
				Help: "Mark-read calls by outcome",
			},
			[]string{"outcome"},
		),
		SilentRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_silent_refreshes_total",
				Help: "Silent-refresh invalidations by outcome",
			},
			[]string{"outcome"},
		),
		TypingEmitted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_typing_emitted_total",
				Help: "Outbound typing events",
			},
		),
	}
}

func (m *Metrics) connectionAttempt(result string) {
	if m != nil {
		m.ConnectionAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) teardown(cause string) {
	if m != nil {
		m.Teardowns.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) messageSent(outcome string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) inbound(kind EventKind) {
	if m != nil {
		m.InboundEvents.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) anomaly() {
	if m != nil {
		m.ProtocolAnomalies.Inc()
	}
}

func (m *Metrics) readReceipt(outcome string) {
	if m != nil {
		m.ReadReceipts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) silentRefresh(outcome string) {
	if m != nil {
		m.SilentRefreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) typingEmitted() {
	if m != nil {
		m.TypingEmitted.Inc()
	}
}
