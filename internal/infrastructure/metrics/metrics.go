// Package metrics exposes prometheus collectors for the message pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline holds the pipeline's prometheus collectors.
type Pipeline struct {
	IngestedTotal   prometheus.Counter
	DuplicateTotal  prometheus.Counter
	DiscardedTotal  prometheus.Counter
	StatusTotal     *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	ReprocessTotal  prometheus.Counter
	RecalcTotal     prometheus.Counter
	RemovalTotal    prometheus.Counter
	NotifySentTotal prometheus.Counter
}

// NewPipeline registers pipeline collectors on the given registerer.
// A nil registerer yields working but unregistered collectors, which tests use.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		IngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_messages_ingested_total",
			Help: "Messages persisted into the ledger",
		}),
		DuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_messages_duplicate_total",
			Help: "Deliveries skipped because the msgid was already known",
		}),
		DiscardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_messages_discarded_total",
			Help: "Deliveries discarded as foreign or undecodable traffic",
		}),
		StatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_message_status_total",
			Help: "Dispatch outcomes by resulting status",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketd_dispatch_queue_depth",
			Help: "Messages waiting in the dispatch queue",
		}),
		ReprocessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_messages_reprocessed_total",
			Help: "WAITING messages re-submitted for dispatch",
		}),
		RecalcTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_proposal_recalculations_total",
			Help: "Proposal result snapshots appended",
		}),
		RemovalTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_removals_triggered_total",
			Help: "Times the removal rule destroyed flagged content",
		}),
		NotifySentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_notifications_sent_total",
			Help: "User-facing notifications handed to the hub",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			p.IngestedTotal, p.DuplicateTotal, p.DiscardedTotal, p.StatusTotal,
			p.QueueDepth, p.ReprocessTotal, p.RecalcTotal, p.RemovalTotal,
			p.NotifySentTotal,
		)
	}
	return p
}
