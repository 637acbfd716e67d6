package consolidator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters partitioned by outcome so the operator dashboard can separate
// expected rejections from hard failures.

var (
	jobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "consolidator",
		Subsystem: "jobs",
		Name:      "created_total",
		Help:      "Total consolidation jobs created",
	})

	receiptsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "consolidator",
		Subsystem: "jobs",
		Name:      "receipts_total",
		Help:      "Cross-chain receipts recorded",
	}, []string{"source_chain"})

	swapsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "consolidator",
		Subsystem: "jobs",
		Name:      "swaps_total",
		Help:      "Swap executions by outcome",
	}, []string{"outcome"})

	settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "consolidator",
		Subsystem: "jobs",
		Name:      "settlements_total",
		Help:      "Settlement attempts by outcome",
	}, []string{"outcome"})

	refunds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "consolidator",
		Subsystem: "jobs",
		Name:      "refunds_total",
		Help:      "Jobs refunded",
	})

	sponsorships = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "consolidator",
		Subsystem: "ledger",
		Name:      "sponsorships_total",
		Help:      "Gas sponsorship requests by outcome",
	}, []string{"outcome"})

	inboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "consolidator",
		Subsystem: "gateway",
		Name:      "inbound_messages_total",
		Help:      "Inbound cross-chain messages by outcome",
	}, []string{"outcome"})
)
