/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	roleHolder    = "holder"
	roleRequester = "requester"
)

type metrics struct {
	started    *prometheus.CounterVec
	finished   *prometheus.CounterVec
	rejections *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec
}

// newMetrics registers the handover metrics with factory. A nil factory creates unregistered metrics.
func newMetrics(factory *promauto.Factory) *metrics {
	if factory == nil {
		f := promauto.With(nil)
		factory = &f
	}
	return &metrics{
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceseal",
			Subsystem: "handover",
			Name:      "attempts_started_total",
			Help:      "Number of handover attempts started.",
		}, []string{"role"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceseal",
			Subsystem: "handover",
			Name:      "attempts_finished_total",
			Help:      "Number of handover attempts finished by outcome.",
		}, []string{"role", "outcome"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceseal",
			Subsystem: "handover",
			Name:      "rejections_total",
			Help:      "Number of rejected handover operations by error class.",
		}, []string{"role", "class"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ceseal",
			Subsystem: "handover",
			Name:      "attempts_in_flight",
			Help:      "Number of handover attempts currently in flight.",
		}, []string{"role"}),
	}
}
