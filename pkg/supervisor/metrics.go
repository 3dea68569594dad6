// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	state             *prometheus.GaugeVec
	reconnectAttempts prometheus.Gauge
	sessionErrors     prometheus.Gauge
	signals           *prometheus.CounterVec
	dials             *prometheus.CounterVec
	purges            *prometheus.CounterVec
	purgedArtifacts   prometheus.Counter
	fullResets        prometheus.Counter
}

// newMetrics creates the supervisor metrics. A nil registerer creates
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	m := &metrics{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devbot",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 for all others.",
		}, []string{"state"}),
		reconnectAttempts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "devbot",
			Name:      "reconnect_attempts",
			Help:      "Consecutive conflict failures since the last successful connection.",
		}),
		sessionErrors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "devbot",
			Name:      "session_errors",
			Help:      "Session integrity errors since the last purge.",
		}),
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devbot",
			Name:      "signals_total",
			Help:      "Classified failure signals by source and category.",
		}, []string{"source", "category"}),
		dials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devbot",
			Name:      "dials_total",
			Help:      "Connection attempts by result.",
		}, []string{"result"}),
		purges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devbot",
			Name:      "session_purges_total",
			Help:      "Session store purges by scope.",
		}, []string{"scope"}),
		purgedArtifacts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "devbot",
			Name:      "session_artifacts_purged_total",
			Help:      "Session artifacts deleted by purges.",
		}),
		fullResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "devbot",
			Name:      "full_resets_total",
			Help:      "Full session wipes after exhausting conflict retries.",
		}),
	}
	return m
}

func (m *metrics) setState(s State) {
	for _, st := range []State{StateIdle, StateConnecting, StateOpen, StateClosing} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

func (m *metrics) setCounters(reconnectAttempts, sessionErrors int) {
	m.reconnectAttempts.Set(float64(reconnectAttempts))
	m.sessionErrors.Set(float64(sessionErrors))
}
