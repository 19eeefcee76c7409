// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine instrumentation.
type Metrics struct {
	Deliveries   *prometheus.CounterVec
	Steps        *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	TriggerFans  *prometheus.CounterVec
}

// NewMetrics creates and registers engine metrics. reg may be nil to skip
// registration (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "deliveries_total",
			Help:      "Workflow deliveries by outcome kind.",
		}, []string{"result"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "steps_total",
			Help:      "Executed steps by action type and result.",
		}, []string{"action", "result"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepflow",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"action"}),
		TriggerFans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "trigger_fanout_total",
			Help:      "Trigger fan-out results.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.Deliveries, m.Steps, m.StepDuration, m.TriggerFans)
	}
	return m
}

func (m *Metrics) observeDelivery(kind Kind) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeStep(action string, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(action, result).Inc()
	m.StepDuration.WithLabelValues(action).Observe(seconds)
}

func (m *Metrics) observeTrigger(status TriggerStatus) {
	if m == nil {
		return
	}
	m.TriggerFans.WithLabelValues(string(status)).Inc()
}
