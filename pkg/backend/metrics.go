// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package backend

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for backend dispatch — global only, labeled by backend
// name (low cardinality: one of ascii/kafka/dbats/redis).
var (
	flushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsk_backend_flush_total",
		Help: "Total KPFlush calls per backend, labeled by outcome",
	}, []string{"backend", "outcome"})

	flushedKeysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsk_backend_flushed_keys_total",
		Help: "Total enabled keys written across all flushes, per backend",
	}, []string{"backend"})

	connectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsk_backend_connect_attempts_total",
		Help: "Connection attempts made by backends with a connect state machine",
	}, []string{"backend"})

	connectState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsk_backend_connect_state",
		Help: "Current connection state (0=disconnected,1=connecting,2=connected,3=fatal)",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(flushTotal, flushedKeysTotal, connectAttempts, connectState)
}

func observeFlush(name string, n int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	flushTotal.WithLabelValues(name, outcome).Inc()
	if err == nil {
		flushedKeysTotal.WithLabelValues(name).Add(float64(n))
	}
}

func observeConnectAttempt(name string) { connectAttempts.WithLabelValues(name).Inc() }

func observeConnectState(name string, state kafkaConnState) {
	connectState.WithLabelValues(name).Set(float64(state))
}
