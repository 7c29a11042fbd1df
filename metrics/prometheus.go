// Copyright 2024 The fuse-adapter Authors. All Rights Reserved.
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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NewPrometheus returns a Handle backed by Prometheus counters,
// registered with reg.
func NewPrometheus(reg prometheus.Registerer, mountName string) Handle {
	h := &promHandle{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "fuse_adapter_ops_total",
				Help:        "Kernel operations handled, by op type.",
				ConstLabels: prometheus.Labels{"mount": mountName},
			},
			[]string{"op"}),
		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "fuse_adapter_flushes_total",
				Help:        "Flush attempts, by outcome.",
				ConstLabels: prometheus.Labels{"mount": mountName},
			},
			[]string{"outcome"}),
	}

	reg.MustRegister(h.ops, h.flushes)
	return h
}

type promHandle struct {
	ops     *prometheus.CounterVec
	flushes *prometheus.CounterVec
}

func (h *promHandle) OpCount(op string) {
	h.ops.WithLabelValues(op).Inc()
}

func (h *promHandle) FlushCount(failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	h.flushes.WithLabelValues(outcome).Inc()
}
