// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metrics provê os contadores Prometheus do transporte e o
// listener HTTP opcional de scrape do nlink-server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set agrupa os collectors do transporte. Um único Set é criado por
// endpoint e registrado num registry dedicado (evita colisão com o
// registry global em testes).
type Set struct {
	Registry *prometheus.Registry

	FramesReceived  prometheus.Counter
	FramesSent      prometheus.Counter
	BytesReceived   prometheus.Counter
	BytesSent       prometheus.Counter
	FramesDropped   prometheus.Counter
	Retransmissions prometheus.Counter
	HeartbeatsSent  prometheus.Counter
	ActiveSessions  prometheus.Gauge
}

// NewSet cria e registra os collectors do transporte.
func NewSet() *Set {
	reg := prometheus.NewRegistry()

	s := &Set{
		Registry: reg,
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nlink_frames_received_total",
			Help: "Frames validos extraidos do buffer de remontagem.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nlink_frames_sent_total",
			Help: "Frames enviados pelo socket UDP.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nlink_bytes_received_total",
			Help: "Bytes lidos do socket UDP.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nlink_bytes_sent_total",
			Help: "Bytes escritos no socket UDP.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nlink_frames_dropped_total",
			Help: "Frames descartados por erro de decode, magic ou estado.",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nlink_retransmissions_total",
			Help: "Pacotes retransmitidos em resposta a NACKs.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nlink_heartbeats_sent_total",
			Help: "Heartbeats enviados.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nlink_active_sessions",
			Help: "Sessoes na tabela de peers (qualquer estado).",
		}),
	}

	reg.MustRegister(
		s.FramesReceived,
		s.FramesSent,
		s.BytesReceived,
		s.BytesSent,
		s.FramesDropped,
		s.Retransmissions,
		s.HeartbeatsSent,
		s.ActiveSessions,
	)

	return s
}
