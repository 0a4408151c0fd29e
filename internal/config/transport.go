// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida os arquivos YAML de configuração do
// nlink-server e do nlink-client.
package config

import (
	"fmt"
	"time"
)

// TransportConfig agrupa os tunables do transporte, compartilhados entre
// server e client.
type TransportConfig struct {
	// HeartbeatPeriod é o intervalo entre heartbeats (default: 66ms, ~15Hz).
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`

	// LivenessTimeout derruba a sessão sem nenhum frame do peer (default: 15s).
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`

	// HandshakeTimeout expira sessões paradas em Challenging/Connecting (default: 5s).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// AskCooldown é o intervalo mínimo entre NACKs da mesma sequence (default: 50ms).
	AskCooldown time.Duration `yaml:"ask_cooldown"`

	// RetransmitCooldown é o intervalo mínimo entre retransmissões do
	// mesmo pacote (default: 50ms).
	RetransmitCooldown time.Duration `yaml:"retransmit_cooldown"`

	// ReceiveBuffer é a capacidade do buffer de remontagem.
	// Aceita sufixos kb/mb (default: "2kb").
	ReceiveBuffer    string `yaml:"receive_buffer"`
	ReceiveBufferRaw int64  `yaml:"-"`

	// QueueCapacity é o máximo de mensagens pendentes por fila de
	// aplicação (default: 1024).
	QueueCapacity int `yaml:"queue_capacity"`

	// Compression seleciona o codec externo: "none" (default) ou "zlib".
	// Precisa ser idêntico nos dois lados.
	Compression string `yaml:"compression"`

	// BandwidthLimit limita a banda de saída em bytes/segundo.
	// "0" ou vazio desabilita. Aceita sufixos kb/mb.
	BandwidthLimit    string `yaml:"bandwidth_limit"`
	BandwidthLimitRaw int64  `yaml:"-"`
}

// LoggingInfo contém configurações de logging.
// SessionDir, quando preenchido no server, grava um arquivo de log
// dedicado por sessão de peer em {session_dir}/{player}-{trace_id}.log.
type LoggingInfo struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	SessionDir string `yaml:"session_dir"`
}

func (t *TransportConfig) validate() error {
	if t.HeartbeatPeriod <= 0 {
		t.HeartbeatPeriod = 66 * time.Millisecond
	}
	if t.LivenessTimeout <= 0 {
		t.LivenessTimeout = 15 * time.Second
	}
	if t.HandshakeTimeout <= 0 {
		t.HandshakeTimeout = 5 * time.Second
	}
	if t.AskCooldown <= 0 {
		t.AskCooldown = 50 * time.Millisecond
	}
	if t.RetransmitCooldown <= 0 {
		t.RetransmitCooldown = 50 * time.Millisecond
	}

	if t.ReceiveBuffer == "" {
		t.ReceiveBuffer = "2kb"
	}
	parsed, err := ParseBufferSize(t.ReceiveBuffer)
	if err != nil {
		return fmt.Errorf("transport.receive_buffer: %w", err)
	}
	t.ReceiveBufferRaw = parsed

	if t.QueueCapacity <= 0 {
		t.QueueCapacity = 1024
	}

	switch t.Compression {
	case "", "none":
		t.Compression = "none"
	case "zlib":
	default:
		return fmt.Errorf("transport.compression must be none or zlib, got %q", t.Compression)
	}

	if t.BandwidthLimit == "" || t.BandwidthLimit == "0" {
		t.BandwidthLimitRaw = 0
	} else {
		limit, err := ParseByteSize(t.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("transport.bandwidth_limit: %w", err)
		}
		if limit < 0 {
			return fmt.Errorf("transport.bandwidth_limit must be >= 0, got %s", t.BandwidthLimit)
		}
		t.BandwidthLimitRaw = limit
	}

	return nil
}

func (l *LoggingInfo) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}
