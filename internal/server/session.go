// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/rs/xid"

	"github.com/nishisan-dev/n-link/internal/logging"
	"github.com/nishisan-dev/n-link/internal/transport"
)

// session é o estado por peer mantido pelo server. Todos os campos são
// protegidos pelo mutex da tabela de peers; a sessão é dona exclusiva do
// seu AcknowledgeManager.
type session struct {
	addr    *net.UDPAddr
	traceID string

	state      transport.SessionState
	challenge  uint32
	userID     uint32
	clientID   uint8
	playerName string

	score uint32
	ping  uint8

	// nextSendSeq é a próxima sequence de envio para este peer. Começa em 1.
	nextSendSeq uint64

	createdAt    time.Time
	lastReceived time.Time

	ack *transport.AcknowledgeManager

	logger     *slog.Logger
	sessionLog *logging.SessionLog
}

// newSession cria uma sessão em Challenging para um endpoint que pediu
// challenge.
func newSession(addr *net.UDPAddr, challenge, userID uint32, ack *transport.AcknowledgeManager, logger *slog.Logger) *session {
	now := time.Now()
	trace := xid.New().String()
	return &session{
		addr:         addr,
		traceID:      trace,
		state:        transport.StateChallenging,
		challenge:    challenge,
		userID:       userID,
		nextSendSeq:  1,
		createdAt:    now,
		lastReceived: now,
		ack:          ack,
		logger:       logger.With("trace_id", trace, "peer", addr.String()),
	}
}

// touch registra atividade do peer para o timer de liveness.
func (s *session) touch() {
	s.lastReceived = time.Now()
}

// endLog encerra o arquivo de log dedicado da sessão, se houver.
// Desconexões limpas descartam o arquivo; quedas por timeout ou falha
// de envio o preservam para diagnóstico.
func (s *session) endLog(discard bool) {
	if s.sessionLog == nil {
		return
	}
	if discard {
		s.sessionLog.Discard()
	} else {
		s.sessionLog.Close()
	}
	s.sessionLog = nil
}
