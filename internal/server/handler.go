// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"math/rand"
	"net"

	"github.com/nishisan-dev/n-link/internal/logging"
	"github.com/nishisan-dev/n-link/internal/protocol"
	"github.com/nishisan-dev/n-link/internal/transport"
)

// connectionlessHandlers é a tabela estática de dispatch dos comandos
// fora do estado Connected. A identidade da operação é o opcode.
var connectionlessHandlers = map[byte]func(*Server, *net.UDPAddr, []byte){
	protocol.OpGetInfo:      (*Server).handleGetInfo,
	protocol.OpGetStatus:    (*Server).handleGetStatus,
	protocol.OpGetChallenge: (*Server).handleGetChallenge,
	protocol.OpConnect:      (*Server).handleConnect,
	protocol.OpDisconnect:   (*Server).handleClientDisconnect,
}

// handleConnectionless roteia um payload connectionless pela tabela de
// opcodes. Peers já Connected não voltam para este caminho: o frame é
// descartado.
func (s *Server) handleConnectionless(sender *net.UDPAddr, payload []byte) {
	cmd, err := protocol.DecodeConnectionless(payload)
	if err != nil {
		s.logger.Debug("dropping connectionless packet", "error", err, "peer", sender.String())
		s.mets.FramesDropped.Inc()
		return
	}

	handler, ok := connectionlessHandlers[cmd.Opcode]
	if !ok {
		s.logger.Warn("unknown command", "opcode", cmd.Opcode, "peer", sender.String())
		s.mets.FramesDropped.Inc()
		return
	}
	handler(s, sender, cmd.Body)
}

// generateChallenge devolve um challenge aleatório em [1, 2^32-1].
func generateChallenge() uint32 {
	for {
		if c := rand.Uint32(); c != 0 {
			return c
		}
	}
}

// handleGetChallenge cria (ou reutiliza) a sessão em Challenging e
// responde com o challenge. Um GETCHALLENGE duplicado do mesmo endpoint
// reutiliza a sessão e re-emite o mesmo challenge.
func (s *Server) handleGetChallenge(sender *net.UDPAddr, body []byte) {
	gc, err := protocol.DecodeGetChallenge(body)
	if err != nil {
		s.logger.Debug("dropping getchallenge", "error", err, "peer", sender.String())
		return
	}

	key := sender.String()
	s.mu.Lock()
	sess := s.peers[key]
	switch {
	case sess != nil && sess.state == transport.StateChallenging:
		sess.touch()
	case sess != nil:
		// Sessão em outro estado: não reinicia handshake por um frame avulso.
		s.mu.Unlock()
		s.logger.Debug("getchallenge for session in progress", "peer", key, "state", sess.state.String())
		return
	default:
		ack := transport.NewAcknowledgeManager(
			s.cfg.Transport.AskCooldown,
			s.cfg.Transport.RetransmitCooldown,
			s.logger,
		)
		sess = newSession(sender, generateChallenge(), gc.UserID, ack, s.logger)
		s.peers[key] = sess
		s.mets.ActiveSessions.Set(float64(len(s.peers)))
		sess.logger.Debug("challenge issued", "user_id", gc.UserID)
	}
	challenge := sess.challenge
	s.mu.Unlock()

	s.sendFrame(sender, false, protocol.EncodeChallengeResponse(challenge))
}

// handleConnect valida o challenge, promove a sessão para Connected e
// responde com os ids. Um CONNECT que não decodifica é descartado com
// log DEBUG; sessão ausente, fora de Challenging ou com challenge errado
// gera um único WARNING. Em nenhum caso há resposta: o peer nunca
// descobre por que o handshake falhou.
func (s *Server) handleConnect(sender *net.UDPAddr, body []byte) {
	cn, err := protocol.DecodeConnect(body)
	if err != nil {
		s.logger.Debug("dropping connect", "error", err, "peer", sender.String())
		return
	}

	key := sender.String()
	s.mu.Lock()
	sess := s.peers[key]
	if sess == nil || sess.state != transport.StateChallenging || sess.challenge != cn.Challenge {
		s.mu.Unlock()
		s.logger.Warn("Invalid challenge", "peer", key)
		return
	}

	clientID := s.nextClientID
	s.nextClientID++

	sess.clientID = clientID
	sess.playerName = cn.PlayerName
	sess.state = transport.StateConnected
	sess.touch()

	if dir := s.cfg.Logging.SessionDir; dir != "" {
		sl, err := logging.OpenSessionLog(sess.logger, dir, cn.PlayerName, sess.traceID)
		if err != nil {
			sess.logger.Warn("session log unavailable", "error", err)
		} else {
			sess.logger = sl.Logger
			sess.sessionLog = sl
		}
	}
	sess.logger.Info("player connected", "player", cn.PlayerName, "client_id", clientID)
	s.mu.Unlock()

	s.sendFrame(sender, false, protocol.EncodeConnectResponse(clientID, s.serverID))
	if s.onNewConnection != nil {
		s.onNewConnection(clientID)
	}
}

// handleClientDisconnect remove a sessão a pedido do peer.
func (s *Server) handleClientDisconnect(sender *net.UDPAddr, body []byte) {
	reason := "client request"
	if dc, err := protocol.DecodeDisconnect(body); err == nil && dc.Reason != "" {
		reason = dc.Reason
	}
	s.removePeer(sender.String(), reason, true)
}

// infoLocked monta o corpo comum de INFORESPONSE/STATUSRESPONSE a partir
// da configuração. Chamado com s.mu held.
func (s *Server) infoLocked() protocol.InfoResponse {
	return protocol.InfoResponse{
		Hostname:   s.cfg.Server.Hostname,
		MapName:    s.cfg.Server.MapName,
		GameMode:   protocol.GameModeCoop,
		MaxPlayers: s.cfg.Server.MaxPlayers,
		Version:    protocol.ProtocolVersion,
	}
}

// handleGetInfo responde a query GETINFO. O corpo do comando é vazio;
// qualquer sobra é um comando inválido.
func (s *Server) handleGetInfo(sender *net.UDPAddr, body []byte) {
	if len(body) != 0 {
		s.logger.Warn("invalid getinfo command: command not empty", "peer", sender.String())
		return
	}
	s.mu.Lock()
	info := s.infoLocked()
	s.mu.Unlock()

	s.sendFrame(sender, false, protocol.EncodeInfoResponse(info))
}

// handleGetStatus responde a query GETSTATUS com o estado dos peers
// conectados.
func (s *Server) handleGetStatus(sender *net.UDPAddr, body []byte) {
	if len(body) != 0 {
		s.logger.Warn("invalid getstatus command: command not empty", "peer", sender.String())
		return
	}
	s.mu.Lock()
	status := protocol.StatusResponse{
		Info:    s.infoLocked(),
		Players: s.connectedPlayersLocked(),
	}
	s.mu.Unlock()

	s.sendFrame(sender, false, protocol.EncodeStatusResponse(status))
}
