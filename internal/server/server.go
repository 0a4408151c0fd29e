// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o endpoint servidor do transporte N-Link.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-link/internal/config"
	"github.com/nishisan-dev/n-link/internal/metrics"
	"github.com/nishisan-dev/n-link/internal/protocol"
	"github.com/nishisan-dev/n-link/internal/transport"
)

// outFrame é um payload pronto para framing, endereçado a um peer.
// Montado sob o mutex da tabela; enviado fora dele.
type outFrame struct {
	addr      *net.UDPAddr
	heartbeat bool
	payload   []byte
}

// Server é o endpoint servidor: um socket UDP, a tabela de peers e os
// loops de recepção, heartbeat e drenagem das filas de saída.
type Server struct {
	cfg    *config.ServerConfig
	logger *slog.Logger

	conn     *net.UDPConn
	codec    protocol.Codec
	throttle *transport.PacketThrottle
	mets     *metrics.Set

	// serverID identifica esta instância no CONNECTRESPONSE.
	serverID uint32

	// mu protege a tabela de peers e todo estado de sessão, incluindo os
	// AcknowledgeManagers. Nunca é mantido através de um send UDP.
	mu           sync.Mutex
	peers        map[string]*session
	nextClientID uint8

	componentsOut *transport.Queue[transport.AddressedComponent]
	eventsOut     *transport.Queue[transport.AddressedEvent]
	componentsIn  *transport.Queue[transport.ComponentBuilder]
	eventsIn      *transport.Queue[transport.EventBuilder]

	onNewConnection func(clientID uint8)
	onDisconnection func(clientID uint8, reason string)

	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New cria um Server a partir da configuração validada. O socket só é
// aberto em Start.
func New(cfg *config.ServerConfig, logger *slog.Logger) (*Server, error) {
	codec, err := protocol.NewCodec(cfg.Transport.Compression)
	if err != nil {
		return nil, fmt.Errorf("configuring codec: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	capacity := cfg.Transport.QueueCapacity

	return &Server{
		cfg:           cfg,
		logger:        logger.With("component", "server"),
		codec:         codec,
		throttle:      transport.NewPacketThrottle(cfg.Transport.BandwidthLimitRaw),
		mets:          metrics.NewSet(),
		serverID:      rand.Uint32(),
		peers:         make(map[string]*session),
		componentsOut: transport.NewQueue[transport.AddressedComponent](capacity),
		eventsOut:     transport.NewQueue[transport.AddressedEvent](capacity),
		componentsIn:  transport.NewQueue[transport.ComponentBuilder](capacity),
		eventsIn:      transport.NewQueue[transport.EventBuilder](capacity),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// OnNewConnection registra o callback de conexão. Chamar antes de Start.
func (s *Server) OnNewConnection(fn func(clientID uint8)) {
	s.onNewConnection = fn
}

// OnDisconnection registra o callback de desconexão. Chamar antes de Start.
func (s *Server) OnDisconnection(fn func(clientID uint8, reason string)) {
	s.onDisconnection = fn
}

// Components é a fila de componentes recebidos dos peers.
func (s *Server) Components() *transport.Queue[transport.ComponentBuilder] {
	return s.componentsIn
}

// Events é a fila de eventos recebidos dos peers.
func (s *Server) Events() *transport.Queue[transport.EventBuilder] {
	return s.eventsIn
}

// SendComponent enfileira uma atualização de componente.
// Target nil faz broadcast. Retorna false se a fila estiver cheia.
func (s *Server) SendComponent(target *uint8, c transport.ComponentBuilder) bool {
	return s.componentsOut.Push(transport.AddressedComponent{Target: target, Component: c})
}

// SendEvent enfileira um evento. Target nil faz broadcast.
// Retorna false se a fila estiver cheia.
func (s *Server) SendEvent(target *uint8, e transport.EventBuilder) bool {
	return s.eventsOut.Push(transport.AddressedEvent{Target: target, Event: e})
}

// Metrics expõe os collectors do endpoint para o listener de scrape.
func (s *Server) Metrics() *metrics.Set {
	return s.mets
}

// LocalAddr retorna o endereço UDP efetivo. Válido após Start.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Start abre o socket e inicia os loops de recepção, heartbeat e
// drenagem das filas de saída.
func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("resolving listen address %s: %w", s.cfg.Server.Listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}
	s.conn = conn
	s.running.Store(true)

	s.logger.Info("server listening",
		"address", conn.LocalAddr().String(),
		"server_id", s.serverID,
	)

	s.wg.Add(4)
	go s.receiveLoop()
	go s.heartbeatLoop()
	go s.componentLoop()
	go s.eventLoop()

	return nil
}

// Run é a conveniência usada pelo binário: inicia o server, o relatório
// de estatísticas e o listener de métricas, e bloqueia até o context ser
// cancelado.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	if s.cfg.Stats.Enabled {
		reporter, err := NewStatsReporter(s, s.cfg.Stats.Schedule, s.logger)
		if err != nil {
			s.Close()
			return fmt.Errorf("configuring stats reporter: %w", err)
		}
		reporter.Start()
		defer reporter.Stop()
	}

	if s.cfg.Metrics.Enabled {
		metrics.StartHTTP(ctx, s.cfg.Metrics, s.mets, s.logger)
	}

	<-ctx.Done()
	s.logger.Info("shutting down server")
	s.Close()
	return nil
}

// Close derruba o endpoint: sinaliza os loops, acorda as filas, fecha o
// socket (abortando o recv pendente) e aguarda os joins. Idempotente.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.running.Store(false)
		s.cancel()
		s.componentsOut.Close()
		s.eventsOut.Close()
		s.componentsIn.Close()
		s.eventsIn.Close()
		if s.conn != nil {
			s.conn.Close()
		}
	})
	s.wg.Wait()
}

// receiveLoop lê datagramas para o buffer de remontagem e despacha cada
// frame extraído.
func (s *Server) receiveLoop() {
	defer s.wg.Done()

	buf := transport.NewReassemblyBuffer(int(s.cfg.Transport.ReceiveBufferRaw))
	scratch := make([]byte, s.cfg.Transport.ReceiveBufferRaw)

	for s.running.Load() {
		n, sender, err := s.conn.ReadFromUDP(scratch)
		if err != nil {
			if !s.running.Load() {
				break
			}
			s.logger.Error("receive error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		s.mets.BytesReceived.Add(float64(n))

		buf.Write(scratch[:n])
		for {
			frame, ok := buf.Extract()
			if !ok {
				break
			}
			s.handleFrame(frame, sender)
		}
	}

	s.logger.Info("server receive loop ended")
}

// handleFrame valida, desofusca e roteia um frame pelo flag de heartbeat
// e pelo estado da sessão do remetente.
func (s *Server) handleFrame(data []byte, sender *net.UDPAddr) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.logger.Debug("dropping frame", "error", err, "peer", sender.String())
		s.mets.FramesDropped.Inc()
		return
	}
	payload, err := s.codec.Decode(frame.Payload)
	if err != nil {
		s.logger.Debug("dropping frame", "error", err, "peer", sender.String())
		s.mets.FramesDropped.Inc()
		return
	}
	s.mets.FramesReceived.Inc()

	if frame.Heartbeat {
		s.handleHeartbeat(sender, payload)
		return
	}

	s.mu.Lock()
	sess := s.peers[sender.String()]
	connected := sess != nil && sess.state == transport.StateConnected
	s.mu.Unlock()

	if connected {
		s.handleConnected(sender, payload)
		return
	}
	s.handleConnectionless(sender, payload)
}

// handleHeartbeat processa a lista de NACKs do peer e retransmite o que
// ainda aguarda aprovação e saiu do cooldown.
func (s *Server) handleHeartbeat(sender *net.UDPAddr, payload []byte) {
	hb, err := protocol.DecodeHeartbeat(payload)
	if err != nil {
		s.logger.Debug("dropping heartbeat", "error", err, "peer", sender.String())
		s.mets.FramesDropped.Inc()
		return
	}

	s.mu.Lock()
	sess := s.peers[sender.String()]
	if sess == nil || sess.state != transport.StateConnected {
		s.mu.Unlock()
		s.logger.Debug("heartbeat from unknown peer", "peer", sender.String())
		return
	}
	sess.touch()
	resends := sess.ack.Resend(hb.LostPackages)
	addr := sess.addr
	s.mu.Unlock()

	for _, p := range resends {
		s.mets.Retransmissions.Inc()
		s.sendFrame(addr, false, p)
	}
}

// handleConnected alimenta o acknowledge manager e despacha, em ordem,
// os pacotes que ficaram entregáveis.
func (s *Server) handleConnected(sender *net.UDPAddr, payload []byte) {
	pkg, err := protocol.DecodeConnectedPackage(payload)
	if err != nil {
		s.logger.Debug("dropping connected package", "error", err, "peer", sender.String())
		s.mets.FramesDropped.Inc()
		return
	}
	if !pkg.EndOfContent {
		s.logger.Warn("fragmented package not supported, dropping",
			"peer", sender.String(), "sequence", pkg.Sequence)
		s.mets.FramesDropped.Inc()
		return
	}

	s.mu.Lock()
	sess := s.peers[sender.String()]
	if sess == nil || sess.state != transport.StateConnected {
		s.mu.Unlock()
		s.logger.Debug("connected package from non-connected peer", "peer", sender.String())
		s.mets.FramesDropped.Inc()
		return
	}
	sess.touch()
	sess.ack.RegisterReceived(pkg)
	available := sess.ack.ExtractAvailable()
	if len(available) > 0 {
		sess.ack.Approve(available[len(available)-1].Acknowledge)
	}
	logger := sess.logger
	s.mu.Unlock()

	for _, pkg := range available {
		s.dispatchConnected(logger, pkg)
	}
}

// dispatchConnected roteia um pacote entregue pelo opcode do comando e
// empurra o resultado para a fila de aplicação correspondente.
func (s *Server) dispatchConnected(logger *slog.Logger, pkg protocol.ConnectedPackage) {
	cmd, err := protocol.DecodeConnectedCommand(pkg.Body)
	if err != nil {
		logger.Debug("dropping connected command", "error", err)
		return
	}

	switch cmd.Opcode {
	case protocol.OpSendComponent:
		comp, err := protocol.DecodeComponentUpdate(cmd.Body)
		if err != nil {
			logger.Debug("dropping component update", "error", err)
			return
		}
		if !s.componentsIn.Push(transport.ComponentBuilder{Entity: comp.Entity, Key: comp.Key, Data: comp.Data}) {
			logger.Warn("component queue full, dropping update", "entity", comp.Entity)
		}
	case protocol.OpSendEvent:
		evt, err := protocol.DecodeEvent(cmd.Body)
		if err != nil {
			logger.Debug("dropping event", "error", err)
			return
		}
		if !s.eventsIn.Push(transport.EventBuilder{EventID: evt.EventID, Data: evt.Data}) {
			logger.Warn("event queue full, dropping event", "event_id", evt.EventID)
		}
	default:
		logger.Warn("unknown opcode", "opcode", cmd.Opcode)
	}
}

// heartbeatLoop envia um heartbeat com a lista de NACKs para cada peer
// conectado a cada período, e expira sessões por liveness e por
// handshake parado.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Transport.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		var sends []outFrame
		var timedOut []*session

		s.mu.Lock()
		for key, sess := range s.peers {
			switch sess.state {
			case transport.StateConnected:
				if now.Sub(sess.lastReceived) > s.cfg.Transport.LivenessTimeout {
					delete(s.peers, key)
					timedOut = append(timedOut, sess)
					continue
				}
				sends = append(sends, outFrame{
					addr:      sess.addr,
					heartbeat: true,
					payload:   protocol.EncodeHeartbeat(sess.ack.Lost()),
				})
			default:
				// Handshake parado nunca vira Connected; expira sem aviso.
				if now.Sub(sess.createdAt) > s.cfg.Transport.HandshakeTimeout {
					delete(s.peers, key)
					sess.endLog(true)
				}
			}
		}
		s.mets.ActiveSessions.Set(float64(len(s.peers)))
		s.mu.Unlock()

		for _, sess := range timedOut {
			sess.logger.Info("client timeouted", "client_id", sess.clientID)
			sess.endLog(false)
			if s.onDisconnection != nil {
				s.onDisconnection(sess.clientID, "timeout")
			}
		}
		for _, f := range sends {
			s.mets.HeartbeatsSent.Inc()
			s.sendFrame(f.addr, f.heartbeat, f.payload)
		}
	}
}

// componentLoop drena a fila de componentes de saída.
func (s *Server) componentLoop() {
	defer s.wg.Done()

	for {
		items := s.componentsOut.Flush()
		if items == nil {
			return
		}

		var out []outFrame
		s.mu.Lock()
		for _, item := range items {
			body := protocol.EncodeComponentUpdate(protocol.ComponentUpdate{
				Entity: item.Component.Entity,
				Key:    item.Component.Key,
				Data:   item.Component.Data,
			})
			out = append(out, s.routeLocked(item.Target, body, "component")...)
		}
		s.mu.Unlock()

		for _, f := range out {
			s.sendFrame(f.addr, f.heartbeat, f.payload)
		}
	}
}

// eventLoop drena a fila de eventos de saída.
func (s *Server) eventLoop() {
	defer s.wg.Done()

	for {
		items := s.eventsOut.Flush()
		if items == nil {
			return
		}

		var out []outFrame
		s.mu.Lock()
		for _, item := range items {
			body := protocol.EncodeEvent(protocol.Event{
				EventID: item.Event.EventID,
				Data:    item.Event.Data,
			})
			out = append(out, s.routeLocked(item.Target, body, "event")...)
		}
		s.mu.Unlock()

		for _, f := range out {
			s.sendFrame(f.addr, f.heartbeat, f.payload)
		}
	}
}

// routeLocked monta os pacotes sequenciados de um comando para o alvo
// (unicast) ou para todos os peers conectados (broadcast).
// Chamado com s.mu held.
func (s *Server) routeLocked(target *uint8, body []byte, kind string) []outFrame {
	if target != nil {
		sess := s.findByIDLocked(*target)
		if sess == nil {
			s.logger.Warn("cannot send, client not found", "kind", kind, "client_id", *target)
			return nil
		}
		return []outFrame{{addr: sess.addr, payload: s.buildConnectedLocked(sess, body)}}
	}

	var out []outFrame
	for _, sess := range s.peers {
		if sess.state != transport.StateConnected {
			continue
		}
		out = append(out, outFrame{addr: sess.addr, payload: s.buildConnectedLocked(sess, body)})
	}
	return out
}

// buildConnectedLocked embrulha um comando num ConnectedPackage com a
// próxima sequence e o acknowledge cumulativo atual, e o registra para
// retransmissão. Chamado com s.mu held.
func (s *Server) buildConnectedLocked(sess *session, body []byte) []byte {
	pkg := protocol.ConnectedPackage{
		Sequence:     sess.nextSendSeq,
		Acknowledge:  sess.ack.Acknowledge(),
		EndOfContent: true,
		Body:         body,
	}
	sess.nextSendSeq++
	sess.ack.RegisterSent(pkg)
	return protocol.EncodeConnectedPackage(pkg)
}

// findByIDLocked procura uma sessão Connected pelo client id.
// Chamado com s.mu held.
func (s *Server) findByIDLocked(clientID uint8) *session {
	for _, sess := range s.peers {
		if sess.state == transport.StateConnected && sess.clientID == clientID {
			return sess
		}
	}
	return nil
}

// sendFrame aplica codec, framing e throttle e escreve o datagrama.
// Uma falha de escrita remove o peer da tabela (tratada como
// desconexão). Nunca chamar com s.mu held.
func (s *Server) sendFrame(addr *net.UDPAddr, heartbeat bool, payload []byte) {
	encoded, err := s.codec.Encode(payload)
	if err != nil {
		s.logger.Warn("encoding payload", "error", err, "peer", addr.String())
		return
	}
	frame := protocol.EncodeFrame(heartbeat, encoded)

	if err := s.throttle.Wait(s.ctx, len(frame)); err != nil {
		return
	}

	n, err := s.conn.WriteToUDP(frame, addr)
	if err != nil {
		if s.running.Load() {
			s.logger.Warn("send failed, removing peer", "peer", addr.String(), "error", err)
			s.removePeer(addr.String(), "send failure", false)
		}
		return
	}
	s.mets.FramesSent.Inc()
	s.mets.BytesSent.Add(float64(n))
}

// removePeer tira a sessão da tabela e, se estava Connected, notifica a
// aplicação. discardLog remove o arquivo de log da sessão (desconexões
// limpas); quedas anormais o preservam.
func (s *Server) removePeer(key, reason string, discardLog bool) {
	s.mu.Lock()
	sess := s.peers[key]
	if sess == nil {
		s.mu.Unlock()
		return
	}
	delete(s.peers, key)
	wasConnected := sess.state == transport.StateConnected
	s.mets.ActiveSessions.Set(float64(len(s.peers)))
	s.mu.Unlock()

	sess.endLog(discardLog)
	if wasConnected {
		sess.logger.Info("client disconnected", "client_id", sess.clientID, "reason", reason)
		if s.onDisconnection != nil {
			s.onDisconnection(sess.clientID, reason)
		}
	}
}

// DisconnectClient remove a sessão e envia um DISCONNECT best-effort.
// Um peer ainda em handshake honra o frame; um peer Connected só aceita
// pacotes sequenciados e cai por liveness ao perder os heartbeats.
func (s *Server) DisconnectClient(clientID uint8, reason string) {
	s.mu.Lock()
	sess := s.findByIDLocked(clientID)
	if sess == nil {
		s.mu.Unlock()
		s.logger.Warn("cannot disconnect, client not found", "client_id", clientID)
		return
	}
	addr := sess.addr
	key := addr.String()
	s.mu.Unlock()

	s.sendFrame(addr, false, protocol.EncodeDisconnect(reason))
	s.removePeer(key, reason, true)
}

// SessionCount retorna o tamanho da tabela de peers (qualquer estado).
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// connectedPlayersLocked monta as entradas do STATUSRESPONSE.
// Chamado com s.mu held.
func (s *Server) connectedPlayersLocked() []protocol.PlayerStatus {
	var players []protocol.PlayerStatus
	for _, sess := range s.peers {
		if sess.state != transport.StateConnected {
			continue
		}
		players = append(players, protocol.PlayerStatus{
			Score: sess.score,
			Ping:  sess.ping,
			Name:  sess.playerName,
		})
	}
	return players
}
