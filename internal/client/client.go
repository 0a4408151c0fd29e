// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implementa o endpoint cliente do transporte N-Link.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/nishisan-dev/n-link/internal/config"
	"github.com/nishisan-dev/n-link/internal/protocol"
	"github.com/nishisan-dev/n-link/internal/transport"
)

// Client é o endpoint cliente: um socket UDP conectado ao server, a
// máquina de estados do handshake e os loops de recepção, heartbeat e
// drenagem das filas de saída.
type Client struct {
	cfg    *config.ClientConfig
	logger *slog.Logger

	conn     *net.UDPConn
	codec    protocol.Codec
	throttle *transport.PacketThrottle

	// mu protege a máquina de estados e o AcknowledgeManager.
	// Nunca é mantido através de um send UDP.
	mu           sync.Mutex
	state        transport.SessionState
	userID       uint32
	clientID     uint8
	serverID     uint32
	nextSendSeq  uint64
	lastReceived time.Time
	ack          *transport.AcknowledgeManager

	componentsIn  *transport.Queue[transport.ComponentBuilder]
	eventsIn      *transport.Queue[transport.EventBuilder]
	componentsOut *transport.Queue[transport.ComponentBuilder]
	eventsOut     *transport.Queue[transport.EventBuilder]

	onNewConnection func(clientID uint8)
	onDisconnection func(clientID uint8, reason string)

	// connected é fechado quando o CONNECTRESPONSE chega.
	connected chan struct{}

	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New cria um Client a partir da configuração validada. O socket só é
// aberto em Connect.
func New(cfg *config.ClientConfig, logger *slog.Logger) (*Client, error) {
	codec, err := protocol.NewCodec(cfg.Transport.Compression)
	if err != nil {
		return nil, fmt.Errorf("configuring codec: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	capacity := cfg.Transport.QueueCapacity

	return &Client{
		cfg:           cfg,
		logger:        logger.With("component", "client", "trace_id", xid.New().String()),
		codec:         codec,
		throttle:      transport.NewPacketThrottle(cfg.Transport.BandwidthLimitRaw),
		state:         transport.StateDisconnected,
		nextSendSeq:   1,
		ack: transport.NewAcknowledgeManager(
			cfg.Transport.AskCooldown,
			cfg.Transport.RetransmitCooldown,
			logger,
		),
		componentsIn:  transport.NewQueue[transport.ComponentBuilder](capacity),
		eventsIn:      transport.NewQueue[transport.EventBuilder](capacity),
		componentsOut: transport.NewQueue[transport.ComponentBuilder](capacity),
		eventsOut:     transport.NewQueue[transport.EventBuilder](capacity),
		connected:     make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// OnNewConnection registra o callback de conexão. Chamar antes de Connect.
func (c *Client) OnNewConnection(fn func(clientID uint8)) {
	c.onNewConnection = fn
}

// OnDisconnection registra o callback de desconexão. Chamar antes de Connect.
func (c *Client) OnDisconnection(fn func(clientID uint8, reason string)) {
	c.onDisconnection = fn
}

// Components é a fila de componentes recebidos do server.
func (c *Client) Components() *transport.Queue[transport.ComponentBuilder] {
	return c.componentsIn
}

// Events é a fila de eventos recebidos do server.
func (c *Client) Events() *transport.Queue[transport.EventBuilder] {
	return c.eventsIn
}

// SendComponent enfileira uma atualização de componente para o server.
// Retorna false se a fila estiver cheia ou o client fechado.
func (c *Client) SendComponent(comp transport.ComponentBuilder) bool {
	return c.componentsOut.Push(comp)
}

// SendEvent enfileira um evento para o server.
// Retorna false se a fila estiver cheia ou o client fechado.
func (c *Client) SendEvent(evt transport.EventBuilder) bool {
	return c.eventsOut.Push(evt)
}

// ClientID retorna o id atribuído pelo server. Válido após Connect.
func (c *Client) ClientID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// ServerID retorna o id do server. Válido após Connect.
func (c *Client) ServerID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverID
}

// State retorna o estado atual do handshake.
func (c *Client) State() transport.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect abre o socket, dispara o handshake e bloqueia até o
// CONNECTRESPONSE ou o handshake timeout. userID vem do login externo.
func (c *Client) Connect(ctx context.Context, userID uint32) error {
	addr, err := net.ResolveUDPAddr("udp", c.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("resolving server address %s: %w", c.cfg.Server.Address, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.Server.Address, err)
	}
	c.conn = conn
	c.running.Store(true)

	c.mu.Lock()
	c.userID = userID
	c.state = transport.StateChallenging
	c.lastReceived = time.Now()
	c.mu.Unlock()

	c.logger.Info("connecting", "server", c.cfg.Server.Address, "player", c.cfg.Client.PlayerName)

	c.wg.Add(4)
	go c.receiveLoop()
	go c.heartbeatLoop()
	go c.componentLoop()
	go c.eventLoop()

	c.sendFrame(false, protocol.EncodeGetChallenge(userID))

	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case <-time.After(c.cfg.Transport.HandshakeTimeout):
		c.Close()
		return fmt.Errorf("handshake with %s timed out", c.cfg.Server.Address)
	}
}

// Close derruba o endpoint: sinaliza os loops, acorda as filas, fecha o
// socket e aguarda os joins. Idempotente.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.running.Store(false)
		c.cancel()
		c.componentsOut.Close()
		c.eventsOut.Close()
		c.componentsIn.Close()
		c.eventsIn.Close()
		if c.conn != nil {
			c.conn.Close()
		}
	})
	c.wg.Wait()
}

// teardown trata uma desconexão detectada pelos loops: notifica a
// aplicação e agenda o Close fora do goroutine corrente.
func (c *Client) teardown(reason string) {
	c.mu.Lock()
	wasConnected := c.state == transport.StateConnected
	clientID := c.clientID
	c.state = transport.StateDisconnected
	c.mu.Unlock()

	if wasConnected && c.onDisconnection != nil {
		c.onDisconnection(clientID, reason)
	}
	go c.Close()
}

// receiveLoop lê datagramas para o buffer de remontagem e despacha cada
// frame extraído.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	buf := transport.NewReassemblyBuffer(int(c.cfg.Transport.ReceiveBufferRaw))
	scratch := make([]byte, c.cfg.Transport.ReceiveBufferRaw)

	for c.running.Load() {
		n, err := c.conn.Read(scratch)
		if err != nil {
			if !c.running.Load() {
				break
			}
			c.logger.Error("receive error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		buf.Write(scratch[:n])
		for {
			frame, ok := buf.Extract()
			if !ok {
				break
			}
			c.handleFrame(frame)
		}
	}

	c.logger.Info("client receive loop ended")
}

// handleFrame valida, desofusca e roteia um frame pelo flag de heartbeat
// e pelo estado do handshake.
func (c *Client) handleFrame(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		c.logger.Debug("dropping frame", "error", err)
		return
	}
	payload, err := c.codec.Decode(frame.Payload)
	if err != nil {
		c.logger.Debug("dropping frame", "error", err)
		return
	}

	c.mu.Lock()
	c.lastReceived = time.Now()
	state := c.state
	c.mu.Unlock()

	if frame.Heartbeat {
		c.handleHeartbeat(payload)
		return
	}
	if state == transport.StateConnected {
		c.handleConnected(payload)
		return
	}
	c.handleConnectionless(payload)
}

// handleHeartbeat retransmite os pacotes pedidos na lista de NACKs do
// server que já saíram do cooldown.
func (c *Client) handleHeartbeat(payload []byte) {
	hb, err := protocol.DecodeHeartbeat(payload)
	if err != nil {
		c.logger.Debug("dropping heartbeat", "error", err)
		return
	}

	c.mu.Lock()
	resends := c.ack.Resend(hb.LostPackages)
	c.mu.Unlock()

	for _, p := range resends {
		c.sendFrame(false, p)
	}
}

// handleConnected alimenta o acknowledge manager e despacha, em ordem,
// os pacotes que ficaram entregáveis.
func (c *Client) handleConnected(payload []byte) {
	pkg, err := protocol.DecodeConnectedPackage(payload)
	if err != nil {
		c.logger.Debug("dropping connected package", "error", err)
		return
	}
	if !pkg.EndOfContent {
		c.logger.Warn("fragmented package not supported, dropping", "sequence", pkg.Sequence)
		return
	}

	c.mu.Lock()
	c.ack.RegisterReceived(pkg)
	available := c.ack.ExtractAvailable()
	if len(available) > 0 {
		c.ack.Approve(available[len(available)-1].Acknowledge)
	}
	c.mu.Unlock()

	for _, pkg := range available {
		c.dispatchConnected(pkg)
	}
}

// dispatchConnected roteia um pacote entregue pelo opcode do comando e
// empurra o resultado para a fila de aplicação correspondente.
func (c *Client) dispatchConnected(pkg protocol.ConnectedPackage) {
	cmd, err := protocol.DecodeConnectedCommand(pkg.Body)
	if err != nil {
		c.logger.Debug("dropping connected command", "error", err)
		return
	}

	switch cmd.Opcode {
	case protocol.OpSendComponent:
		comp, err := protocol.DecodeComponentUpdate(cmd.Body)
		if err != nil {
			c.logger.Debug("dropping component update", "error", err)
			return
		}
		if !c.componentsIn.Push(transport.ComponentBuilder{Entity: comp.Entity, Key: comp.Key, Data: comp.Data}) {
			c.logger.Warn("component queue full, dropping update", "entity", comp.Entity)
		}
	case protocol.OpSendEvent:
		evt, err := protocol.DecodeEvent(cmd.Body)
		if err != nil {
			c.logger.Debug("dropping event", "error", err)
			return
		}
		if !c.eventsIn.Push(transport.EventBuilder{EventID: evt.EventID, Data: evt.Data}) {
			c.logger.Warn("event queue full, dropping event", "event_id", evt.EventID)
		}
	default:
		c.logger.Warn("unknown opcode", "opcode", cmd.Opcode)
	}
}

// connectionlessHandlers é a tabela estática de dispatch das respostas
// fora do estado Connected.
var connectionlessHandlers = map[byte]func(*Client, []byte){
	protocol.OpChallengeResponse: (*Client).handleChallengeResponse,
	protocol.OpConnectResponse:   (*Client).handleConnectResponse,
	protocol.OpDisconnect:        (*Client).handleServerDisconnect,
}

// handleConnectionless roteia uma resposta connectionless pela tabela de
// opcodes.
func (c *Client) handleConnectionless(payload []byte) {
	cmd, err := protocol.DecodeConnectionless(payload)
	if err != nil {
		c.logger.Debug("dropping connectionless packet", "error", err)
		return
	}

	handler, ok := connectionlessHandlers[cmd.Opcode]
	if !ok {
		c.logger.Debug("unhandled connectionless response", "opcode", cmd.Opcode)
		return
	}
	handler(c, cmd.Body)
}

// handleChallengeResponse responde ao challenge com o CONNECT.
func (c *Client) handleChallengeResponse(body []byte) {
	resp, err := protocol.DecodeChallengeResponse(body)
	if err != nil {
		c.logger.Debug("dropping challenge response", "error", err)
		return
	}

	c.mu.Lock()
	if c.state != transport.StateChallenging {
		c.mu.Unlock()
		c.logger.Debug("challenge response in unexpected state", "state", c.state.String())
		return
	}
	c.state = transport.StateConnecting
	c.mu.Unlock()

	c.logger.Info("received challenge", "challenge", resp.Challenge)
	c.sendFrame(false, protocol.EncodeConnect(resp.Challenge, c.cfg.Client.PlayerName))
}

// handleConnectResponse conclui o handshake.
func (c *Client) handleConnectResponse(body []byte) {
	resp, err := protocol.DecodeConnectResponse(body)
	if err != nil {
		c.logger.Debug("dropping connect response", "error", err)
		return
	}

	c.mu.Lock()
	if c.state != transport.StateConnecting {
		c.mu.Unlock()
		c.logger.Debug("connect response in unexpected state", "state", c.state.String())
		return
	}
	c.state = transport.StateConnected
	c.clientID = resp.ClientID
	c.serverID = resp.ServerID
	c.mu.Unlock()

	c.logger.Info("connected", "client_id", resp.ClientID, "server_id", resp.ServerID)
	close(c.connected)
	if c.onNewConnection != nil {
		c.onNewConnection(resp.ClientID)
	}
}

// handleServerDisconnect trata um DISCONNECT vindo do server.
func (c *Client) handleServerDisconnect(body []byte) {
	reason := "unknown reason"
	if dc, err := protocol.DecodeDisconnect(body); err == nil && dc.Reason != "" {
		reason = dc.Reason
	}
	c.logger.Warn("server disconnected", "reason", reason)
	c.teardown(reason)
}

// heartbeatLoop envia um heartbeat com a lista de NACKs a cada período e
// vigia o timeout de liveness.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Transport.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		lost := c.ack.Lost()
		state := c.state
		stale := time.Since(c.lastReceived) > c.cfg.Transport.LivenessTimeout
		c.mu.Unlock()

		if state == transport.StateConnected && stale {
			c.logger.Warn("server unresponsive, disconnecting")
			c.teardown("timeout")
			return
		}

		c.sendFrame(true, protocol.EncodeHeartbeat(lost))
	}
}

// componentLoop drena a fila de componentes de saída.
func (c *Client) componentLoop() {
	defer c.wg.Done()

	for {
		items := c.componentsOut.Flush()
		if items == nil {
			return
		}

		var payloads [][]byte
		c.mu.Lock()
		for _, comp := range items {
			body := protocol.EncodeComponentUpdate(protocol.ComponentUpdate{
				Entity: comp.Entity,
				Key:    comp.Key,
				Data:   comp.Data,
			})
			payloads = append(payloads, c.buildConnectedLocked(body))
		}
		c.mu.Unlock()

		for _, p := range payloads {
			c.sendFrame(false, p)
		}
	}
}

// eventLoop drena a fila de eventos de saída.
func (c *Client) eventLoop() {
	defer c.wg.Done()

	for {
		items := c.eventsOut.Flush()
		if items == nil {
			return
		}

		var payloads [][]byte
		c.mu.Lock()
		for _, evt := range items {
			body := protocol.EncodeEvent(protocol.Event{
				EventID: evt.EventID,
				Data:    evt.Data,
			})
			payloads = append(payloads, c.buildConnectedLocked(body))
		}
		c.mu.Unlock()

		for _, p := range payloads {
			c.sendFrame(false, p)
		}
	}
}

// buildConnectedLocked embrulha um comando num ConnectedPackage com a
// próxima sequence e o acknowledge cumulativo atual, e o registra para
// retransmissão. Chamado com c.mu held.
func (c *Client) buildConnectedLocked(body []byte) []byte {
	pkg := protocol.ConnectedPackage{
		Sequence:     c.nextSendSeq,
		Acknowledge:  c.ack.Acknowledge(),
		EndOfContent: true,
		Body:         body,
	}
	c.nextSendSeq++
	c.ack.RegisterSent(pkg)
	return protocol.EncodeConnectedPackage(pkg)
}

// sendFrame aplica codec, framing e throttle e escreve o datagrama.
// Uma falha de escrita com o client ativo é tratada como desconexão.
// Nunca chamar com c.mu held.
func (c *Client) sendFrame(heartbeat bool, payload []byte) {
	encoded, err := c.codec.Encode(payload)
	if err != nil {
		c.logger.Warn("encoding payload", "error", err)
		return
	}
	frame := protocol.EncodeFrame(heartbeat, encoded)

	if err := c.throttle.Wait(c.ctx, len(frame)); err != nil {
		return
	}

	if _, err := c.conn.Write(frame); err != nil {
		if c.running.Load() {
			c.logger.Warn("send failed", "error", err)
			c.teardown("send failure")
		}
	}
}
