// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package integration exercita o transporte completo: server e client
// reais trocando frames por um socket UDP de loopback.
package integration

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/n-link/internal/client"
	"github.com/nishisan-dev/n-link/internal/config"
	"github.com/nishisan-dev/n-link/internal/server"
	"github.com/nishisan-dev/n-link/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testTransport() config.TransportConfig {
	return config.TransportConfig{
		HeartbeatPeriod: 20 * time.Millisecond,
		LivenessTimeout: 2 * time.Second,
	}
}

// startServer cria e inicia um server de e2e. As funções de setup rodam
// entre New e Start (callbacks são registrados antes dos loops).
func startServer(t *testing.T, compression string, setup ...func(*server.Server)) *server.Server {
	t.Helper()

	cfg := &config.ServerConfig{
		Server: config.ServerInfo{
			Listen:   "127.0.0.1:0",
			Hostname: "arena-e2e",
			MapName:  "nebula",
		},
		Transport: testTransport(),
	}
	cfg.Transport.Compression = compression
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validating server config: %v", err)
	}

	srv, err := server.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	for _, fn := range setup {
		fn(srv)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func connectClient(t *testing.T, srv *server.Server, name, compression string) *client.Client {
	t.Helper()

	cfg := &config.ClientConfig{
		Client:    config.ClientInfo{PlayerName: name},
		Server:    config.ServerAddr{Address: srv.LocalAddr().String()},
		Transport: testTransport(),
	}
	cfg.Transport.Compression = compression
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validating client config: %v", err)
	}

	cl, err := client.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(cl.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Connect(ctx, 0); err != nil {
		t.Fatalf("client.Connect: %v", err)
	}
	return cl
}

func collectEvents(q *transport.Queue[transport.EventBuilder], n int, timeout time.Duration) []transport.EventBuilder {
	deadline := time.Now().Add(timeout)
	var out []transport.EventBuilder
	for len(out) < n && time.Now().Before(deadline) {
		out = append(out, q.TryFlush()...)
		time.Sleep(5 * time.Millisecond)
	}
	return out
}

func collectComponents(q *transport.Queue[transport.ComponentBuilder], n int, timeout time.Duration) []transport.ComponentBuilder {
	deadline := time.Now().Add(timeout)
	var out []transport.ComponentBuilder
	for len(out) < n && time.Now().Before(deadline) {
		out = append(out, q.TryFlush()...)
		time.Sleep(5 * time.Millisecond)
	}
	return out
}

// TestEndToEnd_ConnectAndExchange cobre o caminho feliz completo:
// handshake, evento client→server, broadcast server→client e componente
// server→client, com ordenação preservada.
func TestEndToEnd_ConnectAndExchange(t *testing.T) {
	var newConnections atomic.Int32

	srv := startServer(t, "none", func(srv *server.Server) {
		srv.OnNewConnection(func(clientID uint8) {
			newConnections.Add(1)
		})
	})

	cl := connectClient(t, srv, "Alice", "none")
	if cl.ClientID() != 0 {
		t.Errorf("expected client id 0, got %d", cl.ClientID())
	}

	deadline := time.Now().Add(time.Second)
	for newConnections.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if newConnections.Load() != 1 {
		t.Errorf("expected 1 NewConnection callback, got %d", newConnections.Load())
	}

	// Client → Server: dois eventos em ordem, payload byte-idêntico
	cl.SendEvent(transport.EventBuilder{EventID: "ping", Data: []byte{0xDE, 0xAD}})
	cl.SendEvent(transport.EventBuilder{EventID: "pong", Data: []byte{0xBE, 0xEF}})

	events := collectEvents(srv.Events(), 2, 2*time.Second)
	if len(events) != 2 {
		t.Fatalf("expected 2 events on server, got %d", len(events))
	}
	if events[0].EventID != "ping" || !bytes.Equal(events[0].Data, []byte{0xDE, 0xAD}) {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].EventID != "pong" || !bytes.Equal(events[1].Data, []byte{0xBE, 0xEF}) {
		t.Errorf("unexpected second event: %+v", events[1])
	}

	// Server → Client: broadcast de evento e componente
	srv.SendEvent(nil, transport.EventBuilder{EventID: "spawn", Data: []byte{7}})
	srv.SendComponent(nil, transport.ComponentBuilder{Entity: 42, Key: "position", Data: []byte{1, 2, 3}})

	clientEvents := collectEvents(cl.Events(), 1, 2*time.Second)
	if len(clientEvents) != 1 || clientEvents[0].EventID != "spawn" {
		t.Fatalf("expected spawn event on client, got %v", clientEvents)
	}

	comps := collectComponents(cl.Components(), 1, 2*time.Second)
	if len(comps) != 1 {
		t.Fatalf("expected 1 component on client, got %d", len(comps))
	}
	if comps[0].Entity != 42 || comps[0].Key != "position" || !bytes.Equal(comps[0].Data, []byte{1, 2, 3}) {
		t.Errorf("unexpected component: %+v", comps[0])
	}
}

// TestEndToEnd_TargetedSend garante que o unicast alcança apenas o peer
// endereçado.
func TestEndToEnd_TargetedSend(t *testing.T) {
	srv := startServer(t, "none")

	alice := connectClient(t, srv, "Alice", "none")
	bob := connectClient(t, srv, "Bob", "none")

	target := bob.ClientID()
	srv.SendEvent(&target, transport.EventBuilder{EventID: "secret", Data: nil})

	bobEvents := collectEvents(bob.Events(), 1, 2*time.Second)
	if len(bobEvents) != 1 || bobEvents[0].EventID != "secret" {
		t.Fatalf("expected secret event on bob, got %v", bobEvents)
	}

	aliceEvents := collectEvents(alice.Events(), 1, 200*time.Millisecond)
	if len(aliceEvents) != 0 {
		t.Errorf("expected no event on alice, got %v", aliceEvents)
	}
}

// TestEndToEnd_ComponentToServer cobre o stream de componentes no
// sentido client→server.
func TestEndToEnd_ComponentToServer(t *testing.T) {
	srv := startServer(t, "none")
	cl := connectClient(t, srv, "Alice", "none")

	cl.SendComponent(transport.ComponentBuilder{Entity: 9, Key: "velocity", Data: []byte{0xFF}})

	comps := collectComponents(srv.Components(), 1, 2*time.Second)
	if len(comps) != 1 || comps[0].Entity != 9 || comps[0].Key != "velocity" {
		t.Fatalf("unexpected components: %v", comps)
	}
}

// TestEndToEnd_ZlibCompression repete a troca com o codec zlib ligado
// dos dois lados.
func TestEndToEnd_ZlibCompression(t *testing.T) {
	srv := startServer(t, "zlib")
	cl := connectClient(t, srv, "Alice", "zlib")

	payload := bytes.Repeat([]byte("state "), 64)
	cl.SendEvent(transport.EventBuilder{EventID: "bulk", Data: payload})

	events := collectEvents(srv.Events(), 1, 2*time.Second)
	if len(events) != 1 || !bytes.Equal(events[0].Data, payload) {
		t.Fatalf("expected byte-identical payload through zlib, got %d events", len(events))
	}
}

// TestEndToEnd_ServerDisconnect cobre o DisconnectClient: a sessão sai
// da tabela na hora e o client, sem mais heartbeats do server, derruba a
// conexão por liveness.
func TestEndToEnd_ServerDisconnect(t *testing.T) {
	srv := startServer(t, "none")

	cfg := &config.ClientConfig{
		Client:    config.ClientInfo{PlayerName: "Alice"},
		Server:    config.ServerAddr{Address: srv.LocalAddr().String()},
		Transport: testTransport(),
	}
	cfg.Transport.LivenessTimeout = 300 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validating client config: %v", err)
	}

	cl, err := client.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(cl.Close)

	reasonCh := make(chan string, 1)
	cl.OnDisconnection(func(clientID uint8, reason string) {
		reasonCh <- reason
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Connect(ctx, 0); err != nil {
		t.Fatalf("client.Connect: %v", err)
	}

	srv.DisconnectClient(cl.ClientID(), "kicked")
	if srv.SessionCount() != 0 {
		t.Errorf("expected empty peer table after disconnect, got %d", srv.SessionCount())
	}

	select {
	case reason := <-reasonCh:
		if reason != "timeout" {
			t.Errorf("expected liveness timeout on client, got %q", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never observed the disconnect")
	}
}

// TestEndToEnd_IdempotentShutdown fecha os dois lados duas vezes.
func TestEndToEnd_IdempotentShutdown(t *testing.T) {
	srv := startServer(t, "none")
	cl := connectClient(t, srv, "Alice", "none")

	cl.Close()
	cl.Close()
	srv.Close()
	srv.Close()
}

// TestEndToEnd_HandshakeTimeout conecta contra um endereço que nunca
// responde.
func TestEndToEnd_HandshakeTimeout(t *testing.T) {
	cfg := &config.ClientConfig{
		Client: config.ClientInfo{PlayerName: "Alice"},
		// Porta de discard: nada escuta aqui nos runners de teste
		Server:    config.ServerAddr{Address: "127.0.0.1:9"},
		Transport: config.TransportConfig{HandshakeTimeout: 200 * time.Millisecond},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validating client config: %v", err)
	}

	cl, err := client.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	ctx := context.Background()
	start := time.Now()
	if err := cl.Connect(ctx, 0); err == nil {
		t.Fatal("expected handshake timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("handshake timeout took too long: %s", elapsed)
	}
}
