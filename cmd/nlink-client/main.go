// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// nlink-client é o cliente de smoke test: conecta no server, envia um
// evento de ping e imprime tudo que chega até ser interrompido.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-link/internal/client"
	"github.com/nishisan-dev/n-link/internal/config"
	"github.com/nishisan-dev/n-link/internal/logging"
	"github.com/nishisan-dev/n-link/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/nlink/client.yaml", "path to client config file")
	userID := flag.Uint("user", 0, "user id from the external login service")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cl, err := client.New(cfg, logger)
	if err != nil {
		logger.Error("client setup error", "error", err)
		os.Exit(1)
	}

	cl.OnDisconnection(func(clientID uint8, reason string) {
		logger.Warn("disconnected", "client_id", clientID, "reason", reason)
		cancel()
	})

	if err := cl.Connect(ctx, uint32(*userID)); err != nil {
		logger.Error("connect error", "error", err)
		os.Exit(1)
	}
	defer cl.Close()

	cl.SendEvent(transport.EventBuilder{EventID: "ping", Data: []byte{0xDE, 0xAD}})

	// Drena as filas de entrada até o shutdown.
	go func() {
		for {
			events := cl.Events().Flush()
			if events == nil {
				return
			}
			for _, evt := range events {
				logger.Info("event received", "event_id", evt.EventID, "bytes", len(evt.Data))
			}
		}
	}()
	go func() {
		for {
			comps := cl.Components().Flush()
			if comps == nil {
				return
			}
			for _, comp := range comps {
				logger.Info("component received", "entity", comp.Entity, "key", comp.Key, "bytes", len(comp.Data))
			}
		}
	}()

	<-ctx.Done()
}
