// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging monta os slog.Loggers do nlink-server e do
// nlink-client, incluindo o arquivo de log dedicado por sessão de peer.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nishisan-dev/n-link/internal/config"
)

// nopCloser é o io.Closer devolvido quando não há arquivo para fechar.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New cria o logger do processo a partir do bloco de logging da
// configuração validada. Formatos: "json" (default) e "text". Com
// cfg.File preenchido, grava em stdout + arquivo (MultiWriter) e o
// Closer retornado fecha o arquivo no shutdown; um arquivo que não pode
// ser aberto é erro, não fallback silencioso.
func New(cfg config.LoggingInfo) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", cfg.File, err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer, nil
}

// ParseLevel converte o nível de log da configuração. Valores
// desconhecidos caem em INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
