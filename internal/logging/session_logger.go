// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// teeHandler despacha cada registro para todos os handlers cujo nível o
// aceita. Erros de escrita no arquivo de sessão não impedem o log global.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &teeHandler{handlers: out}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &teeHandler{handlers: out}
}

// sanitizeName reduz um nome vindo do wire a um componente de arquivo
// seguro: separadores de path e bytes de controle viram '_', e vazio
// vira "peer". Nomes de jogador são input não confiável.
func sanitizeName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == os.PathSeparator:
			return '_'
		case r < 0x20 || r == 0x7f:
			return '_'
		default:
			return r
		}
	}, name)
	cleaned = strings.Trim(cleaned, ". ")
	if cleaned == "" {
		return "peer"
	}
	return cleaned
}

// SessionLog é o arquivo de log dedicado de uma sessão de peer. O
// Logger embutido grava simultaneamente no logger global e no arquivo,
// já enriquecido com os attrs da sessão.
type SessionLog struct {
	// Logger substitui o logger da sessão enquanto o arquivo existir.
	Logger *slog.Logger

	path string
	file *os.File
}

// OpenSessionLog cria o arquivo de log da sessão em
//
//	{dir}/{player}-{traceID}.log
//
// com o nome do jogador sanitizado. O arquivo captura DEBUG em JSON
// independente do nível do logger global. Fechar (ou descartar) o
// SessionLog é responsabilidade do dono da sessão.
func OpenSessionLog(base *slog.Logger, dir, playerName, traceID string) (*SessionLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating session log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", sanitizeName(playerName), traceID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening session log file %s: %w", path, err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	tee := &teeHandler{handlers: []slog.Handler{base.Handler(), fileHandler}}

	logger := slog.New(tee).With("player", playerName, "trace_id", traceID)

	return &SessionLog{Logger: logger, path: path, file: f}, nil
}

// Path retorna o caminho do arquivo da sessão.
func (sl *SessionLog) Path() string {
	if sl == nil {
		return ""
	}
	return sl.path
}

// Close fecha o arquivo, preservando-o em disco. Usado em quedas por
// timeout ou falha de envio, onde o log interessa para diagnóstico.
// Seguro em receiver nil e em chamadas repetidas.
func (sl *SessionLog) Close() error {
	if sl == nil || sl.file == nil {
		return nil
	}
	err := sl.file.Close()
	sl.file = nil
	return err
}

// Discard fecha e remove o arquivo. Usado em desconexões limpas
// (pedido do peer, kick administrativo), onde o log não tem valor.
func (sl *SessionLog) Discard() error {
	if sl == nil {
		return nil
	}
	if err := sl.Close(); err != nil {
		return err
	}
	return os.Remove(sl.path)
}
