// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSessionLog_WritesToBoth(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sl, err := OpenSessionLog(base, dir, "Alice", "trace-abc")
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}

	expectedPath := filepath.Join(dir, "Alice-trace-abc.log")
	if sl.Path() != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, sl.Path())
	}

	sl.Logger.Info("test message")
	if err := sl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// O registro aparece no logger global, já com os attrs da sessão
	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("message missing from base handler: %s", baseBuf.String())
	}
	if !strings.Contains(baseBuf.String(), "trace-abc") {
		t.Errorf("trace attr missing from base handler: %s", baseBuf.String())
	}

	// E no arquivo da sessão
	data, err := os.ReadFile(expectedPath)
	if err != nil {
		t.Fatalf("reading session log file: %v", err)
	}
	if !strings.Contains(string(data), "test message") {
		t.Errorf("message missing from session file: %s", data)
	}
	if !strings.Contains(string(data), `"player":"Alice"`) {
		t.Errorf("player attr missing from session file: %s", data)
	}
}

func TestOpenSessionLog_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	// Logger global em INFO: não aceita DEBUG
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	sl, err := OpenSessionLog(base, dir, "Alice", "trace-dbg")
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}

	sl.Logger.Debug("debug only message")
	sl.Logger.Info("info for both")
	sl.Close()

	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not reach the INFO-level base handler")
	}
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	// O arquivo da sessão captura os dois (nível DEBUG)
	data, _ := os.ReadFile(sl.Path())
	if !strings.Contains(string(data), "debug only message") {
		t.Errorf("DEBUG message missing from session file: %s", data)
	}
	if !strings.Contains(string(data), "info for both") {
		t.Errorf("INFO message missing from session file: %s", data)
	}
}

func TestOpenSessionLog_SanitizesPlayerName(t *testing.T) {
	dir := t.TempDir()
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Nome vindo do wire com tentativa de path traversal
	sl, err := OpenSessionLog(base, dir, "../evil/name", "trace-x")
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}
	defer sl.Discard()

	if filepath.Dir(sl.Path()) != dir {
		t.Fatalf("session file escaped the log dir: %s", sl.Path())
	}
	if strings.ContainsAny(filepath.Base(sl.Path()), `/\`) {
		t.Errorf("unsanitized separators in file name: %s", sl.Path())
	}
}

func TestSessionLog_CloseKeepsFile(t *testing.T) {
	dir := t.TempDir()
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sl, err := OpenSessionLog(base, dir, "Alice", "trace-keep")
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}

	sl.Logger.Info("kept for diagnosis")
	if err := sl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close repetido é seguro
	if err := sl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := os.Stat(sl.Path()); err != nil {
		t.Errorf("expected file preserved after Close: %v", err)
	}
}

func TestSessionLog_DiscardRemovesFile(t *testing.T) {
	dir := t.TempDir()
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sl, err := OpenSessionLog(base, dir, "Alice", "trace-drop")
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}

	path := sl.Path()
	if err := sl.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected file removed after Discard")
	}
}

func TestSessionLog_NilReceiverIsSafe(t *testing.T) {
	var sl *SessionLog
	if sl.Path() != "" {
		t.Error("nil Path should be empty")
	}
	if err := sl.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
	if err := sl.Discard(); err != nil {
		t.Errorf("nil Discard: %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Alice", "Alice"},
		{"../up", "_up"},
		{"a/b\\c", "a_b_c"},
		{"", "peer"},
		{"...", "peer"},
		{"ctrl\x01name", "ctrl_name"},
	}

	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
