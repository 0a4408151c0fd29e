// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatsReporter emite métricas periódicas do server no log, na cadência
// da cron expression configurada.
type StatsReporter struct {
	srv       *Server
	cron      *cron.Cron
	logger    *slog.Logger
	startTime time.Time
}

// NewStatsReporter cria um reporter agendado pela cron expression.
func NewStatsReporter(srv *Server, schedule string, logger *slog.Logger) (*StatsReporter, error) {
	sr := &StatsReporter{
		srv:       srv,
		logger:    logger.With("component", "stats"),
		startTime: time.Now(),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, sr.report); err != nil {
		return nil, fmt.Errorf("adding stats cron job: %w", err)
	}
	sr.cron = c
	return sr, nil
}

// Start inicia o agendamento.
func (sr *StatsReporter) Start() {
	sr.logger.Info("stats reporter started")
	sr.cron.Start()
}

// Stop para o agendamento e aguarda um report em andamento.
func (sr *StatsReporter) Stop() {
	<-sr.cron.Stop().Done()
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	attrs := []any{
		"uptime_seconds", int64(time.Since(sr.startTime).Seconds()),
		"sessions", sr.srv.SessionCount(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		attrs = append(attrs, "cpu_percent", percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "memory_percent", vm.UsedPercent)
	}
	if avg, err := load.Avg(); err == nil {
		attrs = append(attrs, "load1", avg.Load1)
	}

	sr.logger.Info("server stats", attrs...)
}
