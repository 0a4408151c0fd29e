// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nishisan-dev/n-link/internal/config"
)

// allowedScraper decide se o endereço remoto pode fazer scrape.
// Deny-by-default: só passa quem está em algum CIDR de allow_origins.
func allowedScraper(cidrs []*net.IPNet, remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// Tenta tratar como IP puro (sem porta)
		host = remoteAddr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, cidr := range cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// newScrapeHandler monta o handler do endpoint /metrics: a guarda de
// origem e o exporter do registry do Set, num único caminho.
func newScrapeHandler(cfg config.MetricsConfig, set *Set) http.Handler {
	exporter := promhttp.HandlerFor(set.Registry, promhttp.HandlerOpts{})

	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowedScraper(cfg.ParsedCIDRs, r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// StartHTTP sobe o listener de scrape do Prometheus em background e o
// encerra gracefully quando o context é cancelado.
func StartHTTP(ctx context.Context, cfg config.MetricsConfig, set *Set, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newScrapeHandler(cfg, set),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	go func() {
		logger.Info("metrics listening", "address", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", "error", err)
		}
	}()
}
