// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do nlink-server.
type ServerConfig struct {
	Server    ServerInfo      `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingInfo     `yaml:"logging"`
	Stats     StatsConfig     `yaml:"stats"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerInfo identifica o servidor e o que ele anuncia nas queries
// connectionless (GETINFO/GETSTATUS).
type ServerInfo struct {
	Listen     string `yaml:"listen"`      // ex: ":4242"
	Hostname   string `yaml:"hostname"`    // anunciado no INFORESPONSE
	MapName    string `yaml:"map_name"`    // anunciado no INFORESPONSE
	MaxPlayers uint8  `yaml:"max_players"` // default: 4
}

// StatsConfig configura o relatório periódico de métricas no log.
// Schedule é uma cron expression padrão de 5 campos.
type StatsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // default: "* * * * *" (a cada minuto)
}

// MetricsConfig configura o listener HTTP do Prometheus.
// Deny-by-default: allow_origins é obrigatório quando habilitado.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default: "127.0.0.1:9849"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	AllowOrigins []string      `yaml:"allow_origins"` // IP ou CIDR

	// ParsedCIDRs é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// Validate aplica defaults e rejeita configurações impossíveis.
func (c *ServerConfig) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "nlink-server"
		}
		c.Server.Hostname = host
	}
	if c.Server.MapName == "" {
		c.Server.MapName = "default"
	}
	if c.Server.MaxPlayers == 0 {
		c.Server.MaxPlayers = 4
	}

	if err := c.Transport.validate(); err != nil {
		return err
	}
	c.Logging.applyDefaults()

	// Stats: valida a cron expression quando habilitado.
	if c.Stats.Enabled {
		if c.Stats.Schedule == "" {
			c.Stats.Schedule = "* * * * *"
		}
		if _, err := cron.ParseStandard(c.Stats.Schedule); err != nil {
			return fmt.Errorf("stats.schedule: %w", err)
		}
	}

	// Metrics: defaults e ACL deny-by-default.
	if c.Metrics.Enabled {
		if c.Metrics.Listen == "" {
			c.Metrics.Listen = "127.0.0.1:9849"
		}
		if c.Metrics.ReadTimeout <= 0 {
			c.Metrics.ReadTimeout = 5 * time.Second
		}
		if c.Metrics.WriteTimeout <= 0 {
			c.Metrics.WriteTimeout = 15 * time.Second
		}
		if len(c.Metrics.AllowOrigins) == 0 {
			return fmt.Errorf("metrics.allow_origins is required when metrics is enabled (deny-by-default)")
		}
		for _, origin := range c.Metrics.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				// Tenta como IP único → converte para /32 ou /128
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("metrics.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Metrics.ParsedCIDRs = append(c.Metrics.ParsedCIDRs, cidr)
		}
	}

	return nil
}
