// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Link License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ClientConfig representa a configuração completa do nlink-client.
type ClientConfig struct {
	Client    ClientInfo      `yaml:"client"`
	Server    ServerAddr      `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingInfo     `yaml:"logging"`
}

// ClientInfo identifica o jogador.
type ClientInfo struct {
	PlayerName string `yaml:"player_name"`
}

// ServerAddr contém o endereço do servidor.
type ServerAddr struct {
	Address string `yaml:"address"` // ex: "127.0.0.1:4242"
}

// LoadClientConfig lê e valida o arquivo YAML de configuração do client.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

// Validate aplica defaults e rejeita configurações impossíveis.
func (c *ClientConfig) Validate() error {
	if c.Client.PlayerName == "" {
		return fmt.Errorf("client.player_name is required")
	}
	if len(c.Client.PlayerName) > 32 {
		return fmt.Errorf("client.player_name must be at most 32 bytes, got %d", len(c.Client.PlayerName))
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	if err := c.Transport.validate(); err != nil {
		return err
	}
	c.Logging.applyDefaults()

	return nil
}
