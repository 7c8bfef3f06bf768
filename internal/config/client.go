// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig representa a configuração completa do ntalk-client.
type ClientConfig struct {
	Server   ServerAddr   `yaml:"server"`
	DataDir  string       `yaml:"data_dir"`
	TLS      TLSClient    `yaml:"tls"`
	Retry    RetryInfo    `yaml:"retry"`
	Transfer TransferInfo `yaml:"transfer"`
	History  HistoryInfo  `yaml:"history"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// ServerAddr contém o endereço do servidor de chat. DSCP, quando
// presente, marca os pacotes de saída com a classe de serviço dada
// (ex: "AF21"); vazio desabilita a marcação.
type ServerAddr struct {
	Address string `yaml:"address"`
	DSCP    string `yaml:"dscp"`
}

// TLSClient configura a validação TLS do lado client. Quando enabled é
// false, a conexão usa TCP puro.
type TLSClient struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`     // vazio = pool do sistema
	ServerName string `yaml:"server_name"` // vazio = host do address
}

// RetryInfo contém configurações de reconexão com exponential backoff.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// TransferInfo contém configurações do coordenador de transferências.
type TransferInfo struct {
	UploadRateLimit    string `yaml:"upload_rate_limit"` // ex: "2mb" por segundo; vazio/"0" = ilimitado
	UploadRateLimitRaw int64  `yaml:"-"`
}

// HistoryInfo contém configurações de paginação de histórico.
type HistoryInfo struct {
	PageSize int `yaml:"page_size"` // default: 100
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}

	if c.Transfer.UploadRateLimit != "" && c.Transfer.UploadRateLimit != "0" {
		parsed, err := ParseByteSize(c.Transfer.UploadRateLimit)
		if err != nil {
			return fmt.Errorf("transfer.upload_rate_limit: %w", err)
		}
		c.Transfer.UploadRateLimitRaw = parsed
	}

	if c.History.PageSize <= 0 {
		c.History.PageSize = 100
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
