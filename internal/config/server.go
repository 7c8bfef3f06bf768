// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida os arquivos YAML de configuração do
// ntalk-server e do ntalk-client.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do ntalk-server.
type ServerConfig struct {
	Server   ServerListen   `yaml:"server"`
	Storage  StorageInfo    `yaml:"storage"`
	Limits   LimitsInfo     `yaml:"limits"`
	TLS      TLSServer      `yaml:"tls"`
	Logging  LoggingInfo    `yaml:"logging"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Stats    StatsConfig    `yaml:"stats"`
	WebUI    WebUIConfig    `yaml:"web_ui"`
}

// ServerListen contém o endereço de escuta do server.
type ServerListen struct {
	Listen string `yaml:"listen"` // default: "0.0.0.0:9480"
}

// StorageInfo contém os caminhos de persistência do server.
type StorageInfo struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"` // default: {data_dir}/ntalk.db
}

// LimitsInfo contém os limites operacionais do server.
type LimitsInfo struct {
	MaxClients      int    `yaml:"max_clients"`       // default: 1000
	HistoryPageSize int    `yaml:"history_page_size"` // default: 100
	FileChunkSize   string `yaml:"file_chunk_size"`   // ex: "64kb" (default)
	FileChunkRaw    int64  `yaml:"-"`
}

// TLSServer contém os certificados do server. Quando cert_file está vazio,
// o server escuta em TCP puro.
type TLSServer struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // vazio = stderr
}

// Modos de compressão de snapshot.
const (
	CompressionGzip = "gzip"
	CompressionZstd = "zst"
)

// SnapshotConfig configura o job periódico de snapshot do data_dir
// (banco + arquivos publicados) com rotação e offload S3 opcional.
type SnapshotConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Schedule    string   `yaml:"schedule"`    // cron expression (default: "0 3 * * *")
	Keep        int      `yaml:"keep"`        // snapshots retidos (default: 5)
	Compression string   `yaml:"compression"` // gzip|zst (default: gzip)
	UploadTTL   string   `yaml:"upload_ttl"`  // idade máxima de uploads parados (default: "72h")
	S3          S3Config `yaml:"s3"`
}

// S3Config configura o offload opcional de snapshots para um bucket S3.
type S3Config struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// StatsConfig configura o reporter periódico de métricas no log.
type StatsConfig struct {
	Interval string `yaml:"interval"` // default: "60s"; "0" desabilita
}

// WebUIConfig configura a API HTTP read-only de status do server.
// Desabilitada por default; quando habilitada, escuta apenas em loopback
// a menos que allow_origins libere outras redes.
type WebUIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Listen         string        `yaml:"listen"`           // default: "127.0.0.1:9481"
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // default: 5s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // default: 15s
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // default: 60s
	AllowOrigins   []string      `yaml:"allow_origins"`    // CIDRs ou IPs; default: loopback
	EventsFile     string        `yaml:"events_file"`      // relativo ao data_dir (default: "events.jsonl")
	EventsMaxLines int           `yaml:"events_max_lines"` // default: 10000

	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// FileExtension retorna a extensão de arquivo para snapshots.
func (s SnapshotConfig) FileExtension() string {
	switch s.Compression {
	case CompressionZstd:
		return ".tar.zst"
	default:
		return ".tar.gz"
	}
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:9480"
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = c.Storage.DataDir + "/ntalk.db"
	}

	if c.Limits.MaxClients <= 0 {
		c.Limits.MaxClients = 1000
	}
	if c.Limits.HistoryPageSize <= 0 {
		c.Limits.HistoryPageSize = 100
	}
	if c.Limits.FileChunkSize == "" {
		c.Limits.FileChunkSize = "64kb"
	}
	chunk, err := ParseByteSize(c.Limits.FileChunkSize)
	if err != nil {
		return fmt.Errorf("limits.file_chunk_size: %w", err)
	}
	if chunk < 4*1024 {
		return fmt.Errorf("limits.file_chunk_size must be at least 4kb, got %s", c.Limits.FileChunkSize)
	}
	if chunk > 16*1024*1024 {
		return fmt.Errorf("limits.file_chunk_size must be at most 16mb, got %s", c.Limits.FileChunkSize)
	}
	c.Limits.FileChunkRaw = chunk

	// TLS é opcional, mas cert e key andam juntos.
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// O TTL de uploads vale mesmo sem snapshots: a varredura de uploads
	// vencidos roda independente do job de archive.
	if c.Snapshot.UploadTTL == "" {
		c.Snapshot.UploadTTL = "72h"
	}
	if c.Snapshot.Enabled {
		if c.Snapshot.Schedule == "" {
			c.Snapshot.Schedule = "0 3 * * *"
		}
		if c.Snapshot.Keep <= 0 {
			c.Snapshot.Keep = 5
		}
		if c.Snapshot.Compression == "" {
			c.Snapshot.Compression = CompressionGzip
		}
		c.Snapshot.Compression = strings.ToLower(strings.TrimSpace(c.Snapshot.Compression))
		if c.Snapshot.Compression != CompressionGzip && c.Snapshot.Compression != CompressionZstd {
			return fmt.Errorf("snapshot.compression must be gzip or zst, got %q", c.Snapshot.Compression)
		}
		if c.Snapshot.S3.Enabled {
			if c.Snapshot.S3.Bucket == "" {
				return fmt.Errorf("snapshot.s3.bucket is required when s3 offload is enabled")
			}
			if c.Snapshot.S3.Region == "" {
				return fmt.Errorf("snapshot.s3.region is required when s3 offload is enabled")
			}
		}
	}

	if c.Stats.Interval == "" {
		c.Stats.Interval = "60s"
	}

	if c.WebUI.Enabled {
		if c.WebUI.Listen == "" {
			c.WebUI.Listen = "127.0.0.1:9481"
		}
		if c.WebUI.ReadTimeout <= 0 {
			c.WebUI.ReadTimeout = 5 * time.Second
		}
		if c.WebUI.WriteTimeout <= 0 {
			c.WebUI.WriteTimeout = 15 * time.Second
		}
		if c.WebUI.IdleTimeout <= 0 {
			c.WebUI.IdleTimeout = 60 * time.Second
		}
		if c.WebUI.EventsFile == "" {
			c.WebUI.EventsFile = "events.jsonl"
		}
		if c.WebUI.EventsMaxLines <= 0 {
			c.WebUI.EventsMaxLines = 10000
		}
		origins := c.WebUI.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"127.0.0.1/32", "::1/128"}
		}
		c.WebUI.ParsedCIDRs = nil
		for _, origin := range origins {
			cidr := strings.TrimSpace(origin)
			if cidr == "" {
				continue
			}
			// Aceita IP puro como /32 ou /128.
			if !strings.Contains(cidr, "/") {
				if strings.Contains(cidr, ":") {
					cidr += "/128"
				} else {
					cidr += "/32"
				}
			}
			_, parsed, err := net.ParseCIDR(cidr)
			if err != nil {
				return fmt.Errorf("web_ui.allow_origins: invalid entry %q: %w", origin, err)
			}
			c.WebUI.ParsedCIDRs = append(c.WebUI.ParsedCIDRs, parsed)
		}
	}

	return nil
}
