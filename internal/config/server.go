// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
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

// MaxSessionSize é o teto rígido para o tamanho declarado de um upload (5 GiB).
const MaxSessionSize int64 = 5 * 1024 * 1024 * 1024

// ServerConfig representa a configuração completa do nupload-server.
type ServerConfig struct {
	Server      ServerInfo      `yaml:"server"`
	Storage     StorageInfo     `yaml:"storage"`
	Database    DatabaseInfo    `yaml:"database"`
	Compression CompressionInfo `yaml:"compression"`
	Throttle    ThrottleInfo    `yaml:"throttle"`
	Transfer    TransferInfo    `yaml:"transfer"`
	Dedup       DedupInfo       `yaml:"dedup"`
	Retry       RetryInfo       `yaml:"retry"`
	Scanner     ScannerInfo     `yaml:"scanner"`
	Access      AccessInfo      `yaml:"access"`
	Batch       BatchInfo       `yaml:"batch"`
	Sweep       SweepInfo       `yaml:"sweep"`
	Monitor     MonitorInfo     `yaml:"monitor"`
	WebUI       WebUIConfig     `yaml:"web_ui"`
	Logging     LoggingInfo     `yaml:"logging"`
	Client      ClientInfo      `yaml:"client"`
}

// ServerInfo identifica a instância.
type ServerInfo struct {
	Name string `yaml:"name"` // default: "nupload"
}

// StorageInfo configura onde chunks e artefatos montados são gravados.
type StorageInfo struct {
	Backend     string `yaml:"backend"`      // local|s3 (default: local)
	BaseDir     string `yaml:"base_dir"`     // chunks (local) e área temporária de montagem
	ArtifactDir string `yaml:"artifact_dir"` // default: {base_dir}/artifacts
	S3          S3Info `yaml:"s3"`
}

// S3Info contém os parâmetros do bucket quando storage.backend = s3.
type S3Info struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // opcional (MinIO, LocalStack)
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"` // vazio = cadeia default de credenciais
	SecretAccessKey string `yaml:"secret_access_key"`
}

// DatabaseInfo seleciona o repositório de metadados de sessões e chunks.
type DatabaseInfo struct {
	Driver string `yaml:"driver"` // memory|sqlite (default: memory)
	DSN    string `yaml:"dsn"`    // obrigatório para sqlite
}

// CompressionInfo configura o engine de compressão por chunk.
type CompressionInfo struct {
	Enabled          bool    `yaml:"enabled"`
	Codec            string  `yaml:"codec"`             // zst|gzip (default: zst)
	MinSize          string  `yaml:"min_size"`          // default: 1kb
	MinSizeRaw       int64   `yaml:"-"`                 // valor parseado em bytes
	EntropyThreshold float64 `yaml:"entropy_threshold"` // bits/byte (default: 7.5)
}

// ThrottleInfo configura o teto global de banda.
type ThrottleInfo struct {
	KBps int64 `yaml:"kbps"` // KiB/s; 0 = sem limite
}

// TransferInfo configura o coordenador de transferência paralela.
type TransferInfo struct {
	MaxConcurrent     int           `yaml:"max_concurrent"`     // default: 3
	ChunkTimeout      time.Duration `yaml:"chunk_timeout"`      // default: 30s
	MaxChunkFailures  int           `yaml:"max_chunk_failures"` // default: 5
	MaxSessionSize    string        `yaml:"max_session_size"`   // default: 5gb (nunca acima de 5gb)
	MaxSessionSizeRaw int64         `yaml:"-"`
}

// DedupInfo controla a deduplicação entre sessões distintas do mesmo owner.
type DedupInfo struct {
	CrossSession bool `yaml:"cross_session"`
}

// ScannerInfo configura o antivírus invocado após a montagem.
type ScannerInfo struct {
	Mode       string        `yaml:"mode"`    // none|signature|clamd (default: signature)
	Address    string        `yaml:"address"` // clamd: host:port
	Timeout    time.Duration `yaml:"timeout"` // default: 60s
	Signatures []string      `yaml:"signatures"`
}

// AccessInfo mapeia owners para os escopos onde podem criar uploads.
// Vazio = todos autorizados.
type AccessInfo struct {
	Owners map[string][]string `yaml:"owners"`
}

// BatchInfo seleciona o agregador de lotes.
type BatchInfo struct {
	Backend   string    `yaml:"backend"` // memory|redis (default: memory)
	Redis     RedisInfo `yaml:"redis"`
	KeyPrefix string    `yaml:"key_prefix"` // default: "nupload:batch:"
}

// RedisInfo contém o endereço do Redis usado pelo agregador compartilhado.
type RedisInfo struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SweepInfo configura a limpeza periódica de sessões expiradas.
type SweepInfo struct {
	Schedule   string        `yaml:"schedule"`    // cron (default: "*/10 * * * *")
	PendingTTL time.Duration `yaml:"pending_ttl"` // default: 1h
	FailedTTL  time.Duration `yaml:"failed_ttl"`  // default: 24h
}

// MonitorInfo configura o monitor de sistema e a reserva mínima de disco.
type MonitorInfo struct {
	Interval       time.Duration `yaml:"interval"`      // default: 15s
	MinFreeDisk    string        `yaml:"min_free_disk"` // default: 512mb
	MinFreeDiskRaw int64         `yaml:"-"`
}

// WebUIConfig configura o listener HTTP de observabilidade.
type WebUIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default: "127.0.0.1:9850"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	AllowOrigins []string      `yaml:"allow_origins"` // IP ou CIDR (deny-by-default)
	TLS          WebTLSInfo    `yaml:"tls"`

	// Persistência de eventos
	EventsFile     string `yaml:"events_file"`      // default: "events.jsonl"
	EventsMaxLines int    `yaml:"events_max_lines"` // default: 10000

	// Persistência de histórico de sessões finalizadas
	SessionHistoryFile     string `yaml:"session_history_file"`      // default: "session-history.jsonl"
	SessionHistoryMaxLines int    `yaml:"session_history_max_lines"` // default: 5000

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// WebTLSInfo habilita HTTPS no web UI. Com ca_cert o client precisa
// apresentar certificado assinado pela CA (mTLS).
type WebTLSInfo struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// Enabled indica se o listener deve usar TLS.
func (t WebTLSInfo) Enabled() bool { return t.ServerCert != "" }

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
	if c.Server.Name == "" {
		c.Server.Name = "nupload"
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for sqlite")
		}
	default:
		return fmt.Errorf("database.driver must be memory or sqlite, got %q", c.Database.Driver)
	}

	// Compression defaults
	c.Compression.Codec = strings.ToLower(strings.TrimSpace(c.Compression.Codec))
	if c.Compression.Codec == "" {
		c.Compression.Codec = "zst"
	}
	if c.Compression.Codec != "zst" && c.Compression.Codec != "gzip" {
		return fmt.Errorf("compression.codec must be zst or gzip, got %q", c.Compression.Codec)
	}
	if c.Compression.MinSize == "" {
		c.Compression.MinSize = "1kb"
	}
	minSize, err := ParseByteSize(c.Compression.MinSize)
	if err != nil {
		return fmt.Errorf("compression.min_size: %w", err)
	}
	c.Compression.MinSizeRaw = minSize
	if c.Compression.EntropyThreshold <= 0 {
		c.Compression.EntropyThreshold = 7.5
	}
	if c.Compression.EntropyThreshold > 8 {
		return fmt.Errorf("compression.entropy_threshold must be <= 8, got %.2f", c.Compression.EntropyThreshold)
	}

	if c.Throttle.KBps < 0 {
		return fmt.Errorf("throttle.kbps must be >= 0, got %d", c.Throttle.KBps)
	}

	// Transfer defaults
	if c.Transfer.MaxConcurrent <= 0 {
		c.Transfer.MaxConcurrent = 3
	}
	if c.Transfer.MaxConcurrent > 64 {
		return fmt.Errorf("transfer.max_concurrent must be at most 64, got %d", c.Transfer.MaxConcurrent)
	}
	if c.Transfer.ChunkTimeout <= 0 {
		c.Transfer.ChunkTimeout = 30 * time.Second
	}
	if c.Transfer.MaxChunkFailures <= 0 {
		c.Transfer.MaxChunkFailures = 5
	}
	if c.Transfer.MaxSessionSize == "" {
		c.Transfer.MaxSessionSize = "5gb"
	}
	maxSize, err := ParseByteSize(c.Transfer.MaxSessionSize)
	if err != nil {
		return fmt.Errorf("transfer.max_session_size: %w", err)
	}
	if maxSize <= 0 || maxSize > MaxSessionSize {
		return fmt.Errorf("transfer.max_session_size must be between 1b and 5gb, got %s", c.Transfer.MaxSessionSize)
	}
	c.Transfer.MaxSessionSizeRaw = maxSize

	c.Retry.applyDefaults()

	// Scanner
	c.Scanner.Mode = strings.ToLower(strings.TrimSpace(c.Scanner.Mode))
	if c.Scanner.Mode == "" {
		c.Scanner.Mode = "signature"
	}
	switch c.Scanner.Mode {
	case "none", "signature":
	case "clamd":
		if c.Scanner.Address == "" {
			return fmt.Errorf("scanner.address is required for clamd")
		}
	default:
		return fmt.Errorf("scanner.mode must be none, signature or clamd, got %q", c.Scanner.Mode)
	}
	if c.Scanner.Timeout <= 0 {
		c.Scanner.Timeout = 60 * time.Second
	}

	for owner, scopes := range c.Access.Owners {
		if owner == "" {
			return fmt.Errorf("access.owners: empty owner name")
		}
		if len(scopes) == 0 {
			return fmt.Errorf("access.owners.%s must have at least one scope", owner)
		}
	}

	// Batch aggregator
	c.Batch.Backend = strings.ToLower(strings.TrimSpace(c.Batch.Backend))
	if c.Batch.Backend == "" {
		c.Batch.Backend = "memory"
	}
	switch c.Batch.Backend {
	case "memory":
	case "redis":
		if c.Batch.Redis.Addr == "" {
			return fmt.Errorf("batch.redis.addr is required for redis backend")
		}
	default:
		return fmt.Errorf("batch.backend must be memory or redis, got %q", c.Batch.Backend)
	}
	if c.Batch.KeyPrefix == "" {
		c.Batch.KeyPrefix = "nupload:batch:"
	}

	// Sweep
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "*/10 * * * *"
	}
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		return fmt.Errorf("sweep.schedule: invalid cron expression %q: %w", c.Sweep.Schedule, err)
	}
	if c.Sweep.PendingTTL <= 0 {
		c.Sweep.PendingTTL = time.Hour
	}
	if c.Sweep.FailedTTL <= 0 {
		c.Sweep.FailedTTL = 24 * time.Hour
	}

	// Monitor
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 15 * time.Second
	}
	if c.Monitor.MinFreeDisk == "" {
		c.Monitor.MinFreeDisk = "512mb"
	}
	minFree, err := ParseByteSize(c.Monitor.MinFreeDisk)
	if err != nil {
		return fmt.Errorf("monitor.min_free_disk: %w", err)
	}
	c.Monitor.MinFreeDiskRaw = minFree

	if err := c.validateWebUI(); err != nil {
		return err
	}

	c.Logging.applyDefaults()

	if err := c.Client.validate(); err != nil {
		return err
	}
	return c.validateThrottleTimeout()
}

// validateThrottleTimeout garante que um chunk do CLI consegue passar pelo
// teto de banda antes de estourar transfer.chunk_timeout.
func (c *ServerConfig) validateThrottleTimeout() error {
	if c.Throttle.KBps <= 0 {
		return nil
	}
	minDuration := time.Duration(float64(c.Client.ChunkSizeRaw) / float64(c.Throttle.KBps*1024) * float64(time.Second))
	if minDuration >= c.Transfer.ChunkTimeout {
		return fmt.Errorf("client.chunk_size %s needs %s at throttle.kbps %d, must be below transfer.chunk_timeout %s",
			c.Client.ChunkSize, minDuration.Round(time.Millisecond), c.Throttle.KBps, c.Transfer.ChunkTimeout)
	}
	return nil
}

func (c *ServerConfig) validateStorage() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.ArtifactDir == "" {
			c.Storage.ArtifactDir = c.Storage.BaseDir + "/artifacts"
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for s3 backend")
		}
		if c.Storage.S3.Region == "" {
			c.Storage.S3.Region = "us-east-1"
		}
		if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("storage.backend must be local or s3, got %q", c.Storage.Backend)
	}
	return nil
}

func (c *ServerConfig) validateWebUI() error {
	if !c.WebUI.Enabled {
		return nil
	}
	if c.WebUI.Listen == "" {
		c.WebUI.Listen = "127.0.0.1:9850"
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
	if c.WebUI.SessionHistoryFile == "" {
		c.WebUI.SessionHistoryFile = "session-history.jsonl"
	}
	if c.WebUI.SessionHistoryMaxLines <= 0 {
		c.WebUI.SessionHistoryMaxLines = 5000
	}
	if (c.WebUI.TLS.ServerCert == "") != (c.WebUI.TLS.ServerKey == "") {
		return fmt.Errorf("web_ui.tls.server_cert and web_ui.tls.server_key must be set together")
	}
	if c.WebUI.TLS.CACert != "" && !c.WebUI.TLS.Enabled() {
		return fmt.Errorf("web_ui.tls.ca_cert requires web_ui.tls.server_cert")
	}
	if len(c.WebUI.AllowOrigins) == 0 {
		return fmt.Errorf("web_ui.allow_origins is required when web_ui is enabled (deny-by-default)")
	}
	for _, origin := range c.WebUI.AllowOrigins {
		_, cidr, err := net.ParseCIDR(origin)
		if err != nil {
			// Tenta como IP único → converte para /32 ou /128
			ip := net.ParseIP(strings.TrimSpace(origin))
			if ip == nil {
				return fmt.Errorf("web_ui.allow_origins: %q is not a valid IP or CIDR", origin)
			}
			if ip.To4() != nil {
				_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
			} else {
				_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
			}
		}
		c.WebUI.ParsedCIDRs = append(c.WebUI.ParsedCIDRs, cidr)
	}
	return nil
}
