package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openuds/udstunnel/internal/obs"
)

const DefaultPath = "/etc/udstunnel.conf"

const invalidConfigPrefix = "invalid config"

const (
	defaultListenAddress    = "0.0.0.0"
	defaultListenPort       = 443
	defaultHandshakeWorkers = 8
	defaultHandshakeTimeout = 3 * time.Second
	defaultCommandTimeout   = 3 * time.Second
	defaultConnectTimeout   = 5 * time.Second
	defaultGracePeriod      = 10 * time.Second
	defaultBacklog          = 100
	defaultRateBurst        = 10
	defaultUDSTimeout       = 10 * time.Second
	defaultUDSRetries       = 3
	defaultLogSize          = 32 * 1024 * 1024
	defaultLogNumber        = 3
	defaultRedisPrefix      = "udstunnel"
	defaultFlushInterval    = 5 * time.Second
	defaultMinTLSVersion    = "1.2"
)

// ServerConfig is loaded once at startup and never mutated afterwards.
type ServerConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogSize   int64  `yaml:"log_size"`
	LogNumber uint   `yaml:"log_number"`

	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"`
	IPv6          bool   `yaml:"ipv6"`

	Workers          int      `yaml:"workers"`
	HandshakeWorkers int      `yaml:"handshake_workers"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	CommandTimeout   Duration `yaml:"command_timeout"`
	ConnectTimeout   Duration `yaml:"connect_timeout"`
	IdleTimeout      Duration `yaml:"idle_timeout"`
	GracePeriod      Duration `yaml:"grace_period"`
	Backlog          int      `yaml:"backlog"`
	MaxConnections   int      `yaml:"max_connections"`
	RateLimit        float64  `yaml:"rate_limit"`
	RateBurst        int      `yaml:"rate_burst"`

	PidFile string `yaml:"pidfile"`
	User    string `yaml:"user"`

	SSLCertificate    string `yaml:"ssl_certificate"`
	SSLCertificateKey string `yaml:"ssl_certificate_key"`
	SSLCiphers        string `yaml:"ssl_ciphers"`
	SSLMinVersion     string `yaml:"ssl_min_version"`

	UDSServer    string   `yaml:"uds_server"`
	UDSToken     string   `yaml:"uds_token"`
	UDSTimeout   Duration `yaml:"uds_timeout"`
	UDSVerifySSL *bool    `yaml:"uds_verify_ssl"`
	UDSRetries   int      `yaml:"uds_retries"`

	Secret string   `yaml:"secret"`
	Allow  []string `yaml:"allow"`

	MetricsAddress string `yaml:"metrics_address"`

	RedisAddress       string   `yaml:"redis_address"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	RedisPrefix        string   `yaml:"redis_prefix"`
	StatsFlushInterval Duration `yaml:"stats_flush_interval"`
}

// Load reads, normalises and validates a YAML config file.
func Load(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data and applies defaults.
func Parse(data []byte) (ServerConfig, error) {
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return Normalize(cfg)
}

// Normalize fills defaults and rejects unusable values.
func Normalize(cfg ServerConfig) (ServerConfig, error) {
	level, err := obs.ParseLevel(cfg.LogLevel)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("%s: %w", invalidConfigPrefix, err)
	}
	cfg.LogLevel = level.String()
	if cfg.LogSize <= 0 {
		cfg.LogSize = defaultLogSize
	}
	if cfg.LogNumber == 0 {
		cfg.LogNumber = defaultLogNumber
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
		if cfg.IPv6 {
			cfg.ListenAddress = "::"
		}
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = defaultListenPort
	}
	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		return ServerConfig{}, fmt.Errorf("%s: listen_port %d out of range", invalidConfigPrefix, cfg.ListenPort)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.HandshakeWorkers <= 0 {
		cfg.HandshakeWorkers = defaultHandshakeWorkers
	}
	if cfg.HandshakeTimeout.Duration <= 0 {
		cfg.HandshakeTimeout.Duration = defaultHandshakeTimeout
	}
	if cfg.CommandTimeout.Duration <= 0 {
		cfg.CommandTimeout.Duration = defaultCommandTimeout
	}
	if cfg.ConnectTimeout.Duration <= 0 {
		cfg.ConnectTimeout.Duration = defaultConnectTimeout
	}
	if cfg.IdleTimeout.Duration < 0 {
		cfg.IdleTimeout.Duration = 0
	}
	if cfg.GracePeriod.Duration <= 0 {
		cfg.GracePeriod.Duration = defaultGracePeriod
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	if cfg.MaxConnections < 0 {
		cfg.MaxConnections = 0
	}
	if cfg.RateLimit < 0 {
		return ServerConfig{}, fmt.Errorf("%s: rate_limit must not be negative", invalidConfigPrefix)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.SSLCertificate == "" && cfg.SSLCertificateKey != "" {
		return ServerConfig{}, fmt.Errorf("%s: ssl_certificate_key given without ssl_certificate", invalidConfigPrefix)
	}
	// A combined PEM carries both blocks.
	if cfg.SSLCertificate != "" && cfg.SSLCertificateKey == "" {
		cfg.SSLCertificateKey = cfg.SSLCertificate
	}
	if cfg.SSLMinVersion == "" {
		cfg.SSLMinVersion = defaultMinTLSVersion
	}
	if _, err := tlsVersion(cfg.SSLMinVersion); err != nil {
		return ServerConfig{}, fmt.Errorf("%s: %w", invalidConfigPrefix, err)
	}
	if _, err := cipherSuites(cfg.SSLCiphers); err != nil {
		return ServerConfig{}, fmt.Errorf("%s: %w", invalidConfigPrefix, err)
	}
	if cfg.UDSServer == "" {
		return ServerConfig{}, fmt.Errorf("%s: uds_server required", invalidConfigPrefix)
	}
	u, err := url.Parse(cfg.UDSServer)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ServerConfig{}, fmt.Errorf("%s: uds_server must be an http(s) url", invalidConfigPrefix)
	}
	cfg.UDSServer = strings.TrimRight(cfg.UDSServer, "/")
	if cfg.UDSToken == "" {
		return ServerConfig{}, fmt.Errorf("%s: uds_token required", invalidConfigPrefix)
	}
	if cfg.UDSTimeout.Duration <= 0 {
		cfg.UDSTimeout.Duration = defaultUDSTimeout
	}
	if cfg.UDSVerifySSL == nil {
		v := true
		cfg.UDSVerifySSL = &v
	}
	if cfg.UDSRetries <= 0 {
		cfg.UDSRetries = defaultUDSRetries
	}
	if len(cfg.Allow) == 0 {
		cfg.Allow = []string{"127.0.0.1", "::1"}
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = defaultRedisPrefix
	}
	if cfg.StatsFlushInterval.Duration <= 0 {
		cfg.StatsFlushInterval.Duration = defaultFlushInterval
	}
	return cfg, nil
}

// ListenAddr is the host:port the tunnel binds to.
func (c ServerConfig) ListenAddr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.ListenPort))
}

// ListenNetwork forces tcp6 when IPv6 was requested or the address is an IPv6 literal.
func (c ServerConfig) ListenNetwork() string {
	if c.IPv6 || strings.Contains(c.ListenAddress, ":") {
		return "tcp6"
	}
	return "tcp4"
}

// LocalAddr is the address a local control invocation should dial to reach the server.
func (c ServerConfig) LocalAddr() string {
	host := c.ListenAddress
	switch host {
	case "0.0.0.0", "":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.ListenPort))
}

func (c ServerConfig) VerifySSL() bool {
	return c.UDSVerifySSL == nil || *c.UDSVerifySSL
}

func (c ServerConfig) TLSEnabled() bool {
	return c.SSLCertificate != ""
}

// Allowed reports whether ip may run the STAT/INFO commands.
func (c ServerConfig) Allowed(ip string) bool {
	for _, a := range c.Allow {
		if a == ip {
			return true
		}
		if _, n, err := net.ParseCIDR(a); err == nil {
			if parsed := net.ParseIP(ip); parsed != nil && n.Contains(parsed) {
				return true
			}
		}
	}
	return false
}
