// Package config handles configuration loading for the bridge.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows gateway passwords
// and redis credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - server: the local listener clients send their requests to
//   - processor: request processing knobs (compression, timestamp skew, logging)
//   - gateways: the gateway accounts requests may be sent to
//   - keystore: where certificates and keys are kept
//   - policies: static policy documents and the shared redis policy cache
//   - transport: HTTP timeouts and TLS settings
//   - metrics: Prometheus endpoint
//
// # Example Configuration
//
//	processor:
//	  createdSkewMillis: 60000
//	  expiresSkewMillis: 60000
//
//	gateways:
//	  - id: main
//	    serverUrl: http://gateway.example.com:8080/ssg/soap
//	    sslPort: 8443
//	    username: alice
//	    password: ${GATEWAY_PASSWORD}
//
//	keystore:
//	  dir: /var/lib/wsbridge/keys
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSkewMillis is the grace period applied to response timestamps.
const DefaultSkewMillis = 60000

// DefaultLogByteLimit caps logged request and response bodies.
const DefaultLogByteLimit = 512 * 1024

// DefaultMaxResponseBytes caps decoded gateway responses.
const DefaultMaxResponseBytes = 32 << 20

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Processor ProcessorConfig `yaml:"processor"`
	Gateways  []GatewayConfig `yaml:"gateways"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Policies  PoliciesConfig  `yaml:"policies"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the local listener settings
type ServerConfig struct {
	Listen      string    `yaml:"listen"`
	BasePath    string    `yaml:"basePath"`
	MaxBodySize int64     `yaml:"maxBodySize"`
	TLS         TLSConfig `yaml:"tls"`
}

// TLSConfig holds listener certificate settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// ProcessorConfig holds the message processor settings
type ProcessorConfig struct {
	Compress              bool `yaml:"compress"`
	HTTPHeaderPassthrough bool `yaml:"httpHeaderPassthrough"`
	// TimestampExpiryMillis is the lifetime of request timestamps; 0 uses
	// the decorator default.
	TimestampExpiryMillis int64 `yaml:"timestampExpiryMillis"`
	// Negative skews disable the corresponding response timestamp check.
	CreatedSkewMillis *int64 `yaml:"createdSkewMillis"`
	ExpiresSkewMillis *int64 `yaml:"expiresSkewMillis"`
	ActorNamespaced   bool   `yaml:"actorNamespaced"`
	// StripAllSecurityHeaders removes every processed response Security
	// header; false keeps those not addressed to the bridge. Default true.
	StripAllSecurityHeaders *bool `yaml:"stripAllSecurityHeaders"`
	// CompressionLevel is the gzip level for compressed requests; 0 uses
	// the gzip default.
	CompressionLevel int `yaml:"compressionLevel"`
	// MaxResponseBytes caps decoded gateway responses.
	MaxResponseBytes int64 `yaml:"maxResponseBytes"`

	LogPosts             bool `yaml:"logPosts"`
	LogPostsByteLimit    int  `yaml:"logPostsByteLimit"`
	LogResponse          bool `yaml:"logResponse"`
	LogResponseByteLimit int  `yaml:"logResponseByteLimit"`
	LogPolicies          bool `yaml:"logPolicies"`
}

// GatewayConfig describes one gateway account
type GatewayConfig struct {
	ID                         string            `yaml:"id"`
	ServerURL                  string            `yaml:"serverUrl"`
	SSLPort                    int               `yaml:"sslPort"`
	UseSSLByDefault            *bool             `yaml:"useSslByDefault"`
	Generic                    bool              `yaml:"generic"`
	ChainCredentialsFromClient bool              `yaml:"chainCredentialsFromClient"`
	HTTPHeaderPassthrough      bool              `yaml:"httpHeaderPassthrough"`
	PassthroughHeaders         []string          `yaml:"passthroughHeaders"`
	Compress                   bool              `yaml:"compress"`
	UseWsaMessageID            bool              `yaml:"useWsaMessageId"`
	WsaNamespace               string            `yaml:"wsaNamespace"`
	TrustedGateway             string            `yaml:"trustedGateway"`
	ClockOffset                time.Duration     `yaml:"clockOffset"`
	Username                   string            `yaml:"username"`
	Password                   string            `yaml:"password"`
	Properties                 map[string]string `yaml:"properties"`
}

// KeystoreConfig holds certificate storage settings
type KeystoreConfig struct {
	Dir          string           `yaml:"dir"`
	CSRPath      string           `yaml:"csrPath"`
	ProbeTimeout time.Duration    `yaml:"probeTimeout"`
	Revocation   RevocationConfig `yaml:"revocation"`
}

// RevocationConfig holds client certificate revocation checking settings
type RevocationConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Strict       bool          `yaml:"strict"`
	CRLFallback  bool          `yaml:"crlFallback"`
	Timeout      time.Duration `yaml:"timeout"`
	CacheTimeout time.Duration `yaml:"cacheTimeout"`
}

// PoliciesConfig holds policy cache settings
type PoliciesConfig struct {
	// Dir contains YAML policy documents loaded at startup
	Dir           string      `yaml:"dir"`
	DiscoveryPath string      `yaml:"discoveryPath"`
	Redis         RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// TransportConfig holds HTTP client settings
type TransportConfig struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	MinTLSVersion  string        `yaml:"minTLSVersion"`
}

// MetricsConfig holds observability settings. Metrics are served by the
// local listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:7700"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/gateway"
	}
	if c.Server.MaxBodySize == 0 {
		c.Server.MaxBodySize = 32 << 20
	}

	p := &c.Processor
	if p.CreatedSkewMillis == nil {
		v := int64(DefaultSkewMillis)
		p.CreatedSkewMillis = &v
	}
	if p.ExpiresSkewMillis == nil {
		v := int64(DefaultSkewMillis)
		p.ExpiresSkewMillis = &v
	}
	if p.StripAllSecurityHeaders == nil {
		v := true
		p.StripAllSecurityHeaders = &v
	}
	if p.MaxResponseBytes == 0 {
		p.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if p.LogPostsByteLimit == 0 {
		p.LogPostsByteLimit = DefaultLogByteLimit
	}
	if p.LogResponseByteLimit == 0 {
		p.LogResponseByteLimit = DefaultLogByteLimit
	}

	for i := range c.Gateways {
		gw := &c.Gateways[i]
		if gw.SSLPort == 0 {
			gw.SSLPort = 8443
		}
		if gw.UseSSLByDefault == nil {
			v := true
			gw.UseSSLByDefault = &v
		}
	}

	if c.Keystore.Dir == "" {
		c.Keystore.Dir = "./keystore"
	}
	if c.Keystore.CSRPath == "" {
		c.Keystore.CSRPath = "/ssg/csr"
	}
	if c.Keystore.ProbeTimeout == 0 {
		c.Keystore.ProbeTimeout = 30 * time.Second
	}
	if c.Keystore.Revocation.Timeout == 0 {
		c.Keystore.Revocation.Timeout = 10 * time.Second
	}
	if c.Keystore.Revocation.CacheTimeout == 0 {
		c.Keystore.Revocation.CacheTimeout = time.Hour
	}

	if c.Policies.DiscoveryPath == "" {
		c.Policies.DiscoveryPath = "/ssg/policy/disco"
	}
	if c.Policies.Redis.TTL == 0 {
		c.Policies.Redis.TTL = time.Hour
	}

	if c.Transport.ConnectTimeout == 0 {
		c.Transport.ConnectTimeout = 30 * time.Second
	}
	if c.Transport.ReadTimeout == 0 {
		c.Transport.ReadTimeout = 60 * time.Second
	}
	if c.Transport.MinTLSVersion == "" {
		c.Transport.MinTLSVersion = "1.2"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	if len(c.Gateways) == 0 {
		return fmt.Errorf("at least one gateway is required")
	}

	ids := make(map[string]bool, len(c.Gateways))
	for _, gw := range c.Gateways {
		if gw.ID == "" {
			return fmt.Errorf("gateways: id is required")
		}
		if ids[gw.ID] {
			return fmt.Errorf("gateways: duplicate id '%s'", gw.ID)
		}
		ids[gw.ID] = true
		if gw.ServerURL == "" {
			return fmt.Errorf("gateway '%s': serverUrl is required", gw.ID)
		}
	}
	for _, gw := range c.Gateways {
		if gw.TrustedGateway == "" {
			continue
		}
		if gw.TrustedGateway == gw.ID {
			return fmt.Errorf("gateway '%s': cannot trust itself", gw.ID)
		}
		if !ids[gw.TrustedGateway] {
			return fmt.Errorf("gateway '%s': unknown trustedGateway '%s'", gw.ID, gw.TrustedGateway)
		}
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls: certFile and keyFile are required")
	}

	if l := c.Processor.CompressionLevel; l < -2 || l > 9 {
		return fmt.Errorf("processor.compressionLevel must be between -2 and 9, got %d", l)
	}

	switch c.Transport.MinTLSVersion {
	case "1.2", "1.3":
	default:
		return fmt.Errorf("transport.minTLSVersion must be '1.2' or '1.3', got '%s'", c.Transport.MinTLSVersion)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got '%s'", c.Log.Format)
	}

	return nil
}
