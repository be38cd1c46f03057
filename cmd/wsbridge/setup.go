package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sirosfoundation/go-wsbridge/internal/config"
	"github.com/sirosfoundation/go-wsbridge/internal/keystore"
	"github.com/sirosfoundation/go-wsbridge/internal/metrics"
	"github.com/sirosfoundation/go-wsbridge/pkg/bridge"
	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
	"github.com/sirosfoundation/go-wsbridge/pkg/transport"
)

// app holds the components built from a configuration file.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	gateways  map[string]*gateway.Gateway
	policies  *policy.Managers
	processor *bridge.Processor
	recorder  *metrics.Recorder
	transport *transport.HTTPSClient
	redis     *redis.Client
}

type appOptions struct {
	// Prompt asks for credentials on the terminal instead of using the
	// configured ones.
	Prompt    bool
	LogOutput io.Writer
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	logger, err := newLogger(cfg.Log, opts.LogOutput)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	static := credentials.NewStaticManager()
	a.gateways = cfg.BuildGateways(static)
	var creds credentials.Manager = static
	if opts.Prompt {
		creds = credentials.NewTerminalManager(logger)
	}

	var store policy.Store
	if cfg.Policies.Redis.Address != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Policies.Redis.Address,
			Password: cfg.Policies.Redis.Password,
			DB:       cfg.Policies.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		store = policy.NewRedisStore(a.redis, policy.DefaultRedisPrefix, cfg.Policies.Redis.TTL)
		logger.Info("sharing policies through redis", "addr", cfg.Policies.Redis.Address)
	}
	a.policies = policy.NewManagers(store, logger)
	if cfg.Policies.Dir != "" {
		ids := make([]string, 0, len(a.gateways))
		for id := range a.gateways {
			ids = append(ids, id)
		}
		n, err := a.policies.LoadDir(ctx, cfg.Policies.Dir, ids)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("loaded static policies", "dir", cfg.Policies.Dir, "count", n)
	}

	minTLS, err := tlsVersion(cfg.Transport.MinTLSVersion)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.transport = transport.NewHTTPSClient(&transport.HTTPSConfig{
		MinTLSVersion:   minTLS,
		MaxTLSVersion:   transport.TLS13,
		CipherSuites:    transport.RecommendedTLS12CipherSuites,
		ConnectTimeout:  cfg.Transport.ConnectTimeout,
		Timeout:         cfg.Transport.ReadTimeout,
		IdleConnTimeout: 90 * time.Second,
		Logger:          logger,
	})

	keys, err := keystore.NewFromConfig(&cfg.Keystore, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening keystore: %w", err)
	}

	deps := bridge.Dependencies{
		Policies:    a.policies,
		Credentials: creds,
		KeyStore:    keys,
		Transport:   a.transport,
		Downloader:  policy.NewDownloader(a.transport, cfg.Policies.DiscoveryPath, logger),
		Logger:      logger,
	}
	if cfg.Metrics.Enabled {
		a.recorder = metrics.NewRecorder()
		deps.Observer = a.recorder
	}
	a.processor, err = bridge.NewProcessor(processorConfig(cfg.Processor), deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the connections held by the app.
func (a *app) Close() error {
	if a.transport != nil {
		a.transport.CloseIdleConnections()
	}
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

// processorConfig converts the file settings, kept in milliseconds, to the
// processor's.
func processorConfig(c config.ProcessorConfig) bridge.Config {
	out := bridge.DefaultConfig()
	out.Compress = c.Compress
	out.HTTPHeaderPassthrough = c.HTTPHeaderPassthrough
	out.TimestampExpiry = time.Duration(c.TimestampExpiryMillis) * time.Millisecond
	if c.CreatedSkewMillis != nil {
		out.CreatedSkew = time.Duration(*c.CreatedSkewMillis) * time.Millisecond
	}
	if c.ExpiresSkewMillis != nil {
		out.ExpiresSkew = time.Duration(*c.ExpiresSkewMillis) * time.Millisecond
	}
	out.ActorNamespaced = c.ActorNamespaced
	if c.StripAllSecurityHeaders != nil {
		out.StripOnlyBridgeSecurityHeader = !*c.StripAllSecurityHeaders
	}
	if c.CompressionLevel != 0 {
		out.CompressionLevel = c.CompressionLevel
	}
	if c.MaxResponseBytes > 0 {
		out.MaxResponseSize = c.MaxResponseBytes
	}
	out.LogPosts = c.LogPosts
	out.LogResponse = c.LogResponse
	out.LogPolicies = c.LogPolicies
	if c.LogPostsByteLimit > 0 {
		out.LogPostsByteLimit = c.LogPostsByteLimit
	}
	if c.LogResponseByteLimit > 0 {
		out.LogResponseByteLimit = c.LogResponseByteLimit
	}
	return out
}

func tlsVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return transport.TLS12, nil
	case "1.3":
		return transport.TLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
