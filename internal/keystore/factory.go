package keystore

import (
	"log/slog"

	"github.com/sirosfoundation/go-wsbridge/internal/config"
	"github.com/sirosfoundation/go-wsbridge/pkg/security"
)

// NewFromConfig creates a FileManager with an HTTP issuer and, if enabled,
// OCSP revocation checking of the client certificate.
func NewFromConfig(cfg *config.KeystoreConfig, logger *slog.Logger) (*FileManager, error) {
	opts := FileOptions{
		Dir:          cfg.Dir,
		ProbeTimeout: cfg.ProbeTimeout,
		Logger:       logger,
	}
	if cfg.Revocation.Enabled {
		opts.Revocation = security.NewOCSPRevocationChecker(&security.OCSPConfig{
			Timeout:      cfg.Revocation.Timeout,
			CRLFallback:  cfg.Revocation.CRLFallback,
			CacheTimeout: cfg.Revocation.CacheTimeout,
			StrictMode:   cfg.Revocation.Strict,
		})
	}

	m, err := NewFileManager(opts)
	if err != nil {
		return nil, err
	}
	issuer := NewHTTPIssuer(m, logger)
	if cfg.CSRPath != "" {
		issuer.Path = cfg.CSRPath
	}
	m.opts.Issuer = issuer
	return m, nil
}
