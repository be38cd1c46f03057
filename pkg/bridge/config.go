package bridge

import "time"

// MaxTries bounds the attempts ProcessMessage makes for one request.
const MaxTries = 8

// DefaultSkew is the grace period applied to response timestamps.
const DefaultSkew = 60 * time.Second

// DefaultLogByteLimit caps logged request and response bodies.
const DefaultLogByteLimit = 512 * 1024

// DefaultMaxResponseSize caps decoded gateway responses.
const DefaultMaxResponseSize = 32 << 20

// Config holds the processor settings.
type Config struct {
	// Compress gzips every request body.
	Compress bool
	// CompressionLevel is the gzip level for request bodies; 0 uses
	// gzip.DefaultCompression.
	CompressionLevel int
	// MaxResponseSize is the largest decoded response body accepted from
	// a gateway, in bytes.
	MaxResponseSize int64
	// HTTPHeaderPassthrough copies the allow-listed headers of the
	// original request and leaves cookies to the caller.
	HTTPHeaderPassthrough bool
	// TimestampExpiry is the lifetime of request timestamps; 0 uses the
	// decorator default.
	TimestampExpiry time.Duration
	// CreatedSkew is how far in the future a response timestamp may have
	// been created. Negative disables the check.
	CreatedSkew time.Duration
	// ExpiresSkew is how long after expiry a response timestamp is still
	// accepted. Negative disables the check.
	ExpiresSkew time.Duration
	// ActorNamespaced qualifies the actor attribute of Security headers
	// with the envelope prefix.
	ActorNamespaced bool
	// StripOnlyBridgeSecurityHeader keeps a processed response Security
	// header unless it was addressed to the bridge. Gateways can ask for
	// the same with their stripHeader property.
	StripOnlyBridgeSecurityHeader bool

	LogPosts             bool
	LogPostsByteLimit    int
	LogResponse          bool
	LogResponseByteLimit int
	LogPolicies          bool
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		CreatedSkew:          DefaultSkew,
		ExpiresSkew:          DefaultSkew,
		LogPostsByteLimit:    DefaultLogByteLimit,
		LogResponseByteLimit: DefaultLogByteLimit,
		MaxResponseSize:      DefaultMaxResponseSize,
	}
}
