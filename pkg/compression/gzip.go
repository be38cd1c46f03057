// Package compression implements gzip content-encoding for gateway exchanges
package compression

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrBodyTooLarge is returned when a decoded body exceeds the read limit
var ErrBodyTooLarge = errors.New("body exceeds size limit")

const (
	// EncodingGzip is the content-encoding token for gzip bodies
	EncodingGzip = "gzip"

	// HeaderContentEncoding is the header that announces a compressed body
	HeaderContentEncoding = "Content-Encoding"
)

// Compressor handles body compression
type Compressor struct {
	compressionLevel int
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor() *Compressor {
	return &Compressor{
		compressionLevel: gzip.DefaultCompression,
	}
}

// NewCompressorWithLevel creates a compressor using a gzip level between
// gzip.HuffmanOnly and gzip.BestCompression.
func NewCompressorWithLevel(level int) (*Compressor, error) {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("invalid gzip compression level %d", level)
	}
	return &Compressor{
		compressionLevel: level,
	}, nil
}

// Compress compresses data using GZIP
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, c.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// IsGzipEncoded reports whether a content-encoding header value names gzip.
func IsGzipEncoded(contentEncoding string) bool {
	return strings.Contains(strings.ToLower(contentEncoding), EncodingGzip)
}

// DecodeBody returns a reader yielding the decoded body. Bodies whose
// content-encoding does not name gzip are returned unchanged.
func DecodeBody(body io.Reader, contentEncoding string) (io.Reader, error) {
	if body == nil || !IsGzipEncoded(contentEncoding) {
		return body, nil
	}
	reader, err := gzip.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return reader, nil
}

// ReadBody decodes body according to contentEncoding and reads it in full.
// Decoded bodies larger than limit bytes fail with ErrBodyTooLarge; a
// limit of 0 or less reads without a limit.
func ReadBody(body io.Reader, contentEncoding string, limit int64) ([]byte, error) {
	r, err := DecodeBody(body, contentEncoding)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}
