// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides gzip content-encoding for gateway requests and
responses.

A gateway may ask for compressed traffic, or a gateway account may be
configured to always compress. Outgoing bodies are compressed in full before
they are posted and announced with Content-Encoding: gzip. Responses are
decoded when their content-encoding names gzip.

# Compression

Compress a request body:

	compressor := compression.NewCompressor()
	compressed, err := compressor.Compress(body)

Decode a response stream:

	body, err := compression.DecodeBody(resp.Body, resp.Header.Get("Content-Encoding"))

Read a whole response, refusing bodies that decode to more than limit bytes:

	data, err := compression.ReadBody(resp.Body, resp.Header.Get("Content-Encoding"), limit)
	if errors.Is(err, compression.ErrBodyTooLarge) {
		...
	}

# References

  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
  - HTTP content coding RFC 9110 section 8.4: https://datatracker.ietf.org/doc/html/rfc9110#section-8.4
*/
package compression
