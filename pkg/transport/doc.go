// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the HTTP(S) exchange between the bridge and a
gateway.

A [Client] performs exactly one POST per call and returns the status,
headers and an open body. The bridge decides what to do with the reply;
the transport only authenticates, negotiates TLS and reports failures.

# TLS Configuration

The package defaults to TLS 1.3 with fallback to TLS 1.2:

	config := transport.DefaultHTTPSConfig()
	// MinTLSVersion: TLS 1.2
	// MaxTLSVersion: TLS 1.3

Trust anchors and the client certificate are chosen per request, since
they depend on the gateway being addressed:

	resp, err := client.Do(ctx, &transport.Request{
	    URL:               target,
	    Header:            headers,
	    Body:              body,
	    RootCAs:           serverPool,
	    ClientCertificate: clientCert,
	})

Requests sharing the same trust anchors and client certificate share a
pooled http.Transport.

# Errors

Handshake and certificate verification failures are returned tagged
[failure.KindSSL] so the bridge can run server certificate discovery.

# Authentication

[AuthBasic] sends credentials preemptively. [AuthDigest] waits for the
gateway's Digest challenge and answers it once.

# References

  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - HTTP Digest RFC 2617: https://datatracker.ietf.org/doc/html/rfc2617
*/
package transport
