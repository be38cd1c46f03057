// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package wsbridge is a client-side bridge to policy-enforcing SOAP gateways.

# Overview

A gateway publishes, for each service it fronts, a security policy: which
transport security, credentials, WS-Security tokens, timestamps and message
identifiers a request must carry. go-wsbridge sits next to a SOAP client and
takes care of all of it. Given a plain request and a gateway, the bridge
looks up the policy, decorates the request accordingly, posts it, validates
and strips the security of the reply and recovers from the failures a
gateway reports: an untrusted or replaced server certificate, a revoked
client certificate, a new policy, rejected credentials or a damaged
keystore.

# Package Structure

	github.com/sirosfoundation/go-wsbridge/pkg/bridge       - Request processing and recovery
	github.com/sirosfoundation/go-wsbridge/pkg/policy       - Policies, assertions, caches and download
	github.com/sirosfoundation/go-wsbridge/pkg/message      - SOAP messages and header helpers
	github.com/sirosfoundation/go-wsbridge/pkg/security     - WS-Security decoration and processing
	github.com/sirosfoundation/go-wsbridge/pkg/gateway      - Gateway accounts and session state
	github.com/sirosfoundation/go-wsbridge/pkg/credentials  - Account credentials
	github.com/sirosfoundation/go-wsbridge/pkg/transport    - HTTPS client
	github.com/sirosfoundation/go-wsbridge/pkg/compression  - gzip bodies
	github.com/sirosfoundation/go-wsbridge/pkg/failure      - Error kinds driving recovery

The wsbridge command (cmd/wsbridge) runs the bridge as a local listener or
sends single requests from the command line.

# Quick Start

	keys, err := keystore.NewFileManager(keystore.FileOptions{Dir: "./keys"})
	if err != nil {
		log.Fatal(err)
	}
	proc, err := bridge.NewProcessor(bridge.DefaultConfig(), bridge.Dependencies{KeyStore: keys})
	if err != nil {
		log.Fatal(err)
	}

	gw := &gateway.Gateway{ID: "main", ServerURL: "http://gw.example.com:8080/ssg/soap", SSLPort: 8443}
	req := message.New(body, "text/xml; charset=utf-8")
	rc, err := proc.NewRequestContext(gw, req, policy.AttachmentKey{URI: "urn:quotes"}, "")
	if err != nil {
		log.Fatal(err)
	}
	defer rc.Close(ctx)

	if err := proc.ProcessMessage(ctx, rc); err != nil {
		log.Fatal(err)
	}
	reply, _ := rc.Response().Bytes()
*/
package wsbridge
