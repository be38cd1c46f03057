// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message provides the request and response messages handled by the
bridge, backed by a lazily parsed etree DOM.

# Messages

A Message holds the raw body, the outer content type, transport headers and,
for responses, the HTTP status:

	msg := message.New(body, "text/xml; charset=utf-8")
	if msg.IsSOAP() {
	    doc, err := msg.Document()
	    ...
	}

The body is parsed on first access to Document. Once parsed, the DOM is the
authoritative copy and Bytes serialises it.

# SOAP Helpers

The package knows the SOAP 1.1 and 1.2 envelopes and exposes helpers for
the header blocks the bridge manipulates:

  - WS-Addressing and L7a MessageID headers
  - wsse:Security headers, optionally selected by actor/role
  - SOAP faults (faultcode or Code/Value)

# References

  - SOAP 1.1: https://www.w3.org/TR/2000/NOTE-SOAP-20000508/
  - SOAP 1.2: https://www.w3.org/TR/soap12-part1/
  - WS-Addressing: https://www.w3.org/TR/ws-addr-core/
*/
package message
