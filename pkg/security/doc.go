// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security implements the WS-Security header handling used by the bridge.

A Decorator adds a wsse:Security header to an outbound request according to
DecorationRequirements. The default HeaderDecorator writes:

  - wsu:Timestamp with Created and Expires
  - wsse:UsernameToken with a PasswordText password
  - wsse:BinarySecurityToken for an X.509 sender certificate or Kerberos ticket
  - SAML assertions supplied by a token strategy
  - wsc:SecurityContextToken for an established secure conversation

A Processor reads the security header of a response. HeaderProcessor picks
the header addressed to the caller's actor, the bridge actor, or the default
header, and reports the timestamp and tokens it found:

	result, err := security.NewHeaderProcessor().Process(doc, security.ProcessOptions{
	    ContextFinder: sessions,
	})

Certificates are validated with ChainValidator, and client certificates issued
by a gateway can be checked for revocation with OCSPRevocationChecker.

# References

  - WS-Security 1.1.1: https://docs.oasis-open.org/wss/v1.1/
  - WS-SecureConversation: http://schemas.xmlsoap.org/ws/2005/02/sc
*/
package security
