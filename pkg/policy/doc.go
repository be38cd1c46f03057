// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package policy models the security policies a gateway publishes for its
services and evaluates them against outgoing requests.

A [Policy] is an immutable tree of [Assertion] values with a version and a
validity flag. Once a request fails with a policy the bridge calls
[Policy.Invalidate] and lookups stop returning it until a fresh copy is
downloaded.

# Documents

Policies are written in YAML. A bare name selects an assertion without
settings; a single-key mapping carries settings, or the children of a
composite:

	version: "12"
	key:
	  uri: urn:example:quotes
	policy:
	  all:
	    - ssl:
	        requireClientCert: true
	    - wssTimestamp
	    - oneOrMore:
	        - httpDigest
	        - httpBasic

Additional assertion kinds are made available with [Register].

# Lookup

[MemoryManager] caches the policies of one gateway keyed by
[AttachmentKey]. It may be backed by a [Store] such as [RedisStore] so that
documents downloaded by one bridge instance are visible to the others.
[Downloader] fetches documents from the gateway's policy service when the
gateway signals that the cached copy is out of date.
*/
package policy
