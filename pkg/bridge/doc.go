// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package bridge sends SOAP requests to a gateway on behalf of a client,
applying the gateway's security policy and recovering from the failures a
policy-enforcing gateway reports.

# Processing

[Processor.ProcessMessage] runs up to [MaxTries] attempts. Each attempt
looks up the policy for the request's [policy.AttachmentKey], decorates a
fresh copy of the request, posts it and undecorates the reply:

	rc, err := proc.NewRequestContext(gw, req, key, originalURL)
	if err != nil {
		return err
	}
	defer rc.Close(ctx)
	if err := proc.ProcessMessage(ctx, rc); err != nil {
		return err
	}
	reply := rc.Response()

When an attempt fails, the error kind selects a recovery: trusting the
gateway's new server certificate, obtaining a client certificate or new
credentials, rebuilding a damaged keystore, or simply trying again after
the gateway published a new policy. Errors with no recovery are returned
to the caller. If every attempt fails and the gateway replied with a SOAP
fault, the fault is delivered as the response.

# Gateway signals

The gateway steers the bridge through response headers. L7-Policy-Url
points to a newer policy, which is downloaded once per request.
L7-Cert-Status reports the client certificate as invalid, in which case a
new one is obtained before retrying, or stale, in which case it is renewed
when the request context is closed.

Session cookies are kept per gateway unless header passthrough is
enabled.
*/
package bridge
