package gateway

// HTTP headers exchanged with the gateway
const (
	// HeaderPolicyURL tells the bridge where to download a newer policy.
	HeaderPolicyURL = "L7-Policy-Url"
	// HeaderCertStatus reports the state of the presented client certificate.
	HeaderCertStatus = "L7-Cert-Status"
	// HeaderOriginalURL carries the URL the client originally addressed.
	HeaderOriginalURL = "L7-Original-Url"
	// HeaderPolicyVersion carries the version of the policy that was applied.
	HeaderPolicyVersion = "L7-Policy-Version"
)

// Values of HeaderCertStatus
const (
	CertStatusInvalid = "invalid"
	CertStatusStale   = "stale"
)

// UserAgent identifies the bridge to the gateway.
const UserAgent = "go-wsbridge/1.0"
