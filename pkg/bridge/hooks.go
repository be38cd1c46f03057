package bridge

import (
	"context"
	"time"

	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
)

// RequestInterceptor observes the messages exchanged with the gateway.
// Implementations must not keep the messages after returning.
type RequestInterceptor interface {
	OnBackEndRequest(rc *RequestContext)
	OnBackEndReply(rc *RequestContext)
	OnPolicyUpdated(gw *gateway.Gateway, key policy.AttachmentKey, p *policy.Policy)
	OnPolicyError(gw *gateway.Gateway, key policy.AttachmentKey, err error)
}

// Recovery names the action taken after a failed attempt.
type Recovery string

const (
	RecoverCredentials      Recovery = "credentials"
	RecoverServerCert       Recovery = "server_certificate"
	RecoverClientCert       Recovery = "client_certificate"
	RecoverTokenService     Recovery = "token_service"
	RecoverRetry            Recovery = "retry"
	RecoverNewCredentials   Recovery = "new_credentials"
	RecoverKeyStore         Recovery = "keystore"
	RecoverPolicyDownloaded Recovery = "policy_download"
)

// Outcome is how a call to ProcessMessage ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	// OutcomeFault means the attempts were exhausted and the gateway's
	// fault was delivered as the response.
	OutcomeFault Outcome = "fault"
	OutcomeError Outcome = "error"
)

// Observer receives processing events, typically to record metrics.
type Observer interface {
	Attempt(gw *gateway.Gateway)
	Recovered(gw *gateway.Gateway, action Recovery)
	Finished(gw *gateway.Gateway, outcome Outcome, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) Attempt(*gateway.Gateway)                          {}
func (nopObserver) Recovered(*gateway.Gateway, Recovery)              {}
func (nopObserver) Finished(*gateway.Gateway, Outcome, time.Duration) {}

func (rc *RequestContext) interceptRequest() {
	if rc.interceptor != nil {
		rc.interceptor.OnBackEndRequest(rc)
	}
}

func (rc *RequestContext) interceptReply() {
	if rc.interceptor != nil {
		rc.interceptor.OnBackEndReply(rc)
	}
}

// closeHook runs when the request context is closed.
type closeHook func(ctx context.Context)
