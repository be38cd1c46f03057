package bridge

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/message"
	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
	"github.com/sirosfoundation/go-wsbridge/pkg/security"
)

// undecorateResponse checks the response against the policy that was
// applied to the request. A few fault codes name stale state the bridge
// can discard before trying again.
func (p *Processor) undecorateResponse(ctx context.Context, rc *RequestContext) error {
	ap := rc.attempt.activePolicy
	if ap == nil {
		return nil
	}
	gw := rc.gw
	logger := p.logger.With("gateway", gw.PeerName())

	if code := faultCode(rc.response); code != "" {
		switch {
		case code == message.FaultCodeSecurityTokenUnavailable && !rc.serverCertUpdated:
			logger.Info("gateway was unable to process the request security; rediscovering its certificate")
			rc.sslPeer = gw
			return failure.New(failure.KindServerCertUntrusted, "gateway reported "+code)
		case rc.scID != "" && code == message.FaultCodeBadContextToken:
			logger.Info("gateway rejected the secure conversation context; closing it")
			rc.closeSecureConversation()
			return failure.New(failure.KindPolicyRetryable, "secure conversation context rejected")
		case rc.attempt.usedKerberos:
			logger.Info("gateway returned a fault for a Kerberos request; discarding the ticket", "fault", code)
			gw.Kerberos.Clear()
			return failure.New(failure.KindPolicyRetryable, "Kerberos ticket discarded")
		case code == message.FaultCodeInvalidSecurityToken && rc.attempt.usedSAML:
			logger.Info("gateway rejected the SAML token; discarding it")
			gw.TokenStrategy.OnTokenRejected()
			return failure.New(failure.KindPolicyRetryable, "SAML token rejected")
		}
	}

	if root := ap.Root(); root != nil {
		status, err := root.UndecorateReply(ctx, rc)
		if err != nil {
			return err
		}
		if status != policy.StatusNone {
			return failure.Errorf(failure.KindConfiguration,
				"unable to undecorate response; policy evaluated with error: %s", status)
		}
	}

	// The response security header is processed even when no assertion
	// asked for it, so that its timestamp is always checked.
	if hasSecurityHeader(rc.response) {
		if _, err := rc.ProcessorResult(); err != nil {
			return err
		}
	}
	return nil
}

// faultCode returns the trimmed fault code of a SOAP fault delivered with
// an error status, or "".
func faultCode(resp *message.Message) string {
	if resp.Status == http.StatusOK || !resp.IsFault() {
		return ""
	}
	detail, err := resp.FaultDetail()
	if err != nil || detail == nil {
		return ""
	}
	return strings.TrimSpace(detail.Code)
}

func hasSecurityHeader(resp *message.Message) bool {
	if !resp.IsSOAP() {
		return false
	}
	doc, err := resp.Document()
	if err != nil {
		return false
	}
	elements, err := message.SecurityElements(doc)
	return err == nil && len(elements) > 0
}

// processResponse runs the security processor over the response, checks
// the freshness of its timestamp and removes the processed header.
func (p *Processor) processResponse(rc *RequestContext) (*security.ProcessorResult, error) {
	if !rc.response.IsSOAP() {
		return nil, nil
	}
	doc, err := rc.response.Document()
	if err != nil {
		return nil, failure.Wrap(failure.KindProcessor, err, "unable to undecorate response")
	}

	result, err := p.wss.Process(doc, security.ProcessOptions{ContextFinder: rc})
	if err != nil {
		if errors.Is(err, security.ErrUnknownSecurityContext) {
			return nil, failure.Wrap(failure.KindBadSecurityContext, err, "unable to undecorate response")
		}
		return nil, failure.Wrap(failure.KindProcessor, err, "unable to undecorate response")
	}
	if result == nil {
		return nil, nil
	}

	if ts := result.Timestamp; ts != nil {
		if !ts.Created.IsZero() {
			ts.Created = rc.gw.FromGatewayTime(ts.Created)
		}
		if !ts.Expires.IsZero() {
			ts.Expires = rc.gw.FromGatewayTime(ts.Expires)
		}
	}
	if err := p.validateProcessorResult(result); err != nil {
		return nil, err
	}
	p.stripSecurityHeader(rc, doc, result)
	return result, nil
}

// validateProcessorResult rejects responses whose timestamp was created
// too far in the future or expired too long ago.
func (p *Processor) validateProcessorResult(result *security.ProcessorResult) error {
	ts := result.Timestamp
	if ts == nil {
		return nil
	}
	now := p.now()
	if skew := p.cfg.CreatedSkew; skew >= 0 && !ts.Created.IsZero() && now.Add(skew).Before(ts.Created) {
		return failure.Errorf(failure.KindResponseValidation, "timestamp is created in the future: %s", ts.Created.UTC().Format(security.TimestampFormat))
	}
	if skew := p.cfg.ExpiresSkew; skew >= 0 && !ts.Expires.IsZero() && !now.Add(-skew).Before(ts.Expires) {
		return failure.Errorf(failure.KindResponseValidation, "timestamp expired: %s", ts.Expires.UTC().Format(security.TimestampFormat))
	}
	return nil
}

// stripSecurityHeader removes the processed Security header. In reluctant
// mode, set for the processor or the gateway, it is kept unless it was
// addressed to the bridge.
func (p *Processor) stripSecurityHeader(rc *RequestContext, doc *etree.Document, result *security.ProcessorResult) {
	reluctant := p.cfg.StripOnlyBridgeSecurityHeader || rc.gw.ReluctantToStripSecurityHeader()
	if reluctant && result.ProcessedActor != security.BridgeActor {
		return
	}
	el, err := message.SecurityElement(doc, result.ProcessedActorURI)
	if err != nil || el == nil {
		return
	}
	message.RemoveElement(el)
	if err := message.RemoveEmptyHeader(doc); err != nil {
		p.logger.Debug("unable to remove empty SOAP header", "error", err)
	}
}
