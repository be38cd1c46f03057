package bridge

import (
	"context"
	"errors"
	"strings"

	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/message"
	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
)

// enforcePolicy decorates the request according to the policy that
// applies to it. Without a policy the request is sent as is, unless the
// gateway requires TLS by default.
func (p *Processor) enforcePolicy(ctx context.Context, rc *RequestContext) error {
	logger := p.logger.With("gateway", rc.gw.PeerName())

	pol := p.policies.For(rc.gw).FindMatchingPolicy(ctx, rc.key)
	if pol != nil && !pol.Valid() {
		logger.Warn("ignoring this policy, it has previously failed", "key", rc.key.String())
		pol = nil
	}
	if pol == nil {
		if !rc.gw.UseSSLByDefault {
			rc.attempt.activePolicy = nil
			logger.Debug("no policy found for request", "key", rc.key.String())
			return nil
		}
		pol = policy.SSLPolicy()
	}
	rc.attempt.activePolicy = pol

	if p.cfg.LogPolicies {
		var tree strings.Builder
		_ = policy.Dump(&tree, pol.Root())
		logger.Info("applying policy", "version", pol.Version(), "policy", tree.String())
	}

	status, err := p.decorate(ctx, rc)
	if err != nil {
		if failure.KindOf(err) == failure.KindPolicyAssertion {
			pol.Invalidate()
		}
		return err
	}
	if status == policy.StatusNone {
		if err := p.applyRequestMessageID(rc); err != nil {
			return err
		}
		return p.applyWssDecorations(rc)
	}

	if rc.attempt.authMissing {
		if rc.gw.Federated() || rc.CachedCredentials().Complete() {
			return failure.Errorf(failure.KindConfiguration,
				"unable to decorate request; credentials are present but the policy evaluated with error: %s", status)
		}
		if _, err := rc.TrustedCredentials(ctx); err != nil {
			return err
		}
		return failure.New(failure.KindPolicyRetryable, "credentials obtained")
	}
	return failure.Errorf(failure.KindConfiguration, "unable to decorate request; policy evaluated with error: %s", status)
}

// decorate walks the policy tree and, if it is satisfied, runs the
// deferred decorations in the order they were registered.
func (p *Processor) decorate(ctx context.Context, rc *RequestContext) (policy.Status, error) {
	root := rc.attempt.activePolicy.Root()
	if root == nil {
		return policy.StatusNone, nil
	}
	status, err := root.DecorateRequest(ctx, rc)
	if err != nil || status != policy.StatusNone {
		return status, err
	}
	for i := 0; i < len(rc.attempt.decorations); i++ {
		d := rc.attempt.decorations[i]
		status, err := d.decoration(ctx, rc)
		if err != nil || status != policy.StatusNone {
			return status, err
		}
	}
	return policy.StatusNone, nil
}

// applyRequestMessageID inserts the message ID chosen during the walk
// unless the request already carries one.
func (p *Processor) applyRequestMessageID(rc *RequestContext) error {
	a := &rc.attempt
	if a.messageID == "" {
		return nil
	}
	doc, err := rc.request.Document()
	if err != nil {
		return failure.Wrap(failure.KindInvalidDocument, err, "unable to add message ID")
	}
	if a.useWsa {
		err = message.SetWsaMessageID(doc, a.wsaNamespace, a.messageID)
	} else {
		err = message.SetL7aMessageID(doc, a.messageID)
	}
	if err != nil && !errors.Is(err, message.ErrElementExists) {
		return failure.Wrap(failure.KindInvalidDocument, err, "unable to add message ID")
	}
	return nil
}

// applyWssDecorations runs the security decorator once per recipient, in
// the order the recipients were first required.
func (p *Processor) applyWssDecorations(rc *RequestContext) error {
	a := &rc.attempt
	if len(a.actors) == 0 {
		return nil
	}
	if !rc.request.IsSOAP() {
		p.logger.Info("request is not SOAP; no WS-Security decorations applied", "gateway", rc.gw.PeerName())
		return nil
	}
	doc, err := rc.request.Document()
	if err != nil {
		return failure.Wrap(failure.KindInvalidDocument, err, "unable to decorate request")
	}

	created := rc.gw.ToGatewayTime(p.now())
	for _, actor := range a.actors {
		req := a.requirements[actor]
		if req.Empty() {
			continue
		}
		req.TimestampCreated = created
		if p.cfg.TimestampExpiry > 0 {
			req.TimestampTimeout = p.cfg.TimestampExpiry
		}
		req.SecurityHeaderActorNamespaced = p.cfg.ActorNamespaced

		result, err := p.decorator.Decorate(doc, req)
		if err != nil {
			return failure.Wrap(failure.KindDecorator, err, "unable to decorate request")
		}
		if result != nil && result.EncryptedKeySecret != nil {
			rc.encryptedKeySecret = result.EncryptedKeySecret
			rc.encryptedKeySHA1 = result.EncryptedKeySHA1
		}
	}
	return nil
}
