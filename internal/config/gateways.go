package config

import (
	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
)

// BuildGateways creates the configured gateways, linking federated gateways
// to their trusted gateway. Configured usernames and passwords are loaded
// into creds when it is not nil.
func (c *Config) BuildGateways(creds *credentials.StaticManager) map[string]*gateway.Gateway {
	out := make(map[string]*gateway.Gateway, len(c.Gateways))
	for _, gc := range c.Gateways {
		gw := &gateway.Gateway{
			ID:                         gc.ID,
			ServerURL:                  gc.ServerURL,
			SSLPort:                    gc.SSLPort,
			UseSSLByDefault:            gc.UseSSLByDefault == nil || *gc.UseSSLByDefault,
			Generic:                    gc.Generic,
			ChainCredentialsFromClient: gc.ChainCredentialsFromClient,
			HTTPHeaderPassthrough:      gc.HTTPHeaderPassthrough,
			PassthroughHeaders:         gc.PassthroughHeaders,
			Compress:                   gc.Compress,
			UseWsaMessageID:            gc.UseWsaMessageID,
			WsaNamespace:               gc.WsaNamespace,
			Properties:                 gc.Properties,
		}
		gw.SetClockOffset(gc.ClockOffset)
		out[gc.ID] = gw

		if creds != nil && gc.Username != "" {
			creds.Set(gc.ID, &credentials.Credentials{Username: gc.Username, Password: gc.Password})
		}
	}
	for _, gc := range c.Gateways {
		if gc.TrustedGateway != "" {
			out[gc.ID].TrustedGateway = out[gc.TrustedGateway]
		}
	}
	return out
}
