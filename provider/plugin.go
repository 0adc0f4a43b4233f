package provider

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake guards against launching an unrelated binary as a provider.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "ALLUVIUM_PROVIDER",
	MagicCookieValue: "convergence",
}

// PluginName is the key providers are dispensed under.
const PluginName = "provider"

type Plugin struct {
	Impl Provider
}

func (p *Plugin) Server(*plugin.MuxBroker) (any, error) {
	return &Server{Impl: p.Impl}, nil
}

func (*Plugin) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &Client{client: c}, nil
}

// Serve runs a provider implementation as a plugin binary. Providers call
// this from their main.
func Serve(impl Provider) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &Plugin{Impl: impl},
		},
	})
}
