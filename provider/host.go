package provider

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// Connection is a live provider plugin process.
type Connection struct {
	Provider Provider
	client   *plugin.Client
}

func (c *Connection) Close() {
	c.client.Kill()
}

// Connect launches the provider binary named <name> inside dir and dispenses
// its Provider implementation. The caller owns the connection and must Close
// it when the run finishes.
func Connect(dir, name string, logger hclog.Logger) (*Connection, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &Plugin{},
		},
		Cmd:    exec.Command(filepath.Join(dir, name)),
		Logger: logger,
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("start provider %q: %w", name, err)
	}

	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("dispense provider %q: %w", name, err)
	}

	impl, ok := raw.(*Client)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("invalid provider: %T", raw)
	}

	return &Connection{Provider: impl, client: client}, nil
}
