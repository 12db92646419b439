package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/elliotchance/sshtunnel"
	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"
)

// Tunnel routes a source connection through an SSH bastion, for sources that
// only expose their database inside a private network.
type Tunnel struct {
	// Endpoint is user@bastion-host.
	Endpoint string `yaml:"endpoint"`
	// KeyFile defaults to ~/.ssh/id_rsa.
	KeyFile string `yaml:"key_file"`
}

// OpenTunnel starts the tunnel (when one is configured) and rewrites the
// connection to its local end. The returned closer is a no-op without a
// tunnel.
func (c *Connection) OpenTunnel(logger *zap.Logger) (func(), error) {
	if c.Tunnel == nil {
		return func() {}, nil
	}
	keyFile := c.Tunnel.KeyFile
	if keyFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "Unable to locate home directory for tunnel key")
		}
		keyFile = filepath.Join(home, ".ssh", "id_rsa")
	}
	tunnel := sshtunnel.NewSSHTunnel(
		c.Tunnel.Endpoint,
		sshtunnel.PrivateKeyFile(keyFile),
		fmt.Sprintf("%s:%d", c.Host, c.Port),
		// "0" binds a random local port
		"0",
	)
	logger.Info("starting tunnel", zap.String("endpoint", c.Tunnel.Endpoint))
	go func() {
		if err := tunnel.Start(); err != nil {
			logger.Error("Unable to start tunnel", zap.Error(err))
		}
	}()
	// give the tunnel a moment to bind its local port before anything dials
	time.Sleep(100 * time.Millisecond)
	c.Host = "127.0.0.1"
	c.Port = tunnel.Local.Port
	return tunnel.Close, nil
}
