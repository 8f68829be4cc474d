// Package remote manages SSH transports to workspaces and runs one-shot
// commands over them.
package remote

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// TransportConfig holds the connection parameters for one workspace.
// It is immutable once a workspace has been provisioned.
type TransportConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	PrivateKey []byte `json:"-"`
}

// Addr returns the dialable host:port address.
func (c TransportConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks that the config can be dialed.
func (c TransportConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("username is required")
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("credential is required")
	}
	return nil
}
