// Package hypervisor provisions throwaway debug guests on a local libvirt
// host. Guests are linked clones of a cached cloud image, seeded with a
// NoCloud ISO, and addressed through the libvirt network's DHCP leases.
package hypervisor

import (
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	// DefaultSocketPath is the standard libvirtd UNIX socket location.
	DefaultSocketPath = "/var/run/libvirt/libvirt-sock"

	connectTimeout = 10 * time.Second
)

// Client wraps a live libvirt RPC connection.
type Client struct {
	lv         *libvirt.Libvirt
	socketPath string
}

// Connect dials the libvirtd UNIX socket and performs the RPC handshake.
// Failures are fatal and come back as *ConnectionError.
func Connect(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(connectTimeout),
	)

	lv := libvirt.NewWithDialer(dialer)
	if err := lv.Connect(); err != nil {
		return nil, &ConnectionError{SocketPath: socketPath, Err: err}
	}

	return &Client{lv: lv, socketPath: socketPath}, nil
}

// Libvirt exposes the underlying connection.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.lv
}

// Close disconnects from libvirtd.
func (c *Client) Close() error {
	if err := c.lv.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}
