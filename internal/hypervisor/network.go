package hypervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
)

const (
	defaultLeaseAttempts = 60
	defaultLeaseInterval = 2 * time.Second
)

// waitForLease polls the libvirt network's DHCP leases until one matches
// the guest's MAC or the attempt budget runs out. The guest name is only
// used for error reporting.
func waitForLease(ctx context.Context, lv libvirtClient, networkName, guestName, mac string, attempts int, interval time.Duration) (string, error) {
	net, err := lv.NetworkLookupByName(networkName)
	if err != nil {
		return "", fmt.Errorf("network %s not found: %w", networkName, err)
	}

	want := strings.ToLower(mac)
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		leases, _, err := lv.NetworkGetDhcpLeases(net, libvirt.OptString{}, 1, 0)
		if err != nil {
			return "", fmt.Errorf("failed to query DHCP leases: %w", err)
		}
		for _, lease := range leases {
			// Type 0 is IPv4.
			if lease.Type != 0 {
				continue
			}
			for _, leaseMAC := range lease.Mac {
				if strings.ToLower(leaseMAC) == want {
					return lease.Ipaddr, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}

	return "", &NetworkTimeoutError{Name: guestName, Network: networkName, Attempts: attempts}
}
