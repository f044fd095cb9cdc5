package hypervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/jbweber/vmspawn/internal/config"
	"libvirt.org/go/libvirtxml"
)

// guestNamePrefix marks domains this tool owns. Other domains on the host
// are never listed or touched.
const guestNamePrefix = "debug-"

// GuestInfo describes one live guest on the hypervisor.
type GuestInfo struct {
	Name    string
	State   string
	Address string
}

// List returns the tool's guests as libvirt sees them, with their current
// DHCP address when one is held.
func List(ctx context.Context, settings config.HypervisorSettings) ([]GuestInfo, error) {
	settings.Normalize()

	client, err := Connect(settings.SocketPath)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return listWithDeps(ctx, client.Libvirt(), settings)
}

func listWithDeps(ctx context.Context, lv libvirtClient, settings config.HypervisorSettings) ([]GuestInfo, error) {
	domains, _, err := lv.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	leasesByMAC, err := leaseAddresses(lv, settings.Network)
	if err != nil {
		// The network may be down; listing still works without addresses.
		leasesByMAC = nil
	}

	var guests []GuestInfo
	for _, dom := range domains {
		if !strings.HasPrefix(dom.Name, guestNamePrefix) {
			continue
		}

		info := GuestInfo{Name: dom.Name, State: "unknown"}
		if st, _, err := lv.DomainGetState(dom, 0); err == nil {
			info.State = domainStateString(libvirt.DomainState(st))
		}
		if mac, err := domainMAC(lv, dom); err == nil {
			info.Address = leasesByMAC[strings.ToLower(mac)]
		}
		guests = append(guests, info)
	}

	sort.Slice(guests, func(i, j int) bool { return guests[i].Name < guests[j].Name })
	return guests, nil
}

// domainMAC extracts the first interface MAC from the domain's XML.
func domainMAC(lv libvirtClient, dom libvirt.Domain) (string, error) {
	xmlDesc, err := lv.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return "", fmt.Errorf("failed to get domain XML: %w", err)
	}

	var def libvirtxml.Domain
	if err := def.Unmarshal(xmlDesc); err != nil {
		return "", fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if def.Devices == nil || len(def.Devices.Interfaces) == 0 {
		return "", fmt.Errorf("domain %s has no network interface", dom.Name)
	}
	iface := def.Devices.Interfaces[0]
	if iface.MAC == nil {
		return "", fmt.Errorf("domain %s interface has no MAC", dom.Name)
	}
	return iface.MAC.Address, nil
}

// leaseAddresses returns the network's current IPv4 leases keyed by
// lowercase MAC.
func leaseAddresses(lv libvirtClient, networkName string) (map[string]string, error) {
	net, err := lv.NetworkLookupByName(networkName)
	if err != nil {
		return nil, fmt.Errorf("network %s not found: %w", networkName, err)
	}
	leases, _, err := lv.NetworkGetDhcpLeases(net, libvirt.OptString{}, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query DHCP leases: %w", err)
	}

	byMAC := make(map[string]string, len(leases))
	for _, lease := range leases {
		if lease.Type != 0 {
			continue
		}
		for _, mac := range lease.Mac {
			byMAC[strings.ToLower(mac)] = lease.Ipaddr
		}
	}
	return byMAC, nil
}

func domainStateString(st libvirt.DomainState) string {
	switch st {
	case libvirt.DomainRunning:
		return "running"
	case libvirt.DomainPaused:
		return "paused"
	case libvirt.DomainShutdown:
		return "shutting down"
	case libvirt.DomainShutoff:
		return "shut off"
	case libvirt.DomainCrashed:
		return "crashed"
	case libvirt.DomainNostate:
		return "no state"
	case libvirt.DomainBlocked:
		return "blocked"
	case libvirt.DomainPmsuspended:
		return "suspended"
	default:
		return "unknown"
	}
}
