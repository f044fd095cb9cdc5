package hypervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jbweber/vmspawn/internal/cloudinit"
	"github.com/jbweber/vmspawn/internal/config"
	"github.com/jbweber/vmspawn/internal/state"
)

const (
	// overlayCapacityGiB is the virtual size of each guest's boot disk.
	// The overlay is thin, so real usage starts near zero.
	overlayCapacityGiB = 20

	// nameAttempts bounds how many fresh names are tried when a generated
	// guest name collides with an existing domain.
	nameAttempts = 3
)

// CreateOptions configures one guest provision.
type CreateOptions struct {
	Settings config.HypervisorSettings
	CacheDir string

	// SSHPublicKeys are injected into the guest via cloud-init.
	SSHPublicKeys []string

	Tracker *state.Tracker
}

// Create provisions a new debug guest: it connects to libvirtd, makes sure
// the pool and cached base image exist, clones the image, seeds it with
// cloud-init, boots it, and waits for a DHCP lease. The guest is recorded
// in the tracker only once it has an address.
func Create(ctx context.Context, opts CreateOptions) (state.ProvisionedVM, error) {
	opts.Settings.Normalize()

	client, err := Connect(opts.Settings.SocketPath)
	if err != nil {
		return state.ProvisionedVM{}, err
	}
	defer client.Close()

	imagePath, err := fetchBaseImage(ctx, opts.CacheDir, opts.Settings.BaseImageURL, opts.Settings.BaseImageSHA256)
	if err != nil {
		return state.ProvisionedVM{}, err
	}

	return createWithDeps(ctx, client.Libvirt(), opts, imagePath, defaultLeaseAttempts, defaultLeaseInterval)
}

// createWithDeps is the testable core of Create. The libvirt connection,
// local base image path, and lease polling budget are injected.
func createWithDeps(ctx context.Context, lv libvirtClient, opts CreateOptions, imagePath string, leaseAttempts int, leaseInterval time.Duration) (state.ProvisionedVM, error) {
	settings := opts.Settings
	settings.Normalize()

	if err := ensurePool(lv, settings.PoolName, settings.PoolPath); err != nil {
		return state.ProvisionedVM{}, err
	}

	baseVolName, err := ensureBaseImage(ctx, lv, settings.PoolName, imagePath)
	if err != nil {
		return state.ProvisionedVM{}, err
	}

	name, err := pickGuestName(lv)
	if err != nil {
		return state.ProvisionedVM{}, err
	}
	mac := newGuestMAC()
	log.Printf("creating guest %s (mac %s)", name, mac)

	if err := createOverlayVolume(lv, settings.PoolName, bootVolumeName(name), baseVolName, overlayCapacityGiB); err != nil {
		return state.ProvisionedVM{}, &CloneError{Name: name, Err: err}
	}

	iso, err := cloudinit.GenerateISO(&cloudinit.Seed{
		Hostname:          name,
		SSHAuthorizedKeys: opts.SSHPublicKeys,
	})
	if err != nil {
		_ = deleteGuestVolumes(lv, settings.PoolName, name)
		return state.ProvisionedVM{}, &CloneError{Name: name, Err: err}
	}
	if err := uploadSeedISO(lv, settings.PoolName, seedVolumeName(name), iso); err != nil {
		_ = deleteGuestVolumes(lv, settings.PoolName, name)
		return state.ProvisionedVM{}, &CloneError{Name: name, Err: err}
	}

	domainXML, err := generateDomainXML(guestConfig{
		Name:      name,
		Pool:      settings.PoolName,
		Network:   settings.Network,
		MAC:       mac,
		MemoryMiB: settings.MemoryMiB,
		VCPUs:     settings.VCPUs,
	})
	if err != nil {
		_ = deleteGuestVolumes(lv, settings.PoolName, name)
		return state.ProvisionedVM{}, &BootError{Name: name, Err: err}
	}

	dom, err := lv.DomainDefineXML(domainXML)
	if err != nil {
		_ = deleteGuestVolumes(lv, settings.PoolName, name)
		return state.ProvisionedVM{}, &BootError{Name: name, Err: err}
	}
	if err := lv.DomainCreate(dom); err != nil {
		_ = lv.DomainUndefine(dom)
		_ = deleteGuestVolumes(lv, settings.PoolName, name)
		return state.ProvisionedVM{}, &BootError{Name: name, Err: err}
	}

	log.Printf("guest %s booting, waiting for DHCP lease on network %s", name, settings.Network)
	addr, err := waitForLease(ctx, lv, settings.Network, name, mac, leaseAttempts, leaseInterval)
	if err != nil {
		// A lease timeout leaves the guest defined and running so the
		// operator can inspect it on the console. It is not tracked.
		return state.ProvisionedVM{}, err
	}

	vm := state.ProvisionedVM{
		Name:    name,
		Backend: state.BackendHypervisor,
		Address: addr,
	}
	if opts.Tracker != nil {
		if err := opts.Tracker.Record(vm); err != nil {
			return state.ProvisionedVM{}, fmt.Errorf("guest %s is running at %s but could not be tracked: %w", name, addr, err)
		}
	}

	log.Printf("guest %s ready at %s", name, addr)
	return vm, nil
}

// pickGuestName generates random names until one does not collide with an
// existing domain, giving up after a few tries.
func pickGuestName(lv libvirtClient) (string, error) {
	for i := 0; i < nameAttempts; i++ {
		name := newGuestName()
		if _, err := lv.DomainLookupByName(name); err != nil {
			return name, nil
		}
	}
	return "", &CloneError{Err: fmt.Errorf("could not find a free guest name after %d attempts", nameAttempts)}
}
