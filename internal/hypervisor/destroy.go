package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/digitalocean/go-libvirt"
	"github.com/jbweber/vmspawn/internal/config"
	"github.com/jbweber/vmspawn/internal/state"
)

// DestroyOptions configures one guest teardown.
type DestroyOptions struct {
	Settings config.HypervisorSettings
	Name     string
	Tracker  *state.Tracker
}

// Destroy tears down a guest: stop it if running, undefine it, and delete
// its volumes. A guest that is not defined is reported via
// *state.NotFoundError after clearing any stale tracker entry, so callers
// can treat it as a warning rather than a failure.
func Destroy(ctx context.Context, opts DestroyOptions) error {
	opts.Settings.Normalize()

	client, err := Connect(opts.Settings.SocketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	return destroyWithDeps(ctx, client.Libvirt(), opts)
}

func destroyWithDeps(ctx context.Context, lv libvirtClient, opts DestroyOptions) error {
	settings := opts.Settings
	settings.Normalize()
	name := opts.Name

	dom, err := lv.DomainLookupByName(name)
	if err != nil {
		// Nothing defined under that name. Drop any stale tracker entry
		// and tell the caller the guest was already gone.
		if opts.Tracker != nil {
			_ = opts.Tracker.Remove(name, state.BackendHypervisor)
		}
		return &state.NotFoundError{Name: name, Backend: state.BackendHypervisor}
	}

	st, _, err := lv.DomainGetState(dom, 0)
	if err == nil && libvirt.DomainState(st) == libvirt.DomainRunning {
		log.Printf("guest %s is running, forcing it off", name)
		if err := lv.DomainDestroy(dom); err != nil {
			return fmt.Errorf("failed to stop guest %s: %w", name, err)
		}
	}

	// Undefine with flags first so managed save state, snapshot metadata,
	// and NVRAM go with the domain; older daemons want the plain call.
	undefineFlags := libvirt.DomainUndefineManagedSave |
		libvirt.DomainUndefineSnapshotsMetadata |
		libvirt.DomainUndefineNvram
	if err := lv.DomainUndefineFlags(dom, undefineFlags); err != nil {
		if err := lv.DomainUndefine(dom); err != nil {
			return fmt.Errorf("failed to undefine guest %s: %w", name, err)
		}
	}

	if err := deleteGuestVolumes(lv, settings.PoolName, name); err != nil {
		log.Printf("warning: guest %s undefined but volume cleanup failed: %v", name, err)
	}

	if opts.Tracker != nil {
		if err := opts.Tracker.Remove(name, state.BackendHypervisor); err != nil {
			var nfe *state.NotFoundError
			if !errors.As(err, &nfe) {
				return err
			}
		}
	}

	log.Printf("guest %s destroyed", name)
	return nil
}
