package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/jbweber/vmspawn/internal/machine"
	"github.com/jbweber/vmspawn/internal/state"
)

// Machine is one provisioned cloud server as reported by the engine's
// vm_info output.
type Machine struct {
	Name       string `json:"name"`
	Location   string `json:"location"`
	ServerType string `json:"server_type"`
	OSImage    string `json:"os_image"`
	Arch       string `json:"arch"`
	IPv4       string `json:"ipv4"`
	IPv6       string `json:"ipv6"`
	Provider   string `json:"provider"`
}

// Adapter drives the cloud backend: one engine work dir, one tracker.
type Adapter struct {
	WorkDir string
	Engine  Engine
	Tracker *state.Tracker

	// ListServerNames returns the live server names in the project, used
	// to rename colliding requests. nil skips collision avoidance.
	ListServerNames func(ctx context.Context) ([]string, error)
}

// Create provisions the given machines. Already-tracked names fail fast
// before anything is applied. On engine failure nothing is recorded; the
// engine's own state still covers whatever was partially created, so a
// later destroy cleans it up.
func (a *Adapter) Create(ctx context.Context, specs []machine.Spec, pubkeys []string) ([]state.ProvisionedVM, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no machines requested")
	}
	if len(pubkeys) == 0 {
		return nil, fmt.Errorf("no SSH public keys available; the servers would be unreachable")
	}

	for _, spec := range specs {
		if _, err := a.Tracker.Get(spec.Name, state.BackendCloud); err == nil {
			return nil, fmt.Errorf("cloud VM %q is already tracked; destroy it before creating it again", spec.Name)
		}
	}

	created, err := materializeAssets(a.WorkDir)
	if err != nil {
		return nil, err
	}
	if created {
		log.Printf("initializing engine work dir %s", a.WorkDir)
		if err := a.Engine.Init(ctx); err != nil {
			return nil, err
		}
	}

	var existing []string
	if a.ListServerNames != nil {
		existing, err = a.ListServerNames(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check existing server names: %w", err)
		}
	}

	servers, err := buildServerVars(specs, existing)
	if err != nil {
		return nil, err
	}
	if err := writeVars(a.WorkDir, pubkeys, servers); err != nil {
		return nil, err
	}

	log.Printf("applying %d server(s)", len(servers))
	if err := a.Engine.Apply(ctx); err != nil {
		log.Printf("warning: apply failed; any partially created servers remain in the engine state, run destroy to clean up")
		return nil, err
	}

	machines, err := a.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	var vms []state.ProvisionedVM
	for _, m := range machines {
		vm := state.ProvisionedVM{
			Name:    m.Name,
			Backend: state.BackendCloud,
			Address: m.IPv4,
		}
		if err := a.Tracker.Record(vm); err != nil {
			// Already tracked from an earlier apply of the same work dir.
			continue
		}
		vms = append(vms, vm)
	}

	log.Printf("%d server(s) ready", len(machines))
	return vms, nil
}

// Metadata reads the engine's vm_info output and returns the machines it
// reports. This reflects what actually exists, including the survivors of
// a partial apply.
func (a *Adapter) Metadata(ctx context.Context) ([]Machine, error) {
	raw, err := a.Engine.Output(ctx)
	if err != nil {
		return nil, err
	}

	var outputs struct {
		VMInfo struct {
			Value map[string]Machine `json:"value"`
		} `json:"vm_info"`
	}
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return nil, fmt.Errorf("failed to parse engine outputs: %w", err)
	}

	machines := make([]Machine, 0, len(outputs.VMInfo.Value))
	for _, m := range outputs.VMInfo.Value {
		machines = append(machines, m)
	}
	return machines, nil
}

// Destroy tears down every cloud server the work dir manages. Tracked
// entries and the work dir are removed only when the engine succeeds,
// unless force is set. Returns how many tracker entries were cleared.
func (a *Adapter) Destroy(ctx context.Context, force bool) (int, error) {
	if _, err := os.Stat(a.WorkDir); os.IsNotExist(err) {
		// Nothing was ever applied. Clear any stale entries and report
		// the absence as benign.
		removed, rmErr := a.Tracker.RemoveAll(state.BackendCloud)
		if rmErr != nil {
			return 0, rmErr
		}
		if removed == 0 {
			return 0, &state.NotFoundError{Name: "*", Backend: state.BackendCloud}
		}
		return removed, nil
	}

	destroyErr := a.Engine.Destroy(ctx)
	if destroyErr != nil && !force {
		return 0, destroyErr
	}
	if destroyErr != nil {
		log.Printf("warning: engine destroy failed, clearing local state anyway: %v", destroyErr)
	}

	removed, err := a.Tracker.RemoveAll(state.BackendCloud)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(a.WorkDir); err != nil {
		return removed, fmt.Errorf("servers destroyed but failed to remove work dir: %w", err)
	}

	log.Printf("cloud servers destroyed")
	return removed, nil
}
