// Package state tracks which VMs this tool has created, per backend, in a
// durable local file. Every mutation rewrites the whole record atomically
// (temp file in the same directory, then rename) so a crash mid-write never
// corrupts the previous state.
//
// The tracker is the only shared mutable resource in the tool. Concurrent
// invocations of cvm/kvm are not supported; sequential single-operator use
// is the contract.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend identifies which adapter owns a tracked VM.
type Backend string

const (
	BackendCloud      Backend = "cloud"
	BackendHypervisor Backend = "hypervisor"
)

// ProvisionedVM is one successfully created, tracked VM.
type ProvisionedVM struct {
	Name      string    `yaml:"name"`
	Backend   Backend   `yaml:"backend"`
	Address   string    `yaml:"address,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// NotFoundError reports an operation against a VM the tracker does not know.
// Destroy paths treat it as benign: the desired end state (absence) holds.
type NotFoundError struct {
	Name    string
	Backend Backend
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no tracked %s VM named %q", e.Backend, e.Name)
}

// trackerFile is the on-disk document.
type trackerFile struct {
	Machines []ProvisionedVM `yaml:"machines"`
}

// Tracker persists ProvisionedVM records to a single YAML file.
type Tracker struct {
	path string
}

// NewTracker returns a tracker backed by the given file path. The file is
// created on first Record; a missing file reads as an empty record set.
func NewTracker(path string) *Tracker {
	return &Tracker{path: path}
}

// Path returns the backing file path.
func (t *Tracker) Path() string {
	return t.path
}

// Record adds a VM to the tracked set. Recording a (name, backend) pair
// that already exists fails fast; callers must destroy first.
func (t *Tracker) Record(vm ProvisionedVM) error {
	if vm.Name == "" {
		return fmt.Errorf("cannot record VM with empty name")
	}
	if vm.Backend != BackendCloud && vm.Backend != BackendHypervisor {
		return fmt.Errorf("cannot record VM %q with unknown backend %q", vm.Name, vm.Backend)
	}

	doc, err := t.load()
	if err != nil {
		return err
	}

	for _, existing := range doc.Machines {
		if existing.Name == vm.Name && existing.Backend == vm.Backend {
			return fmt.Errorf("%s VM %q is already tracked; destroy it before creating it again", vm.Backend, vm.Name)
		}
	}

	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = time.Now().UTC()
	}
	doc.Machines = append(doc.Machines, vm)
	return t.save(doc)
}

// Remove deletes a tracked VM. Removing an absent entry returns
// *NotFoundError so callers can decide whether that is fatal.
func (t *Tracker) Remove(name string, backend Backend) error {
	doc, err := t.load()
	if err != nil {
		return err
	}

	kept := doc.Machines[:0]
	found := false
	for _, vm := range doc.Machines {
		if vm.Name == name && vm.Backend == backend {
			found = true
			continue
		}
		kept = append(kept, vm)
	}
	if !found {
		return &NotFoundError{Name: name, Backend: backend}
	}

	doc.Machines = kept
	return t.save(doc)
}

// RemoveAll deletes every tracked VM for a backend and returns how many
// entries were removed.
func (t *Tracker) RemoveAll(backend Backend) (int, error) {
	doc, err := t.load()
	if err != nil {
		return 0, err
	}

	kept := doc.Machines[:0]
	removed := 0
	for _, vm := range doc.Machines {
		if vm.Backend == backend {
			removed++
			continue
		}
		kept = append(kept, vm)
	}
	if removed == 0 {
		return 0, nil
	}

	doc.Machines = kept
	return removed, t.save(doc)
}

// List returns the tracked VMs for a backend, sorted by name.
func (t *Tracker) List(backend Backend) ([]ProvisionedVM, error) {
	doc, err := t.load()
	if err != nil {
		return nil, err
	}

	var vms []ProvisionedVM
	for _, vm := range doc.Machines {
		if vm.Backend == backend {
			vms = append(vms, vm)
		}
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].Name < vms[j].Name })
	return vms, nil
}

// Get returns a single tracked VM or *NotFoundError.
func (t *Tracker) Get(name string, backend Backend) (ProvisionedVM, error) {
	doc, err := t.load()
	if err != nil {
		return ProvisionedVM{}, err
	}
	for _, vm := range doc.Machines {
		if vm.Name == name && vm.Backend == backend {
			return vm, nil
		}
	}
	return ProvisionedVM{}, &NotFoundError{Name: name, Backend: backend}
}

func (t *Tracker) load() (*trackerFile, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &trackerFile{}, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", t.path, err)
	}

	var doc trackerFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", t.path, err)
	}
	return &doc, nil
}

// save rewrites the whole state file atomically. The temp file lives in the
// same directory as the target so the rename stays on one filesystem.
func (t *Tracker) save(doc *trackerFile) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, t.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
