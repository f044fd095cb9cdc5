package cloud

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/jbweber/vmspawn/internal/machine"
)

// varsFileName is the auto-loaded variables file the engine picks up.
const varsFileName = "servers.auto.tfvars.json"

// renameAttempts bounds the -N suffix search when a requested server name
// already exists in the Hetzner project.
const renameAttempts = 100

type serverVars struct {
	Name       string  `json:"name"`
	Location   string  `json:"location"`
	ServerType string  `json:"server_type"`
	IPv4       *string `json:"ipv4"`
	IPv6       *string `json:"ipv6"`
	OSImage    string  `json:"os_image"`
	Arch       string  `json:"arch"`
}

type varsFile struct {
	SSHPubkeys []string     `json:"ssh_pubkeys"`
	Servers    []serverVars `json:"servers"`
}

// buildServerVars turns resolved machine specs into engine variables,
// renaming any spec whose name collides with an existing server (or an
// earlier spec in the same batch) by appending a -N suffix.
func buildServerVars(specs []machine.Spec, existingNames []string) ([]serverVars, error) {
	taken := make(map[string]bool, len(existingNames))
	for _, name := range existingNames {
		taken[name] = true
	}

	servers := make([]serverVars, 0, len(specs))
	for _, spec := range specs {
		name := spec.Name
		if taken[name] {
			renamed, err := freeName(name, taken)
			if err != nil {
				return nil, err
			}
			log.Printf("warning: server name %q already exists, using %q", name, renamed)
			name = renamed
		}
		taken[name] = true

		servers = append(servers, serverVars{
			Name:       name,
			Location:   spec.Location,
			ServerType: spec.ServerType,
			OSImage:    spec.OSImage,
			Arch:       string(spec.Architecture),
		})
	}
	return servers, nil
}

func freeName(name string, taken map[string]bool) (string, error) {
	for i := 0; i < renameAttempts; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not find a free name for %q after %d attempts", name, renameAttempts)
}

// writeVars writes the auto-loaded variables file into the engine work dir.
func writeVars(workDir string, pubkeys []string, servers []serverVars) error {
	doc := varsFile{SSHPubkeys: pubkeys, Servers: servers}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal server vars: %w", err)
	}

	path := filepath.Join(workDir, varsFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
