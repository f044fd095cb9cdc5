// Package cloudinit generates the cloud-init NoCloud seed for hypervisor
// guests: user-data, meta-data, and a DHCP network-config, packed into a
// CIDATA ISO.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Seed is the input for one guest's NoCloud data.
type Seed struct {
	// Hostname becomes both instance-id and local-hostname, so cloud-init
	// re-runs if a guest is destroyed and recreated under the same name.
	Hostname string

	// SSHAuthorizedKeys are installed for the default user.
	SSHAuthorizedKeys []string
}

// userData is the #cloud-config document.
type userData struct {
	Hostname          string   `yaml:"hostname"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
	SSHPasswordAuth   bool     `yaml:"ssh_pwauth"`
	DisableRoot       bool     `yaml:"disable_root"`
}

type metaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// networkConfig is netplan v2 with DHCP on the primary interface. Debug
// guests get their address from the libvirt network's DHCP server; the
// lease is also how the tool learns the address.
type networkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]ethernetConfig `yaml:"ethernets"`
}

type ethernetConfig struct {
	Match map[string]string `yaml:"match"`
	DHCP4 bool              `yaml:"dhcp4"`
}

func (s *Seed) validate() error {
	if s.Hostname == "" {
		return fmt.Errorf("seed hostname is required")
	}
	if len(s.SSHAuthorizedKeys) == 0 {
		return fmt.Errorf("seed needs at least one SSH authorized key")
	}
	return nil
}

// GenerateUserData renders the user-data file including the #cloud-config
// header cloud-init requires.
func GenerateUserData(seed *Seed) (string, error) {
	if err := seed.validate(); err != nil {
		return "", err
	}

	doc := userData{
		Hostname:          seed.Hostname,
		SSHAuthorizedKeys: seed.SSHAuthorizedKeys,
		SSHPasswordAuth:   false,
		DisableRoot:       false,
	}

	yamlBytes, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data: %w", err)
	}
	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData renders the meta-data file.
func GenerateMetaData(seed *Seed) (string, error) {
	if err := seed.validate(); err != nil {
		return "", err
	}

	doc := metaData{
		InstanceID:    seed.Hostname,
		LocalHostname: seed.Hostname,
	}

	yamlBytes, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data: %w", err)
	}
	return string(yamlBytes), nil
}

// GenerateNetworkConfig renders a netplan v2 config that DHCPs the
// virtio interface.
func GenerateNetworkConfig(seed *Seed) (string, error) {
	if err := seed.validate(); err != nil {
		return "", err
	}

	doc := networkConfig{
		Version: 2,
		Ethernets: map[string]ethernetConfig{
			"primary": {
				Match: map[string]string{"name": "en*"},
				DHCP4: true,
			},
		},
	}

	yamlBytes, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config: %w", err)
	}
	return string(yamlBytes), nil
}
