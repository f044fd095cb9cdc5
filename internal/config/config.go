// Package config resolves the tool's local directories and the hypervisor
// backend settings.
//
// Directories follow the XDG base directory spec: state and keys live under
// the data dir, downloaded base images under the cache dir.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const appDir = "vmspawn"

// DataDir returns the per-user data directory for vmspawn, creating it if
// needed. Honors XDG_DATA_HOME, falling back to ~/.local/share.
func DataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		base = filepath.Join(home, ".local", "share")
	}

	dir := filepath.Join(base, appDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

// CacheDir returns the per-user cache directory for vmspawn, creating it if
// needed. Honors XDG_CACHE_HOME, falling back to ~/.cache.
func CacheDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		base = filepath.Join(home, ".cache")
	}

	dir := filepath.Join(base, appDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	return dir, nil
}

// StatePath returns the path of the VM state file inside dataDir.
func StatePath(dataDir string) string {
	return filepath.Join(dataDir, "state.yaml")
}

// HypervisorSettings configures the kvm backend: where to connect, which
// base image to clone, and the guest shape.
type HypervisorSettings struct {
	// SocketPath is the libvirt UNIX socket. Empty means the system default.
	SocketPath string `yaml:"socket_path,omitempty"`

	// PoolName and PoolPath define the dir-type storage pool owned by this
	// tool. The pool is created on first use.
	PoolName string `yaml:"pool_name,omitempty"`
	PoolPath string `yaml:"pool_path,omitempty"`

	// BaseImageURL and BaseImageSHA256 identify the cloud image cloned for
	// every guest. The image is downloaded once into the cache dir,
	// verified, and uploaded into the pool.
	BaseImageURL    string `yaml:"base_image_url,omitempty"`
	BaseImageSHA256 string `yaml:"base_image_sha256,omitempty"`

	// Network is the libvirt network whose DHCP leases give guests their
	// addresses.
	Network string `yaml:"network,omitempty"`

	MemoryMiB uint `yaml:"memory_mib,omitempty"`
	VCPUs     uint `yaml:"vcpus,omitempty"`
}

// Defaults for the hypervisor backend: the Ubuntu 24.04 minimal cloud
// image on the standard libvirt default network.
const (
	defaultPoolName = "vmspawn"
	defaultPoolPath = "/var/lib/libvirt/images/vmspawn"
	defaultImageURL = "https://cloud-images.ubuntu.com/minimal/releases/noble/release/ubuntu-24.04-minimal-cloudimg-amd64.img"
	defaultImageSHA = "a8e8b39f8c76d51cdf1544b71d5096b0df22a2ef3576d8cbfcbf7351df10602e"
	defaultNetwork  = "default"
)

// Normalize fills in defaults for unset fields.
func (s *HypervisorSettings) Normalize() {
	if s.PoolName == "" {
		s.PoolName = defaultPoolName
	}
	if s.PoolPath == "" {
		s.PoolPath = defaultPoolPath
	}
	if s.BaseImageURL == "" {
		s.BaseImageURL = defaultImageURL
		if s.BaseImageSHA256 == "" {
			s.BaseImageSHA256 = defaultImageSHA
		}
	}
	if s.Network == "" {
		s.Network = defaultNetwork
	}
	if s.MemoryMiB == 0 {
		s.MemoryMiB = 2048
	}
	if s.VCPUs == 0 {
		s.VCPUs = 2
	}
}

// LoadHypervisorSettings reads the optional kvm settings file from dataDir.
// A missing file yields pure defaults.
func LoadHypervisorSettings(dataDir string) (*HypervisorSettings, error) {
	settings := &HypervisorSettings{}

	path := filepath.Join(dataDir, "kvm.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	settings.Normalize()
	return settings, nil
}
