// Package machine resolves machine specifications from CLI spec strings
// and the built-in Hetzner catalog. Resolution is a pure parse/lookup;
// nothing here talks to a backend.
package machine

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture is a supported guest CPU architecture.
type Architecture string

const (
	ArchX86_64  Architecture = "x86_64"
	ArchAarch64 Architecture = "aarch64"
)

// Spec describes one machine to create. Immutable once resolved.
type Spec struct {
	Name         string
	Location     string
	Architecture Architecture
	OSImage      string
	ServerType   string
}

// InvalidSpecError reports a machine spec string the user needs to fix.
type InvalidSpecError struct {
	Spec   string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid machine spec %q: %s (expected \"<name>|<arch>[|<os-image>]\")", e.Spec, e.Reason)
}

// Catalog data for Hetzner Cloud. Locations and images mirror what the
// terraform module accepts; server types are the smallest shared-vCPU
// plan per architecture.
var (
	// Locations maps Hetzner location slugs to a human description.
	Locations = map[string]string{
		"nbg1": "DE: Nuremberg",
		"fsn1": "DE: Falkenstein",
		"hel1": "FIN: Helsinki",
		"ash":  "US: Ashburn",
		"hil":  "US: Hillsboro",
		"sin":  "SG: Singapore",
	}

	// OSImages is the set of allowed OS image identifiers.
	OSImages = map[string]struct{}{
		"ubuntu-24.04": {},
		"fedora-42":    {},
		"debian-12":    {},
		"centos-10":    {},
	}

	serverTypes = map[Architecture]string{
		ArchX86_64:  "cpx11",
		ArchAarch64: "cax11",
	}
)

const (
	// DefaultLocation is used when no --location is given.
	DefaultLocation = "nbg1"
	// DefaultOSImage is used when the spec string omits the image part.
	DefaultOSImage = "ubuntu-24.04"
)

// ParseSpec parses a "<name>|<arch>[|<os-image>]" spec string into a Spec.
//
// Parsing is deterministic and has no side effects: the same input always
// yields the same Spec. Location is filled in by the caller (it is a
// per-invocation flag, not part of the spec string).
func ParseSpec(spec string) (Spec, error) {
	parts := strings.Split(spec, "|")
	if len(parts) < 2 || len(parts) > 3 {
		return Spec{}, &InvalidSpecError{Spec: spec, Reason: fmt.Sprintf("got %d parts", len(parts))}
	}

	name := strings.TrimSpace(parts[0])
	if name == "" {
		return Spec{}, &InvalidSpecError{Spec: spec, Reason: "machine name cannot be empty"}
	}

	arch := Architecture(strings.TrimSpace(parts[1]))
	serverType, ok := serverTypes[arch]
	if !ok {
		return Spec{}, &InvalidSpecError{
			Spec:   spec,
			Reason: fmt.Sprintf("unsupported architecture %q (valid: %s)", arch, strings.Join(SupportedArchitectures(), ", ")),
		}
	}

	osImage := DefaultOSImage
	if len(parts) == 3 {
		osImage = strings.TrimSpace(parts[2])
		if osImage == "" {
			return Spec{}, &InvalidSpecError{Spec: spec, Reason: "os image cannot be empty when given"}
		}
	}
	if _, ok := OSImages[osImage]; !ok {
		return Spec{}, &InvalidSpecError{
			Spec:   spec,
			Reason: fmt.Sprintf("unknown os image %q (valid: %s)", osImage, strings.Join(SupportedOSImages(), ", ")),
		}
	}

	return Spec{
		Name:         name,
		Architecture: arch,
		OSImage:      osImage,
		ServerType:   serverType,
	}, nil
}

// ValidateLocation checks a Hetzner location slug against the catalog.
func ValidateLocation(location string) error {
	if _, ok := Locations[location]; !ok {
		keys := make([]string, 0, len(Locations))
		for k := range Locations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Errorf("invalid location %q (valid: %s)", location, strings.Join(keys, ", "))
	}
	return nil
}

// SupportedArchitectures returns the architecture names in stable order.
func SupportedArchitectures() []string {
	archs := make([]string, 0, len(serverTypes))
	for a := range serverTypes {
		archs = append(archs, string(a))
	}
	sort.Strings(archs)
	return archs
}

// SupportedOSImages returns the OS image identifiers in stable order.
func SupportedOSImages() []string {
	images := make([]string, 0, len(OSImages))
	for img := range OSImages {
		images = append(images, img)
	}
	sort.Strings(images)
	return images
}
