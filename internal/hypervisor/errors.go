package hypervisor

import "fmt"

// ConnectionError means the libvirt daemon could not be reached. Fatal,
// never retried.
type ConnectionError struct {
	SocketPath string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to libvirt at %s: %v", e.SocketPath, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CloneError means cloning the base image into a new guest definition
// failed, including exhausting the bounded name-collision retries.
type CloneError struct {
	Name string
	Err  error
}

func (e *CloneError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("failed to clone base image: %v", e.Err)
	}
	return fmt.Sprintf("failed to clone base image for guest %q: %v", e.Name, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// BootError means the guest could not be defined or started. Fatal.
type BootError struct {
	Name string
	Err  error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("failed to boot guest %q: %v", e.Name, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// NetworkTimeoutError means the guest booted but never showed up in the
// network's DHCP leases within the retry budget. The guest is deliberately
// left defined and running so the operator can attach to its console.
type NetworkTimeoutError struct {
	Name     string
	Network  string
	Attempts int
}

func (e *NetworkTimeoutError) Error() string {
	return fmt.Sprintf("guest %q got no address on network %q after %d attempts; guest left running for debugging",
		e.Name, e.Network, e.Attempts)
}
