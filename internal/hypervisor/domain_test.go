package hypervisor

import (
	"regexp"
	"strings"
	"testing"

	"libvirt.org/go/libvirtxml"
)

func testGuestConfig() guestConfig {
	return guestConfig{
		Name:      "debug-ab12cd34",
		Pool:      "vmspawn",
		Network:   "default",
		MAC:       "52:54:00:aa:bb:cc",
		MemoryMiB: 2048,
		VCPUs:     2,
	}
}

func TestGenerateDomainXML(t *testing.T) {
	xml, err := generateDomainXML(testGuestConfig())
	if err != nil {
		t.Fatalf("generateDomainXML failed: %v", err)
	}

	var dom libvirtxml.Domain
	if err := dom.Unmarshal(xml); err != nil {
		t.Fatalf("output is not valid domain XML: %v", err)
	}

	if dom.Name != "debug-ab12cd34" {
		t.Errorf("name = %q", dom.Name)
	}
	if dom.Type != "kvm" {
		t.Errorf("type = %q, want kvm", dom.Type)
	}
	if dom.Memory == nil || dom.Memory.Value != 2048 || dom.Memory.Unit != "MiB" {
		t.Errorf("memory = %+v", dom.Memory)
	}
	if dom.VCPU == nil || dom.VCPU.Value != 2 {
		t.Errorf("vcpu = %+v", dom.VCPU)
	}

	if dom.Devices == nil {
		t.Fatal("no devices")
	}
	if len(dom.Devices.Disks) != 2 {
		t.Fatalf("disks = %d, want boot disk plus seed cdrom", len(dom.Devices.Disks))
	}

	boot := dom.Devices.Disks[0]
	if boot.Source == nil || boot.Source.Volume == nil {
		t.Fatal("boot disk is not volume-backed")
	}
	if boot.Source.Volume.Pool != "vmspawn" || boot.Source.Volume.Volume != "debug-ab12cd34_boot.qcow2" {
		t.Errorf("boot volume = %+v", boot.Source.Volume)
	}
	if boot.Target == nil || boot.Target.Bus != "virtio" {
		t.Errorf("boot disk target = %+v", boot.Target)
	}

	seed := dom.Devices.Disks[1]
	if seed.Device != "cdrom" || seed.ReadOnly == nil {
		t.Errorf("seed disk must be a read-only cdrom: %+v", seed)
	}
	if seed.Source.Volume.Volume != "debug-ab12cd34_cloudinit.iso" {
		t.Errorf("seed volume = %+v", seed.Source.Volume)
	}

	if len(dom.Devices.Interfaces) != 1 {
		t.Fatalf("interfaces = %d, want 1", len(dom.Devices.Interfaces))
	}
	iface := dom.Devices.Interfaces[0]
	if iface.MAC == nil || iface.MAC.Address != "52:54:00:aa:bb:cc" {
		t.Errorf("mac = %+v", iface.MAC)
	}
	if iface.Source == nil || iface.Source.Network == nil || iface.Source.Network.Network != "default" {
		t.Errorf("interface source = %+v", iface.Source)
	}

	if len(dom.Devices.Serials) != 1 || len(dom.Devices.Consoles) != 1 {
		t.Error("guest needs a serial console for debugging")
	}
}

func TestGenerateDomainXML_IncompleteConfig(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*guestConfig)
	}{
		{"missing name", func(c *guestConfig) { c.Name = "" }},
		{"missing pool", func(c *guestConfig) { c.Pool = "" }},
		{"missing network", func(c *guestConfig) { c.Network = "" }},
		{"missing mac", func(c *guestConfig) { c.MAC = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testGuestConfig()
			tt.mod(&cfg)
			if _, err := generateDomainXML(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewGuestName(t *testing.T) {
	pattern := regexp.MustCompile(`^debug-[0-9a-f]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		name := newGuestName()
		if !pattern.MatchString(name) {
			t.Fatalf("name %q does not match debug-<8 hex>", name)
		}
		if seen[name] {
			t.Fatalf("name %q repeated", name)
		}
		seen[name] = true
	}
}

func TestNewGuestMAC(t *testing.T) {
	pattern := regexp.MustCompile(`^52:54:00(:[0-9a-f]{2}){3}$`)
	for i := 0; i < 20; i++ {
		mac := newGuestMAC()
		if !pattern.MatchString(mac) {
			t.Fatalf("mac %q does not use the locally administered 52:54:00 prefix", mac)
		}
	}
}

func TestVolumeNames(t *testing.T) {
	if got := bootVolumeName("debug-1"); got != "debug-1_boot.qcow2" {
		t.Errorf("bootVolumeName = %q", got)
	}
	if got := seedVolumeName("debug-1"); got != "debug-1_cloudinit.iso" {
		t.Errorf("seedVolumeName = %q", got)
	}
	// Both carry the guest prefix teardown scans for.
	for _, name := range []string{bootVolumeName("debug-1"), seedVolumeName("debug-1")} {
		if !strings.HasPrefix(name, "debug-1_") {
			t.Errorf("volume %q missing guest prefix", name)
		}
	}
}
