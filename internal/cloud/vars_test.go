package cloud

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jbweber/vmspawn/internal/machine"
)

func mustSpec(t *testing.T, s string) machine.Spec {
	t.Helper()
	spec, err := machine.ParseSpec(s)
	if err != nil {
		t.Fatalf("ParseSpec(%q): %v", s, err)
	}
	spec.Location = machine.DefaultLocation
	return spec
}

func TestBuildServerVars(t *testing.T) {
	specs := []machine.Spec{
		mustSpec(t, "milo|x86_64"),
		mustSpec(t, "arm-box|aarch64|debian-12"),
	}

	servers, err := buildServerVars(specs, nil)
	if err != nil {
		t.Fatalf("buildServerVars failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %d", len(servers))
	}

	if servers[0].Name != "milo" || servers[0].ServerType != "cpx11" || servers[0].OSImage != "ubuntu-24.04" {
		t.Errorf("first server = %+v", servers[0])
	}
	if servers[1].Name != "arm-box" || servers[1].ServerType != "cax11" || servers[1].OSImage != "debian-12" {
		t.Errorf("second server = %+v", servers[1])
	}
	if servers[0].Location != "nbg1" {
		t.Errorf("location = %q", servers[0].Location)
	}
	if servers[0].IPv4 != nil || servers[0].IPv6 != nil {
		t.Error("addresses must start unset; the engine assigns them")
	}
}

func TestBuildServerVars_RenamesCollisions(t *testing.T) {
	specs := []machine.Spec{mustSpec(t, "milo|x86_64")}

	servers, err := buildServerVars(specs, []string{"milo", "milo-0"})
	if err != nil {
		t.Fatalf("buildServerVars failed: %v", err)
	}
	if servers[0].Name != "milo-1" {
		t.Errorf("renamed to %q, want milo-1", servers[0].Name)
	}
}

func TestBuildServerVars_BatchInternalCollision(t *testing.T) {
	specs := []machine.Spec{
		mustSpec(t, "milo|x86_64"),
		mustSpec(t, "milo|aarch64"),
	}

	servers, err := buildServerVars(specs, nil)
	if err != nil {
		t.Fatalf("buildServerVars failed: %v", err)
	}
	if servers[0].Name != "milo" || servers[1].Name != "milo-0" {
		t.Errorf("names = %q, %q", servers[0].Name, servers[1].Name)
	}
}

func TestWriteVars(t *testing.T) {
	workDir := t.TempDir()
	servers := []serverVars{{
		Name:       "milo",
		Location:   "nbg1",
		ServerType: "cpx11",
		OSImage:    "ubuntu-24.04",
		Arch:       "x86_64",
	}}

	if err := writeVars(workDir, []string{"ssh-ed25519 AAAA op"}, servers); err != nil {
		t.Fatalf("writeVars failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(workDir, varsFileName))
	if err != nil {
		t.Fatalf("read vars file: %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("vars file is not valid JSON: %v", err)
	}
	if _, ok := doc["ssh_pubkeys"]; !ok {
		t.Error("ssh_pubkeys missing")
	}

	var parsed varsFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal vars: %v", err)
	}
	if len(parsed.Servers) != 1 || parsed.Servers[0].Name != "milo" {
		t.Errorf("servers = %+v", parsed.Servers)
	}
	// Unset addresses must serialize as explicit nulls for the module.
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	server := raw["servers"].([]any)[0].(map[string]any)
	if v, ok := server["ipv4"]; !ok || v != nil {
		t.Errorf("ipv4 = %v, want explicit null", v)
	}
}
