package machine

import (
	"errors"
	"testing"
)

func TestParseSpec_Valid(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want Spec
	}{
		{
			name: "name and arch",
			spec: "milo|x86_64",
			want: Spec{Name: "milo", Architecture: ArchX86_64, OSImage: "ubuntu-24.04", ServerType: "cpx11"},
		},
		{
			name: "arm machine",
			spec: "arm-box|aarch64",
			want: Spec{Name: "arm-box", Architecture: ArchAarch64, OSImage: "ubuntu-24.04", ServerType: "cax11"},
		},
		{
			name: "explicit image",
			spec: "deb|x86_64|debian-12",
			want: Spec{Name: "deb", Architecture: ArchX86_64, OSImage: "debian-12", ServerType: "cpx11"},
		},
		{
			name: "whitespace is trimmed",
			spec: " milo | x86_64 | fedora-42 ",
			want: Spec{Name: "milo", Architecture: ArchX86_64, OSImage: "fedora-42", ServerType: "cpx11"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.spec)
			if err != nil {
				t.Fatalf("ParseSpec(%q) returned error: %v", tt.spec, err)
			}
			if got != tt.want {
				t.Errorf("ParseSpec(%q) = %+v, want %+v", tt.spec, got, tt.want)
			}
		})
	}
}

func TestParseSpec_Invalid(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"no separator", "milo"},
		{"too many parts", "a|b|c|d"},
		{"empty name", "|x86_64"},
		{"whitespace name", "   |x86_64"},
		{"empty arch", "milo|"},
		{"unknown arch", "milo|riscv64"},
		{"empty image part", "milo|x86_64|"},
		{"unknown image", "milo|x86_64|arch-linux"},
		{"empty string", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpec(tt.spec)
			if err == nil {
				t.Fatalf("ParseSpec(%q) succeeded, want error", tt.spec)
			}
			var specErr *InvalidSpecError
			if !errors.As(err, &specErr) {
				t.Errorf("ParseSpec(%q) error type = %T, want *InvalidSpecError", tt.spec, err)
			}
		})
	}
}

// Resolution must be deterministic: the same spec string parsed twice
// yields identical results.
func TestParseSpec_Idempotent(t *testing.T) {
	first, err := ParseSpec("milo|x86_64")
	if err != nil {
		t.Fatalf("first parse failed: %v", err)
	}
	second, err := ParseSpec("milo|x86_64")
	if err != nil {
		t.Fatalf("second parse failed: %v", err)
	}
	if first != second {
		t.Errorf("parse is not deterministic: %+v != %+v", first, second)
	}
}

func TestValidateLocation(t *testing.T) {
	if err := ValidateLocation("nbg1"); err != nil {
		t.Errorf("nbg1 should be valid: %v", err)
	}
	if err := ValidateLocation("moon1"); err == nil {
		t.Error("moon1 should be rejected")
	}
}

func TestSupportedLists(t *testing.T) {
	archs := SupportedArchitectures()
	if len(archs) != 2 || archs[0] != "aarch64" || archs[1] != "x86_64" {
		t.Errorf("unexpected architectures: %v", archs)
	}
	images := SupportedOSImages()
	if len(images) != 4 {
		t.Errorf("expected 4 OS images, got %v", images)
	}
}
