package machineid

import (
	"bytes"
	"testing"
)

func TestSumDeterministic(t *testing.T) {
	fp := Fingerprint{
		Hostname:      "examhost",
		Username:      "student",
		MachineID:     "a1b2c3",
		HardwareAddrs: []string{"aa:bb:cc:dd:ee:ff"},
	}
	if !bytes.Equal(fp.Sum(), fp.Sum()) {
		t.Error("Sum is not deterministic")
	}
	if len(fp.Sum()) != 32 {
		t.Errorf("Sum length = %d, want 32", len(fp.Sum()))
	}
}

func TestSumFieldBoundaries(t *testing.T) {
	// Length prefixing must keep adjacent fields from colliding.
	a := Fingerprint{Hostname: "ab", Username: "c"}
	b := Fingerprint{Hostname: "a", Username: "bc"}
	if bytes.Equal(a.Sum(), b.Sum()) {
		t.Error("field boundary collision in fingerprint digest")
	}
}

func TestSumSensitivity(t *testing.T) {
	base := Fingerprint{Hostname: "examhost", Username: "student"}
	tests := []struct {
		name  string
		other Fingerprint
	}{
		{"hostname", Fingerprint{Hostname: "otherhost", Username: "student"}},
		{"username", Fingerprint{Hostname: "examhost", Username: "other"}},
		{"machine id", Fingerprint{Hostname: "examhost", Username: "student", MachineID: "x"}},
		{"mac", Fingerprint{Hostname: "examhost", Username: "student", HardwareAddrs: []string{"00:11:22:33:44:55"}}},
		{"tpm", Fingerprint{Hostname: "examhost", Username: "student", TPMProperties: "tpm:IFX:1.2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if bytes.Equal(base.Sum(), tt.other.Sum()) {
				t.Error("changed field did not change the digest")
			}
		})
	}
}

func TestHexFormat(t *testing.T) {
	fp := Fingerprint{Hostname: "examhost"}
	id := fp.Hex()
	if len(id) != 32 {
		t.Errorf("Hex length = %d, want 32 (16 bytes hex)", len(id))
	}
}

func TestCollectNeverPanics(t *testing.T) {
	fp := Collect()
	// Any field may be empty in a constrained environment; the digest
	// must still be computable.
	if len(fp.Sum()) != 32 {
		t.Error("Collect produced unusable fingerprint")
	}
}
