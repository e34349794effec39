// Package machineid collects the machine fingerprint that binds local
// state to the machine it was written on.
//
// The fingerprint folds together hostname, username, stable hardware
// addresses, the OS machine id, and (when a TPM is present) TPM
// manufacturer properties. Collection is best effort and never fails:
// a source that cannot be read is simply left out, which keeps the
// fingerprint stable on machines without that source.
package machineid

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"os/user"
	"sort"
	"strings"
)

// Fingerprint is the raw material the machine identity is computed from.
type Fingerprint struct {
	Hostname      string
	Username      string
	MachineID     string
	HardwareAddrs []string
	TPMProperties string
}

// Collect gathers fingerprint material from the current machine.
func Collect() Fingerprint {
	fp := Fingerprint{}

	if hostname, err := os.Hostname(); err == nil {
		fp.Hostname = hostname
	}
	if u, err := user.Current(); err == nil {
		fp.Username = u.Username
	} else if name := os.Getenv("USER"); name != "" {
		fp.Username = name
	}
	if id, err := os.ReadFile("/etc/machine-id"); err == nil {
		fp.MachineID = strings.TrimSpace(string(id))
	}
	fp.HardwareAddrs = hardwareAddrs()
	fp.TPMProperties = tpmProperties()

	return fp
}

// hardwareAddrs returns the non-loopback MAC addresses, sorted for a
// stable fingerprint regardless of interface enumeration order.
func hardwareAddrs() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var addrs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		addrs = append(addrs, mac)
	}
	sort.Strings(addrs)
	return addrs
}

// Sum computes the fingerprint digest with length-prefixed fields so
// adjacent fields cannot collide into the same hash input.
func (f Fingerprint) Sum() []byte {
	h := sha256.New()
	write := func(field string) {
		h.Write([]byte{byte(len(field) >> 8), byte(len(field))})
		h.Write([]byte(field))
	}
	write(f.Hostname)
	write(f.Username)
	write(f.MachineID)
	for _, addr := range f.HardwareAddrs {
		write(addr)
	}
	write(f.TPMProperties)
	return h.Sum(nil)
}

// Hex returns the short printable machine id: the first 16 bytes of the
// fingerprint digest, hex encoded.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f.Sum()[:16])
}
