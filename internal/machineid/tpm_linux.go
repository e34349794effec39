//go:build linux

package machineid

import (
	"fmt"
	"os"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference: resource manager first,
// direct device as fallback.
var tpmDevicePaths = []string{"/dev/tpmrm0", "/dev/tpm0"}

// tpmProperties reads the TPM manufacturer and firmware version and folds
// them into a single string for the fingerprint. Machines without an
// accessible TPM contribute an empty string.
func tpmProperties() string {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		props, err := readTPMProperties(path)
		if err != nil {
			continue
		}
		return props
	}
	return ""
}

func readTPMProperties(path string) (string, error) {
	tpmTransport, err := transport.OpenTPM(path)
	if err != nil {
		return "", err
	}
	defer tpmTransport.Close()

	getCap := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}
	rsp, err := getCap.Execute(tpmTransport)
	if err != nil {
		return "", err
	}
	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil || len(props.TPMProperty) == 0 {
		return "", fmt.Errorf("no manufacturer property")
	}
	mfr := props.TPMProperty[0].Value
	manufacturer := fmt.Sprintf("%c%c%c%c", byte(mfr>>24), byte(mfr>>16), byte(mfr>>8), byte(mfr))

	firmware := ""
	getCap = tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTFirmwareVersion1),
		PropertyCount: 2,
	}
	if rsp, err := getCap.Execute(tpmTransport); err == nil {
		if props, err := rsp.CapabilityData.Data.TPMProperties(); err == nil && len(props.TPMProperty) >= 2 {
			firmware = fmt.Sprintf("%d.%d", props.TPMProperty[0].Value, props.TPMProperty[1].Value)
		}
	}

	return "tpm:" + manufacturer + ":" + firmware, nil
}
