package keyhierarchy

import (
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/ruteri/tee-confidential-io/interfaces"
)

// DefaultTPMDevice is the kernel resource-managed TPM character device.
const DefaultTPMDevice = "/dev/tpmrm0"

// DefaultPCRIndices covers the firmware and boot measurement registers that
// feed the platform key.
var DefaultPCRIndices = []int{0, 1, 2, 3, 4, 5, 6, 7}

// LinuxPCRReader reads SHA-256 PCR banks from the local TPM device. Each call
// opens and closes the device; the key hierarchy only reads PCRs once per
// derivation so holding the transport open buys nothing.
type LinuxPCRReader struct {
	// DevicePath overrides DefaultTPMDevice when set.
	DevicePath string
}

// ReadPCRs returns the SHA-256 digests of the requested registers.
func (r *LinuxPCRReader) ReadPCRs(indices []int) (interfaces.PcrValues, error) {
	device := r.DevicePath
	if device == "" {
		device = DefaultTPMDevice
	}

	tpm, err := transport.OpenTPM(device)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", interfaces.ErrAttestationFailed, device, err)
	}
	defer tpm.Close()

	// One register per command keeps us under the TPM's per-read response
	// limit regardless of the selection size.
	out := make(interfaces.PcrValues, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx > 23 {
			return nil, fmt.Errorf("%w: PCR index %d out of range", interfaces.ErrInvalidArgument, idx)
		}

		resp, err := tpm2.PCRRead{
			PCRSelectionIn: tpm2.TPMLPCRSelection{
				PCRSelections: []tpm2.TPMSPCRSelection{{
					Hash:      tpm2.TPMAlgSHA256,
					PCRSelect: tpm2.PCClientCompatible.PCRs(uint(idx)),
				}},
			},
		}.Execute(tpm)
		if err != nil {
			return nil, fmt.Errorf("%w: reading PCR %d: %v", interfaces.ErrAttestationFailed, idx, err)
		}
		if len(resp.PCRValues.Digests) != 1 {
			return nil, fmt.Errorf("%w: PCR %d returned %d digests", interfaces.ErrAttestationFailed, idx, len(resp.PCRValues.Digests))
		}
		out[idx] = resp.PCRValues.Digests[0].Buffer
	}
	return out, nil
}

// SimulatedPCRReader serves fixed PCR values for development and tests.
type SimulatedPCRReader struct {
	Values interfaces.PcrValues
	Err    error
}

// ReadPCRs returns the configured digests for the requested registers.
func (r *SimulatedPCRReader) ReadPCRs(indices []int) (interfaces.PcrValues, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	out := make(interfaces.PcrValues, len(indices))
	for _, idx := range indices {
		v, ok := r.Values[idx]
		if !ok {
			return nil, fmt.Errorf("%w: no simulated value for PCR %d", interfaces.ErrAttestationFailed, idx)
		}
		out[idx] = v
	}
	return out, nil
}
