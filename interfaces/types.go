package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MaxPathLength is the ceiling for object path names, checked before any
// policy lookup.
const MaxPathLength = 4096

// ProtectionMode decides how the interceptor treats an I/O operation.
type ProtectionMode int

const (
	// ModeEncrypt routes the operation through the encryption handler.
	ModeEncrypt ProtectionMode = iota

	// ModeIgnore accepts writes without persisting them. The caller sees
	// success; a diagnostic event is emitted. This mirrors the source
	// system's best-effort contract and is intentionally surprising.
	ModeIgnore

	// ModeBlock fails the operation with ErrPolicyDenied before any
	// underlying I/O.
	ModeBlock
)

// String returns the configuration spelling of the mode.
func (m ProtectionMode) String() string {
	switch m {
	case ModeEncrypt:
		return "ENCRYPT"
	case ModeIgnore:
		return "IGNORE"
	case ModeBlock:
		return "BLOCK"
	default:
		return fmt.Sprintf("ProtectionMode(%d)", int(m))
	}
}

// ProtectionModeFromString parses the configuration spelling of a mode.
func ProtectionModeFromString(s string) (ProtectionMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ENCRYPT":
		return ModeEncrypt, nil
	case "IGNORE":
		return ModeIgnore, nil
	case "BLOCK":
		return ModeBlock, nil
	default:
		return 0, fmt.Errorf("%w: unknown protection mode %q", ErrInvalidArgument, s)
	}
}

// ValidatePath applies the checks that precede every policy lookup.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if len(path) > MaxPathLength {
		return fmt.Errorf("%w: %d bytes over %d byte ceiling", ErrNameTooLong, len(path), MaxPathLength)
	}
	return nil
}

// PurposeLabel scopes a derived subkey to one specific use, for example one
// protected path or one application context. Compromise of one label never
// exposes keys derived for another.
type PurposeLabel string

// Validate rejects empty and oversized labels.
func (p PurposeLabel) Validate() error {
	if p == "" {
		return fmt.Errorf("%w: empty purpose label", ErrInvalidArgument)
	}
	if len(p) > MaxPathLength {
		return fmt.Errorf("%w: purpose label over %d bytes", ErrNameTooLong, MaxPathLength)
	}
	return nil
}

// KeyID uniquely identifies one derived key version.
type KeyID [16]byte

// String returns the hex representation of the key id.
func (id KeyID) String() string {
	return hex.EncodeToString(id[:])
}

// KeyIDFromHex parses a 32-character hex key id.
func KeyIDFromHex(s string) (KeyID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return KeyID{}, fmt.Errorf("%w: invalid key id hex: %v", ErrInvalidArgument, err)
	}
	if len(raw) != 16 {
		return KeyID{}, fmt.Errorf("%w: key id must be 16 bytes", ErrInvalidArgument)
	}
	var id KeyID
	copy(id[:], raw)
	return id, nil
}

// KeyState tracks the lifecycle of a derived key slot.
type KeyState int

const (
	// KeyUnderived is the initial state before first derivation.
	KeyUnderived KeyState = iota

	// KeyActive keys may be issued for both encryption and decryption.
	KeyActive

	// KeyRotating marks a slot whose replacement is being derived. The
	// transition back to active is atomic with the version bump.
	KeyRotating

	// KeyRevoked is terminal. Derive requests fail with ErrKeyRevoked.
	KeyRevoked
)

// String returns a log-friendly name for the state.
func (s KeyState) String() string {
	switch s {
	case KeyUnderived:
		return "underived"
	case KeyActive:
		return "active"
	case KeyRotating:
		return "rotating"
	case KeyRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("KeyState(%d)", int(s))
	}
}

// BufferID identifies a tracked secure buffer.
type BufferID [16]byte

// String returns the hex representation of the buffer id.
func (id BufferID) String() string {
	return hex.EncodeToString(id[:])
}

// BufferKind distinguishes the two classes of secure allocations.
type BufferKind int

const (
	// PlaintextStaging holds decrypted object bytes in flight. Lock
	// failures degrade to a warning.
	PlaintextStaging BufferKind = iota

	// KeyMaterial holds raw key bytes. Must never be pageable; lock
	// failure is a hard error.
	KeyMaterial
)

// String returns a log-friendly name for the kind.
func (k BufferKind) String() string {
	switch k {
	case PlaintextStaging:
		return "plaintext-staging"
	case KeyMaterial:
		return "key-material"
	default:
		return fmt.Sprintf("BufferKind(%d)", int(k))
	}
}

// SubKeyRef is the opaque handle the key service hands out in place of raw
// key bytes. The encryption handler exchanges it for the bytes internally via
// the secure buffer manager; callers outside the subsystem only ever see the
// metadata.
type SubKeyRef struct {
	// ID identifies this key version for revocation.
	ID KeyID

	// Purpose is the label the key was derived for.
	Purpose PurposeLabel

	// Version increments on every rotation of the purpose label.
	Version uint32

	// DecryptOnly marks a superseded version kept alive for reads until
	// objects referencing it are migrated or expire.
	DecryptOnly bool

	// Buffer locates the key bytes inside the secure buffer manager.
	Buffer BufferID
}

// Vendor selects the CPU attestation provider backing the hardware key.
type Vendor string

// Supported attestation vendors. Only TDX has an in-tree provider; the
// others resolve through the same interface when their SDKs are present.
const (
	VendorTDX       Vendor = "tdx"
	VendorSEVSNP    Vendor = "sev-snp"
	VendorNvidia    Vendor = "nvidia"
	VendorSimulated Vendor = "simulated"
)

// VendorFromString parses a vendor name.
func VendorFromString(s string) (Vendor, error) {
	switch Vendor(strings.ToLower(strings.TrimSpace(s))) {
	case VendorTDX:
		return VendorTDX, nil
	case VendorSEVSNP:
		return VendorSEVSNP, nil
	case VendorNvidia:
		return VendorNvidia, nil
	case VendorSimulated:
		return VendorSimulated, nil
	default:
		return "", errors.New("unsupported attestation vendor: " + s)
	}
}

// MeasurementReport is the stable, signature-free view of a CPU attestation
// report: the measurement registers that identify guest code and state. Key
// derivation consumes only this view so that identical hardware state yields
// identical keys across boots.
type MeasurementReport struct {
	Vendor       Vendor
	Measurements map[int][]byte
}

// Canonical serializes the report deterministically for key derivation:
// vendor, then each register in index order as index byte || value.
func (r MeasurementReport) Canonical() []byte {
	out := []byte(r.Vendor)
	for i := 0; i < 64; i++ {
		m, ok := r.Measurements[i]
		if !ok {
			continue
		}
		out = append(out, byte(i))
		out = append(out, m...)
	}
	return out
}

// PcrValues maps TPM PCR indices to their digests.
type PcrValues map[int][]byte

// Canonical serializes PCR values deterministically, in index order.
func (p PcrValues) Canonical() []byte {
	var out []byte
	for i := 0; i < 24; i++ {
		v, ok := p[i]
		if !ok {
			continue
		}
		out = append(out, byte(i))
		out = append(out, v...)
	}
	return out
}
