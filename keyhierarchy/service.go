package keyhierarchy

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ruteri/tee-confidential-io/interfaces"
	"github.com/ruteri/tee-confidential-io/securemem"
	"golang.org/x/crypto/hkdf"
)

// DefaultRotationInterval is the upper bound on the age of an active subkey
// version, checked at issuance.
const DefaultRotationInterval = 24 * time.Hour

const subKeySize = 32

// Config carries the collaborators and policy for a key hierarchy service.
type Config struct {
	// Measurement provides the CPU attestation evidence for the hardware
	// root. Required; a missing or failing provider is fatal.
	Measurement interfaces.MeasurementProvider

	// PCRs provides the TPM state for the platform root. Required.
	PCRs interfaces.PCRReader

	// PCRIndices selects the registers feeding the platform root. Empty
	// uses DefaultPCRIndices.
	PCRIndices []int

	// RotationInterval bounds how long one subkey version stays active.
	// Zero uses DefaultRotationInterval.
	RotationInterval time.Duration

	// Memory tracks all key material buffers. Required.
	Memory *securemem.Manager

	Log *slog.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// SlotStatus is the externally visible metadata of one purpose slot. It never
// includes key bytes.
type SlotStatus struct {
	Purpose       interfaces.PurposeLabel `json:"purpose"`
	State         string                  `json:"state"`
	ActiveVersion uint32                  `json:"active_version"`
	ActiveKeyID   string                  `json:"active_key_id"`
	ActiveSince   time.Time               `json:"active_since"`
	Versions      []uint32                `json:"versions"`
}

type subKeyVersion struct {
	id           interfaces.KeyID
	buffer       interfaces.BufferID
	issuedAt     time.Time
	supersededAt time.Time
}

type slot struct {
	mu       sync.Mutex
	state    interfaces.KeyState
	current  uint32
	versions map[uint32]*subKeyVersion
	activeAt time.Time
}

// Service implements the key hierarchy. The hardware and platform roots are
// folded into a single master key at startup; the roots themselves are wiped
// before New returns and only the master, sealed in a locked buffer, persists
// for the service lifetime.
type Service struct {
	log      *slog.Logger
	memory   *securemem.Manager
	interval time.Duration
	now      func() time.Time

	master interfaces.BufferID

	mu    sync.Mutex
	slots map[interfaces.PurposeLabel]*slot

	// revoked maps key ids to their purpose so Revoke can resolve an id
	// without scanning every slot.
	revokedIndex map[interfaces.KeyID]interfaces.PurposeLabel
}

// HardwareKey derives the hardware root from a measurement report. A report
// with no measurements fails with ErrAttestationFailed; there is no software
// fallback for the hardware root.
func HardwareKey(report interfaces.MeasurementReport) ([]byte, error) {
	if len(report.Measurements) == 0 {
		return nil, fmt.Errorf("%w: measurement report is empty", interfaces.ErrAttestationFailed)
	}
	return expandRoot(report.Canonical(), "hardware-root")
}

// PlatformKey derives the platform root from TPM PCR digests.
func PlatformKey(pcrs interfaces.PcrValues) ([]byte, error) {
	if len(pcrs) == 0 {
		return nil, fmt.Errorf("%w: no PCR values", interfaces.ErrAttestationFailed)
	}
	return expandRoot(pcrs.Canonical(), "platform-root")
}

func expandRoot(seed []byte, label string) ([]byte, error) {
	out := make([]byte, subKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(label)), out); err != nil {
		return nil, fmt.Errorf("deriving %s: %w", label, err)
	}
	return out, nil
}

// New derives the root hierarchy and returns a ready service. Derivation is
// deterministic: the same measurements and PCR state always produce the same
// master key, so sealed objects survive reboots without any key being stored.
func New(cfg Config) (*Service, error) {
	if cfg.Measurement == nil || cfg.PCRs == nil || cfg.Memory == nil {
		return nil, fmt.Errorf("%w: measurement provider, PCR reader and memory manager are required", interfaces.ErrInvalidArgument)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.RotationInterval
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	indices := cfg.PCRIndices
	if len(indices) == 0 {
		indices = DefaultPCRIndices
	}

	report, err := cfg.Measurement.Measurement()
	if err != nil {
		return nil, fmt.Errorf("hardware root unavailable: %w", err)
	}
	hardware, err := HardwareKey(report)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(hardware)

	pcrs, err := cfg.PCRs.ReadPCRs(indices)
	if err != nil {
		memguard.WipeBytes(hardware)
		return nil, fmt.Errorf("platform root unavailable: %w", err)
	}
	platform, err := PlatformKey(pcrs)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(platform)

	seed := make([]byte, 0, len(hardware)+len(platform))
	seed = append(seed, hardware...)
	seed = append(seed, platform...)
	master, err := expandRoot(seed, "master-key")
	memguard.WipeBytes(seed)
	if err != nil {
		return nil, err
	}

	// Seal wipes the source, leaving the locked buffer as the only copy.
	buf, err := cfg.Memory.Seal(master, interfaces.KeyMaterial)
	if err != nil {
		memguard.WipeBytes(master)
		return nil, fmt.Errorf("sealing master key: %w", err)
	}

	log.Info("key hierarchy derived",
		slog.String("vendor", string(report.Vendor)),
		slog.Int("measurements", len(report.Measurements)),
		slog.Int("pcrs", len(pcrs)))

	return &Service{
		log:          log,
		memory:       cfg.Memory,
		interval:     interval,
		now:          now,
		master:       buf.ID(),
		slots:        make(map[interfaces.PurposeLabel]*slot),
		revokedIndex: make(map[interfaces.KeyID]interfaces.PurposeLabel),
	}, nil
}

// DeriveSubKey issues the active subkey for a purpose label, deriving version
// 1 on first use. If the active version has outlived the rotation interval it
// is rotated before issuance, so no caller ever receives an overdue key.
func (s *Service) DeriveSubKey(purpose interfaces.PurposeLabel) (interfaces.SubKeyRef, error) {
	if err := purpose.Validate(); err != nil {
		return interfaces.SubKeyRef{}, err
	}

	sl := s.slot(purpose)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.state == interfaces.KeyRevoked {
		return interfaces.SubKeyRef{}, fmt.Errorf("%w: purpose %q", interfaces.ErrKeyRevoked, purpose)
	}

	if sl.state == interfaces.KeyUnderived {
		if err := s.deriveVersionLocked(purpose, sl, 1); err != nil {
			return interfaces.SubKeyRef{}, err
		}
	} else if s.now().Sub(sl.activeAt) >= s.interval {
		s.log.Info("subkey overdue at issuance, rotating",
			slog.String("purpose", string(purpose)),
			slog.Uint64("version", uint64(sl.current)))
		if err := s.rotateLocked(purpose, sl); err != nil {
			return interfaces.SubKeyRef{}, err
		}
	}

	v := sl.versions[sl.current]
	return interfaces.SubKeyRef{
		ID:      v.id,
		Purpose: purpose,
		Version: sl.current,
		Buffer:  v.buffer,
	}, nil
}

// SubKeyForVersion returns a decrypt-only reference to a specific version, for
// objects sealed before a rotation. Superseded versions expire one rotation
// interval after being replaced and then behave as revoked.
func (s *Service) SubKeyForVersion(purpose interfaces.PurposeLabel, version uint32) (interfaces.SubKeyRef, error) {
	if err := purpose.Validate(); err != nil {
		return interfaces.SubKeyRef{}, err
	}

	sl := s.slot(purpose)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.state == interfaces.KeyRevoked {
		return interfaces.SubKeyRef{}, fmt.Errorf("%w: purpose %q", interfaces.ErrKeyRevoked, purpose)
	}
	v, ok := sl.versions[version]
	if !ok {
		return interfaces.SubKeyRef{}, fmt.Errorf("%w: purpose %q has no version %d", interfaces.ErrInvalidParameter, purpose, version)
	}
	if version != sl.current && !v.supersededAt.IsZero() && s.now().Sub(v.supersededAt) >= s.interval {
		return interfaces.SubKeyRef{}, fmt.Errorf("%w: purpose %q version %d expired", interfaces.ErrKeyRevoked, purpose, version)
	}

	return interfaces.SubKeyRef{
		ID:          v.id,
		Purpose:     purpose,
		Version:     version,
		DecryptOnly: true,
		Buffer:      v.buffer,
	}, nil
}

// Rotate derives the next version for a purpose label and makes it active.
// The superseded version stays available through SubKeyForVersion for one
// rotation interval.
func (s *Service) Rotate(purpose interfaces.PurposeLabel) (interfaces.SubKeyRef, error) {
	if err := purpose.Validate(); err != nil {
		return interfaces.SubKeyRef{}, err
	}

	sl := s.slot(purpose)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	switch sl.state {
	case interfaces.KeyRevoked:
		return interfaces.SubKeyRef{}, fmt.Errorf("%w: purpose %q", interfaces.ErrKeyRevoked, purpose)
	case interfaces.KeyUnderived:
		return interfaces.SubKeyRef{}, fmt.Errorf("%w: purpose %q has no key to rotate", interfaces.ErrInvalidParameter, purpose)
	}

	if err := s.rotateLocked(purpose, sl); err != nil {
		return interfaces.SubKeyRef{}, err
	}
	v := sl.versions[sl.current]
	return interfaces.SubKeyRef{
		ID:      v.id,
		Purpose: purpose,
		Version: sl.current,
		Buffer:  v.buffer,
	}, nil
}

// Revoke permanently disables the slot owning the given key id and wipes every
// version's key bytes. Revocation is terminal: the slot never derives again,
// and sealed objects under any of its versions become unrecoverable.
func (s *Service) Revoke(id interfaces.KeyID) error {
	s.mu.Lock()
	var target *slot
	var purpose interfaces.PurposeLabel
	for p, sl := range s.slots {
		sl.mu.Lock()
		for _, v := range sl.versions {
			if v.id == id {
				target, purpose = sl, p
				break
			}
		}
		if target != nil {
			// Keep target locked past the registry unlock.
			break
		}
		sl.mu.Unlock()
	}
	if target == nil {
		if p, ok := s.revokedIndex[id]; ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: purpose %q already revoked", interfaces.ErrKeyRevoked, p)
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown key id %s", interfaces.ErrInvalidParameter, id)
	}
	for _, v := range target.versions {
		s.revokedIndex[v.id] = purpose
	}
	s.mu.Unlock()
	defer target.mu.Unlock()

	for ver, v := range target.versions {
		if err := s.memory.WipeAndFree(v.buffer); err != nil {
			s.log.Warn("revoked key buffer already released",
				slog.String("purpose", string(purpose)),
				slog.Uint64("version", uint64(ver)))
		}
	}
	target.versions = make(map[uint32]*subKeyVersion)
	target.state = interfaces.KeyRevoked

	s.log.Warn("purpose revoked",
		slog.String("purpose", string(purpose)),
		slog.String("key_id", id.String()))
	return nil
}

// Status returns the metadata of a purpose slot.
func (s *Service) Status(purpose interfaces.PurposeLabel) (SlotStatus, error) {
	if err := purpose.Validate(); err != nil {
		return SlotStatus{}, err
	}

	s.mu.Lock()
	sl, ok := s.slots[purpose]
	s.mu.Unlock()
	if !ok {
		return SlotStatus{Purpose: purpose, State: interfaces.KeyUnderived.String()}, nil
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	st := SlotStatus{
		Purpose:       purpose,
		State:         sl.state.String(),
		ActiveVersion: sl.current,
		ActiveSince:   sl.activeAt,
	}
	if v, ok := sl.versions[sl.current]; ok {
		st.ActiveKeyID = v.id.String()
	}
	for ver := range sl.versions {
		st.Versions = append(st.Versions, ver)
	}
	return st, nil
}

// Purposes lists every label the service has derived for.
func (s *Service) Purposes() []interfaces.PurposeLabel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interfaces.PurposeLabel, 0, len(s.slots))
	for p := range s.slots {
		out = append(out, p)
	}
	return out
}

// Shutdown wipes the master key. Subkey buffers are owned by the same memory
// manager and fall to its shutdown sweep.
func (s *Service) Shutdown() {
	if err := s.memory.WipeAndFree(s.master); err != nil {
		s.log.Warn("master key buffer already released")
	}
}

func (s *Service) slot(purpose interfaces.PurposeLabel) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[purpose]
	if !ok {
		sl = &slot{
			state:    interfaces.KeyUnderived,
			versions: make(map[uint32]*subKeyVersion),
		}
		s.slots[purpose] = sl
	}
	return sl
}

// rotateLocked moves the slot through ROTATING and back to ACTIVE with the
// next version in place. Caller holds sl.mu, so the version bump is atomic as
// observed by every issuance path.
func (s *Service) rotateLocked(purpose interfaces.PurposeLabel, sl *slot) error {
	sl.state = interfaces.KeyRotating
	prev := sl.versions[sl.current]
	if err := s.deriveVersionLocked(purpose, sl, sl.current+1); err != nil {
		// Derivation failed; the previous version stays active.
		sl.state = interfaces.KeyActive
		return err
	}
	if prev != nil {
		prev.supersededAt = s.now()
	}
	return nil
}

// deriveVersionLocked derives one subkey version from the master key and
// installs it as the active version. The HKDF output carries both the key
// bytes and the key id; everything but the sealed key is wiped before return.
func (s *Service) deriveVersionLocked(purpose interfaces.PurposeLabel, sl *slot, version uint32) error {
	var id interfaces.KeyID
	var buffer interfaces.BufferID

	err := s.memory.WithBytes(s.master, func(master []byte) error {
		info := fmt.Sprintf("subkey|%s|v%d", purpose, version)
		okm := make([]byte, subKeySize+len(id))
		if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), okm); err != nil {
			return fmt.Errorf("deriving subkey %q v%d: %w", purpose, version, err)
		}
		copy(id[:], okm[subKeySize:])
		memguard.WipeBytes(okm[subKeySize:])

		buf, err := s.memory.Seal(okm[:subKeySize], interfaces.KeyMaterial)
		if err != nil {
			memguard.WipeBytes(okm)
			return fmt.Errorf("sealing subkey %q v%d: %w", purpose, version, err)
		}
		buffer = buf.ID()
		return nil
	})
	if err != nil {
		return err
	}

	now := s.now()
	sl.versions[version] = &subKeyVersion{id: id, buffer: buffer, issuedAt: now}
	sl.current = version
	sl.activeAt = now
	sl.state = interfaces.KeyActive

	s.log.Debug("subkey derived",
		slog.String("purpose", string(purpose)),
		slog.Uint64("version", uint64(version)),
		slog.String("key_id", id.String()))
	return nil
}
