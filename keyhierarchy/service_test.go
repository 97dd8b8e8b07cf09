package keyhierarchy

import (
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/tee-confidential-io/interfaces"
	"github.com/ruteri/tee-confidential-io/securemem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testReport(seed byte) interfaces.MeasurementReport {
	m := make(map[int][]byte, 8)
	for i := 0; i < 8; i++ {
		reg := make([]byte, 48)
		for j := range reg {
			reg[j] = seed ^ byte(i*j)
		}
		m[i] = reg
	}
	return interfaces.MeasurementReport{Vendor: interfaces.VendorSimulated, Measurements: m}
}

func testPCRs(seed byte) interfaces.PcrValues {
	v := make(interfaces.PcrValues, 8)
	for i := 0; i < 8; i++ {
		d := make([]byte, 32)
		for j := range d {
			d[j] = seed + byte(i+j)
		}
		v[i] = d
	}
	return v
}

func newTestService(t *testing.T, report interfaces.MeasurementReport, pcrs interfaces.PcrValues, clock *testClock) (*Service, *securemem.Manager) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	mgr := securemem.NewManager(log, 0)
	t.Cleanup(mgr.Shutdown)

	cfg := Config{
		Measurement:      &SimulatedMeasurementProvider{Report: report},
		PCRs:             &SimulatedPCRReader{Values: pcrs},
		RotationInterval: time.Hour,
		Memory:           mgr,
		Log:              log,
	}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	svc, err := New(cfg)
	require.NoError(t, err, "Service construction should succeed")
	t.Cleanup(svc.Shutdown)
	return svc, mgr
}

func subKeyBytes(t *testing.T, mgr *securemem.Manager, ref interfaces.SubKeyRef) []byte {
	t.Helper()
	var out []byte
	err := mgr.WithBytes(ref.Buffer, func(raw []byte) error {
		out = append([]byte(nil), raw...)
		return nil
	})
	require.NoError(t, err, "Subkey buffer should be readable")
	return out
}

func TestDerivationIsDeterministic(t *testing.T) {
	report, pcrs := testReport(0x42), testPCRs(0x17)

	svcA, mgrA := newTestService(t, report, pcrs, nil)
	svcB, mgrB := newTestService(t, report, pcrs, nil)

	refA, err := svcA.DeriveSubKey("workspace/models")
	require.NoError(t, err)
	refB, err := svcB.DeriveSubKey("workspace/models")
	require.NoError(t, err)

	assert.Equal(t, refA.ID, refB.ID, "Identical platform state must yield identical key ids")
	assert.Equal(t, subKeyBytes(t, mgrA, refA), subKeyBytes(t, mgrB, refB),
		"Identical platform state must yield identical subkeys across restarts")
}

func TestSingleBitMeasurementChangesKey(t *testing.T) {
	report, pcrs := testReport(0x42), testPCRs(0x17)

	tampered := testReport(0x42)
	tampered.Measurements[3] = append([]byte(nil), tampered.Measurements[3]...)
	tampered.Measurements[3][0] ^= 0x01

	svcA, mgrA := newTestService(t, report, pcrs, nil)
	svcB, mgrB := newTestService(t, tampered, pcrs, nil)

	refA, err := svcA.DeriveSubKey("workspace/models")
	require.NoError(t, err)
	refB, err := svcB.DeriveSubKey("workspace/models")
	require.NoError(t, err)

	assert.NotEqual(t, subKeyBytes(t, mgrA, refA), subKeyBytes(t, mgrB, refB),
		"A single flipped measurement bit must change the derived key")
	assert.NotEqual(t, refA.ID, refB.ID, "Key ids must diverge with the measurement")
}

func TestPurposeIsolation(t *testing.T) {
	svc, mgr := newTestService(t, testReport(1), testPCRs(2), nil)

	refA, err := svc.DeriveSubKey("workspace/models")
	require.NoError(t, err)
	refB, err := svc.DeriveSubKey("workspace/checkpoints")
	require.NoError(t, err)

	assert.NotEqual(t, subKeyBytes(t, mgr, refA), subKeyBytes(t, mgr, refB),
		"Different purpose labels must derive independent keys")
}

func TestRepeatedDeriveReturnsSameVersion(t *testing.T) {
	svc, _ := newTestService(t, testReport(1), testPCRs(2), nil)

	refA, err := svc.DeriveSubKey("p")
	require.NoError(t, err)
	refB, err := svc.DeriveSubKey("p")
	require.NoError(t, err)

	assert.Equal(t, refA, refB, "Derive within the rotation interval must return the same version")
	assert.False(t, refA.DecryptOnly, "Active subkeys allow encryption")
}

func TestRotation(t *testing.T) {
	svc, mgr := newTestService(t, testReport(1), testPCRs(2), nil)

	v1, err := svc.DeriveSubKey("p")
	require.NoError(t, err)

	v2, err := svc.Rotate("p")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v2.Version, "Rotation should bump the version")
	assert.NotEqual(t, subKeyBytes(t, mgr, v1), subKeyBytes(t, mgr, v2),
		"Rotation must derive fresh key material")

	active, err := svc.DeriveSubKey("p")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID, "Derive after rotation must issue the new version")

	old, err := svc.SubKeyForVersion("p", 1)
	require.NoError(t, err, "Superseded version should stay available for decryption")
	assert.True(t, old.DecryptOnly, "Superseded versions are decrypt-only")
	assert.Equal(t, v1.ID, old.ID)
}

func TestRotateUnderivedFails(t *testing.T) {
	svc, _ := newTestService(t, testReport(1), testPCRs(2), nil)

	_, err := svc.Rotate("never-derived")
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameter,
		"Rotating a purpose that was never derived must fail")
}

func TestOverdueKeyRotatesAtIssuance(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, testReport(1), testPCRs(2), clock)

	v1, err := svc.DeriveSubKey("p")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v1.Version)

	clock.Advance(2 * time.Hour)

	ref, err := svc.DeriveSubKey("p")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ref.Version,
		"An active version older than the rotation interval must never be issued")
}

func TestSupersededVersionExpires(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, testReport(1), testPCRs(2), clock)

	_, err := svc.DeriveSubKey("p")
	require.NoError(t, err)
	_, err = svc.Rotate("p")
	require.NoError(t, err)

	_, err = svc.SubKeyForVersion("p", 1)
	require.NoError(t, err, "Freshly superseded version should still serve decryption")

	clock.Advance(2 * time.Hour)

	_, err = svc.SubKeyForVersion("p", 1)
	assert.ErrorIs(t, err, interfaces.ErrKeyRevoked,
		"A superseded version past the rotation interval must be unusable")
}

func TestRevocationIsTerminal(t *testing.T) {
	svc, mgr := newTestService(t, testReport(1), testPCRs(2), nil)

	ref, err := svc.DeriveSubKey("p")
	require.NoError(t, err)
	_, err = svc.Rotate("p")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ref.ID), "Revoking a known key id should succeed")

	assert.False(t, mgr.Tracked(ref.Buffer), "Revocation must wipe the key buffer")

	_, err = svc.DeriveSubKey("p")
	assert.ErrorIs(t, err, interfaces.ErrKeyRevoked, "Derive after revocation must fail")
	_, err = svc.Rotate("p")
	assert.ErrorIs(t, err, interfaces.ErrKeyRevoked, "Rotate after revocation must fail")
	_, err = svc.SubKeyForVersion("p", 2)
	assert.ErrorIs(t, err, interfaces.ErrKeyRevoked, "Old versions die with the slot")

	err = svc.Revoke(ref.ID)
	assert.ErrorIs(t, err, interfaces.ErrKeyRevoked, "Double revocation is reported, not ignored")

	status, err := svc.Status("p")
	require.NoError(t, err)
	assert.Equal(t, "revoked", status.State)
}

func TestRevokeUnknownID(t *testing.T) {
	svc, _ := newTestService(t, testReport(1), testPCRs(2), nil)

	err := svc.Revoke(interfaces.KeyID{0xde, 0xad})
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameter, "Unknown key ids must be rejected")
}

func TestAttestationFailureIsFatal(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	mgr := securemem.NewManager(log, 0)
	defer mgr.Shutdown()

	_, err := New(Config{
		Measurement: &SimulatedMeasurementProvider{},
		PCRs:        &SimulatedPCRReader{Values: testPCRs(2)},
		Memory:      mgr,
		Log:         log,
	})
	assert.ErrorIs(t, err, interfaces.ErrAttestationFailed,
		"Missing attestation capability must abort startup, not degrade")
}

func TestShutdownWipesMaster(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	mgr := securemem.NewManager(log, 0)
	defer mgr.Shutdown()

	svc, err := New(Config{
		Measurement: &SimulatedMeasurementProvider{Report: testReport(1)},
		PCRs:        &SimulatedPCRReader{Values: testPCRs(2)},
		Memory:      mgr,
		Log:         log,
	})
	require.NoError(t, err)

	require.True(t, mgr.Tracked(svc.master))
	svc.Shutdown()
	assert.False(t, mgr.Tracked(svc.master), "Shutdown must wipe the master key buffer")
}
