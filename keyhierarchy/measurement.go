package keyhierarchy

import (
	"errors"
	"fmt"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/ruteri/tee-confidential-io/interfaces"
)

// MeasurementProviderFor returns the provider for a vendor. Only TDX ships
// in-tree; SEV-SNP and NVIDIA attestation resolve through the same interface
// once their SDK adapters are linked in.
func MeasurementProviderFor(vendor interfaces.Vendor) (interfaces.MeasurementProvider, error) {
	switch vendor {
	case interfaces.VendorTDX:
		return &TDXMeasurementProvider{}, nil
	case interfaces.VendorSimulated:
		return &SimulatedMeasurementProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: no measurement provider for vendor %q", errors.ErrUnsupported, vendor)
	}
}

// TDXMeasurementProvider reads the guest's TDX quote and exposes its
// measurement registers. Key derivation consumes only the registers, never
// the signed quote, so the derived keys are stable across quote requests.
type TDXMeasurementProvider struct{}

// Vendor identifies the provider.
func (*TDXMeasurementProvider) Vendor() interfaces.Vendor { return interfaces.VendorTDX }

// Measurement fetches a raw quote through configfs-tsm, falling back to the
// legacy device, and extracts MRTD, the four RTMRs and the owner/config
// registers in the same index layout the provisioning stack uses.
func (*TDXMeasurementProvider) Measurement() (interfaces.MeasurementReport, error) {
	raw, err := fetchRawQuote()
	if err != nil {
		return interfaces.MeasurementReport{}, fmt.Errorf("%w: reading TDX quote: %v", interfaces.ErrAttestationFailed, err)
	}

	protoQuote, err := tdx_abi.QuoteToProto(raw)
	if err != nil {
		return interfaces.MeasurementReport{}, fmt.Errorf("%w: could not parse quote: %v", interfaces.ErrAttestationFailed, err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return interfaces.MeasurementReport{}, fmt.Errorf("%w: unsupported quote type %T", interfaces.ErrAttestationFailed, protoQuote)
	}

	body := v4Quote.TdQuoteBody
	return interfaces.MeasurementReport{
		Vendor: interfaces.VendorTDX,
		Measurements: map[int][]byte{
			0: body.MrTd,
			1: body.Rtmrs[0],
			2: body.Rtmrs[1],
			3: body.Rtmrs[2],
			4: body.Rtmrs[3],
			5: body.MrConfigId,
			6: body.MrOwner,
			7: body.MrOwnerConfig,
		},
	}, nil
}

func fetchRawQuote() ([]byte, error) {
	var reportData [64]byte

	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// SimulatedMeasurementProvider serves a fixed report for development and
// tests. An empty report simulates an absent attestation capability.
type SimulatedMeasurementProvider struct {
	Report interfaces.MeasurementReport
	Err    error
}

// Vendor identifies the provider.
func (*SimulatedMeasurementProvider) Vendor() interfaces.Vendor { return interfaces.VendorSimulated }

// Measurement returns the configured report or error.
func (p *SimulatedMeasurementProvider) Measurement() (interfaces.MeasurementReport, error) {
	if p.Err != nil {
		return interfaces.MeasurementReport{}, p.Err
	}
	if len(p.Report.Measurements) == 0 {
		return interfaces.MeasurementReport{}, fmt.Errorf("%w: simulated provider has no measurement", interfaces.ErrAttestationFailed)
	}
	report := p.Report
	if report.Vendor == "" {
		report.Vendor = interfaces.VendorSimulated
	}
	return report, nil
}
