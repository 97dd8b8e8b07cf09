// The keyservice command runs the key hierarchy daemon: it derives the
// hardware-rooted key hierarchy at startup and serves the management API
// (derive, rotate, revoke, status) on a local listener.
package main

import (
	"crypto/sha256"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tee-confidential-io/api/keyhandler"
	"github.com/ruteri/tee-confidential-io/cmd/flags"
	"github.com/ruteri/tee-confidential-io/httpserver"
	"github.com/ruteri/tee-confidential-io/interfaces"
	"github.com/ruteri/tee-confidential-io/keyhierarchy"
	"github.com/ruteri/tee-confidential-io/securemem"
	"github.com/urfave/cli/v2"
)

var keyServiceLogFlag = flags.LogServiceFlagFn("keyservice")

var listenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8082",
	Usage: "address to listen on for the management API",
}

var rotationIntervalFlag = &cli.Int64Flag{
	Name:  "rotation-interval-days",
	Value: 1,
	Usage: "upper bound in days on the age of an active subkey version",
}

var simulatedSeedFlag = &cli.StringFlag{
	Name:  "simulated-seed",
	Usage: "measurement seed for the simulated attestation vendor (development only)",
}

func main() {
	app := &cli.App{
		Name:  "keyservice",
		Usage: "Serve the hardware-rooted key hierarchy",
		Flags: append([]cli.Flag{
			listenAddrFlag,
			rotationIntervalFlag,
			flags.AttestationVendorFlag,
			flags.TPMDeviceFlag,
			simulatedSeedFlag,
			keyServiceLogFlag,
		}, flags.CommonFlags...),
		Action: runKeyService,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runKeyService(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	vendor, err := interfaces.VendorFromString(cCtx.String(flags.AttestationVendorFlag.Name))
	if err != nil {
		return err
	}

	measurement, pcrs, err := attestationStack(cCtx, vendor, logger)
	if err != nil {
		return err
	}

	memory := securemem.NewManager(logger, 0)
	defer memory.Shutdown()

	keys, err := keyhierarchy.New(keyhierarchy.Config{
		Measurement:      measurement,
		PCRs:             pcrs,
		RotationInterval: time.Duration(cCtx.Int64(rotationIntervalFlag.Name)) * 24 * time.Hour,
		Memory:           memory,
		Log:              logger,
	})
	if err != nil {
		logger.Error("Failed to derive key hierarchy", "err", err)
		return err
	}
	defer keys.Shutdown()

	logger.Info("Key hierarchy initialized", "vendor", string(vendor))

	listenAddr := cCtx.String(listenAddrFlag.Name)
	srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger, listenAddr), keyhandler.NewHandler(keys, logger))
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	srv.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

// attestationStack builds the measurement provider and PCR reader for the
// selected vendor. The simulated vendor exists for development on machines
// without TDX or a TPM; its roots derive from a seed flag instead of
// hardware state.
func attestationStack(cCtx *cli.Context, vendor interfaces.Vendor, logger *slog.Logger) (interfaces.MeasurementProvider, interfaces.PCRReader, error) {
	if vendor == interfaces.VendorSimulated {
		seed := cCtx.String(simulatedSeedFlag.Name)
		if seed == "" {
			return nil, nil, fmt.Errorf("the simulated vendor requires --%s", simulatedSeedFlag.Name)
		}
		return simulatedStack(seed, logger)
	}

	measurement, err := keyhierarchy.MeasurementProviderFor(vendor)
	if err != nil {
		return nil, nil, err
	}
	return measurement, &keyhierarchy.LinuxPCRReader{
		DevicePath: cCtx.String(flags.TPMDeviceFlag.Name),
	}, nil
}

func simulatedStack(seed string, logger *slog.Logger) (interfaces.MeasurementProvider, interfaces.PCRReader, error) {
	measurements := make(map[int][]byte, 8)
	pcrs := make(interfaces.PcrValues, 8)
	for i := 0; i < 8; i++ {
		m := sha256.Sum256([]byte(fmt.Sprintf("measurement|%s|%d", seed, i)))
		p := sha256.Sum256([]byte(fmt.Sprintf("pcr|%s|%d", seed, i)))
		measurements[i] = m[:]
		pcrs[i] = p[:]
	}

	logger.Warn("running with simulated attestation, keys are not hardware-rooted")

	return &keyhierarchy.SimulatedMeasurementProvider{
			Report: interfaces.MeasurementReport{
				Vendor:       interfaces.VendorSimulated,
				Measurements: measurements,
			},
		}, &keyhierarchy.SimulatedPCRReader{Values: pcrs},
		nil
}
