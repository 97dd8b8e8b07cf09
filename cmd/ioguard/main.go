// The ioguard command drives the protection subsystem from the command line:
// it seals local files into the object store through the policy engine,
// unseals them back, and inspects stored objects.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/ruteri/tee-confidential-io/cmd/flags"
	"github.com/ruteri/tee-confidential-io/encryption"
	"github.com/ruteri/tee-confidential-io/interceptor"
	"github.com/ruteri/tee-confidential-io/interfaces"
	"github.com/ruteri/tee-confidential-io/keyhierarchy"
	"github.com/ruteri/tee-confidential-io/securemem"
	"github.com/ruteri/tee-confidential-io/storage"
	"github.com/urfave/cli/v2"
)

var ioguardLogFlag = flags.LogServiceFlagFn("ioguard")

var commonFlags = append([]cli.Flag{
	flags.PolicyFlag,
	flags.StorageFlag,
	flags.AttestationVendorFlag,
	flags.TPMDeviceFlag,
	ioguardLogFlag,
}, flags.LogJsonFlag, flags.LogDebugFlag, flags.LogUidFlag)

func main() {
	app := &cli.App{
		Name:  "ioguard",
		Usage: "Seal, unseal and inspect protected objects",
		Commands: []*cli.Command{
			{
				Name:      "seal",
				Usage:     "encrypt a local file into the object store",
				ArgsUsage: "<source-file> <logical-path>",
				Flags:     commonFlags,
				Action:    runSeal,
			},
			{
				Name:      "unseal",
				Usage:     "decrypt a stored object into a local file",
				ArgsUsage: "<logical-path> <destination-file>",
				Flags:     commonFlags,
				Action:    runUnseal,
			},
			{
				Name:      "inspect",
				Usage:     "report a stored object's size and integrity digest",
				ArgsUsage: "<logical-path>",
				Flags:     commonFlags,
				Action:    runInspect,
			},
			{
				Name:      "delete",
				Usage:     "remove a stored object",
				ArgsUsage: "<logical-path>",
				Flags:     commonFlags,
				Action:    runDelete,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// stack is the fully wired in-process subsystem.
type stack struct {
	icp    *interceptor.Interceptor
	keys   *keyhierarchy.Service
	memory *securemem.Manager
	log    *slog.Logger
}

func (s *stack) close() {
	s.icp.Shutdown()
	s.keys.Shutdown()
	s.memory.Shutdown()
}

func buildStack(cCtx *cli.Context) (*stack, error) {
	logger := flags.SetupLogger(cCtx)

	policy, err := interceptor.LoadPolicyConfig(cCtx.String(flags.PolicyFlag.Name))
	if err != nil {
		return nil, err
	}

	storageURIs := cCtx.StringSlice(flags.StorageFlag.Name)
	if len(storageURIs) == 0 {
		storageURIs = policy.StorageURIs
	}
	if len(storageURIs) == 0 {
		return nil, fmt.Errorf("no object store configured: set storage in the policy file or pass --%s", flags.StorageFlag.Name)
	}

	store, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(storageURIs)
	if err != nil {
		return nil, err
	}

	vendor, err := interfaces.VendorFromString(cCtx.String(flags.AttestationVendorFlag.Name))
	if err != nil {
		return nil, err
	}
	measurement, err := keyhierarchy.MeasurementProviderFor(vendor)
	if err != nil {
		return nil, err
	}

	memory := securemem.NewManager(logger, 0)

	keys, err := keyhierarchy.New(keyhierarchy.Config{
		Measurement: measurement,
		PCRs: &keyhierarchy.LinuxPCRReader{
			DevicePath: cCtx.String(flags.TPMDeviceFlag.Name),
		},
		RotationInterval: time.Duration(policy.RotationIntervalDays) * 24 * time.Hour,
		Memory:           memory,
		Log:              logger,
	})
	if err != nil {
		memory.Shutdown()
		return nil, err
	}

	icp, err := interceptor.New(interceptor.Config{
		Policy: policy,
		Keys:   keys,
		Enc:    encryption.NewHandler(memory, logger),
		Store:  store,
		Memory: memory,
		Log:    logger,
	})
	if err != nil {
		keys.Shutdown()
		memory.Shutdown()
		return nil, err
	}

	return &stack{icp: icp, keys: keys, memory: memory, log: logger}, nil
}

func runSeal(cCtx *cli.Context) error {
	if cCtx.NArg() != 2 {
		return fmt.Errorf("usage: ioguard seal <source-file> <logical-path>")
	}
	src, logicalPath := cCtx.Args().Get(0), cCtx.Args().Get(1)

	s, err := buildStack(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	h, err := s.icp.OpenForWrite(cCtx.Context, logicalPath)
	if err != nil {
		return err
	}

	written, err := io.Copy(h, in)
	if err != nil {
		h.Close(cCtx.Context)
		return err
	}
	if err := h.Close(cCtx.Context); err != nil {
		return err
	}

	s.log.Info("object sealed",
		slog.String("path", logicalPath),
		slog.Int64("bytes", written),
		slog.String("mode", h.Mode().String()))
	return nil
}

func runUnseal(cCtx *cli.Context) error {
	if cCtx.NArg() != 2 {
		return fmt.Errorf("usage: ioguard unseal <logical-path> <destination-file>")
	}
	logicalPath, dst := cCtx.Args().Get(0), cCtx.Args().Get(1)

	s, err := buildStack(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	h, err := s.icp.OpenForRead(cCtx.Context, logicalPath)
	if err != nil {
		return err
	}
	defer h.Close(cCtx.Context)

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	written, err := io.Copy(out, h)
	if err != nil {
		return err
	}

	s.log.Info("object unsealed",
		slog.String("path", logicalPath),
		slog.Int64("bytes", written))
	return nil
}

func runInspect(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return fmt.Errorf("usage: ioguard inspect <logical-path>")
	}

	s, err := buildStack(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	info, err := s.icp.Inspect(cCtx.Context, cCtx.Args().First())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func runDelete(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return fmt.Errorf("usage: ioguard delete <logical-path>")
	}

	s, err := buildStack(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	return s.icp.Delete(cCtx.Context, cCtx.Args().First())
}
