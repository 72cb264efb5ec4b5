package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/dfuq/internal/dfu"
	"github.com/srg/dfuq/internal/orchestrator"
	"github.com/srg/dfuq/pkg/config"
)

// updateCmd represents the update command
var updateCmd = &cobra.Command{
	Use:   "update [flags] TARGET...",
	Short: "Flash firmware onto one or more devices",
	Long: `Queue the given devices and flash them one after another.

Targets are MAC addresses (AA:BB:CC:DD:EE:FF) on Linux, or the peripheral
identifiers assigned by the OS on macOS. A device already flashing in
bootloader mode is recognized at its incremented address.

With --bootloader, the bootloader image is flashed first and the
application image follows against the device in bootloader mode. A
bootloader the device reports as up to date is skipped.

Press Ctrl+C to cancel every queued and running update.`,
	Example: `  dfuq update --bundle app.zip AA:BB:CC:DD:EE:01 AA:BB:CC:DD:EE:10
  dfuq update --bootloader bl.zip --bundle app.zip --transport helper --helper nrf-dfu-helper AA:BB:CC:DD:EE:01
  dfuq update --config dfu.yaml --bundle app.zip 3F2504E0-4F89-11D3-9A0C-0305E82C3301
  dfuq update --json --bundle app.zip AA:BB:CC:DD:EE:01`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpdate,
}

var (
	updateBundle     string
	updateBootloader string
	updateConfigFile string
	updateTransport  string
	updateHelper     string
	updatePlatform   string
	updateUsePTY     bool
	updateRetries    int
	updateForceDfu   bool
	updateKeepBond   bool
	updateDeviceName string
	updateVerbose    bool
	updateJSON       bool
)

func init() {
	updateCmd.Flags().StringVarP(&updateBundle, "bundle", "b", "", "Application firmware package (.zip)")
	updateCmd.Flags().StringVar(&updateBootloader, "bootloader", "", "Bootloader firmware package flashed before the application")
	updateCmd.Flags().StringVarP(&updateConfigFile, "config", "c", "", "YAML configuration file")
	updateCmd.Flags().StringVar(&updateTransport, "transport", "", "DFU transport (sim, helper)")
	updateCmd.Flags().StringVar(&updateHelper, "helper", "", "DFU helper command (implies --transport helper)")
	updateCmd.Flags().StringVar(&updatePlatform, "platform", "", "Target naming (address, systemid, auto)")
	updateCmd.Flags().BoolVar(&updateUsePTY, "pty", false, "Run the DFU helper on a pseudo-terminal")
	updateCmd.Flags().IntVar(&updateRetries, "retries", 2, "Transport retry attempts")
	updateCmd.Flags().BoolVar(&updateForceDfu, "force-dfu", false, "Skip the DFU capability check")
	updateCmd.Flags().BoolVar(&updateKeepBond, "keep-bond", false, "Keep bond information after flashing")
	updateCmd.Flags().StringVar(&updateDeviceName, "device-name", "", "Device label shown by the transport")
	updateCmd.Flags().BoolVar(&updateVerbose, "verbose", false, "Enable debug logging")
	updateCmd.Flags().BoolVar(&updateJSON, "json", false, "Print updates as JSON lines")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := loadUpdateConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", cfg.LogLevel)
	if err != nil {
		return err
	}

	pkg, err := buildPackage(updateBundle, updateBootloader)
	if err != nil {
		return err
	}

	targets, err := parseTargets(cfg.Transport.Helper.Platform, args)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, err := cfg.NewTransport(logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(transport,
		orchestrator.WithLogger(logger),
		orchestrator.WithOptions(cfg.DFU),
		orchestrator.WithUpdateBuffer(cfg.UpdateBuffer),
	)
	defer orch.Close()

	out := cmd.OutOrStdout()
	var renderer updateRenderer = NewProgressRenderer(out, isTerminal(out))
	if updateJSON {
		renderer = NewJSONRenderer(out)
	}
	sub := orch.Subscribe(0)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		renderer.Run(sub.C())
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interrupted := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			logger.Info("Interrupt received, cancelling all updates")
			close(interrupted)
			if err := orch.CancelAll(context.Background()); err != nil {
				logger.WithError(err).Warn("Failed to cancel updates")
			}
		case <-rendered:
		}
	}()

	added, err := orch.Enqueue(ctx, pkg, targets...)
	if err != nil {
		sub.Close()
		<-rendered
		return fmt.Errorf("failed to queue updates: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"queued":  len(added),
		"package": pkg.String(),
	}).Info("Updates queued")

	waitErr := orch.Wait(ctx)
	sub.Close()
	<-rendered

	if waitErr != nil {
		return waitErr
	}
	if dropped := sub.Dropped(); dropped > 0 {
		logger.WithField("dropped", dropped).Debug("Progress updates were dropped")
	}

	results, err := orch.Results(ctx)
	if err != nil {
		return err
	}
	summary := summarize(results)
	if !updateJSON {
		fmt.Fprintln(out, summary)
	}
	if err := summary.Err(); err != nil {
		return err
	}

	select {
	case <-interrupted:
		return context.Canceled
	default:
	}
	return nil
}

// loadUpdateConfig reads --config and applies command line overrides.
func loadUpdateConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if updateConfigFile != "" {
		loaded, err := config.Load(updateConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport.Kind = config.TransportKind(updateTransport)
	}
	if flags.Changed("helper") {
		cfg.Transport.Helper.Command = updateHelper
		if !flags.Changed("transport") {
			cfg.Transport.Kind = config.TransportHelper
		}
	}
	if flags.Changed("platform") {
		cfg.Transport.Helper.Platform = dfu.Platform(updatePlatform)
	}
	if flags.Changed("pty") {
		cfg.Transport.Helper.UsePTY = updateUsePTY
	}
	if flags.Changed("retries") {
		cfg.DFU.Retries = updateRetries
	}
	if flags.Changed("force-dfu") {
		cfg.DFU.ForceDfu = updateForceDfu
	}
	if flags.Changed("keep-bond") {
		cfg.DFU.KeepBond = updateKeepBond
	}
	if flags.Changed("device-name") {
		cfg.DFU.DeviceName = updateDeviceName
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildPackage assembles the firmware package from the image flags.
func buildPackage(application, bootloader string) (dfu.Package, error) {
	var pkg dfu.Package
	if bootloader != "" {
		pkg.Bootloader = &dfu.Bundle{Path: bootloader, Type: dfu.BundleBootloader}
	}
	if application != "" {
		pkg.Application = &dfu.Bundle{Path: application, Type: dfu.BundleApplication}
	}
	if pkg.IsEmpty() {
		return dfu.Package{}, errors.New("no firmware given: use --bundle and/or --bootloader")
	}
	return pkg, nil
}

// parseTargets turns command line identifiers into targets for platform.
func parseTargets(platform dfu.Platform, args []string) ([]dfu.TargetID, error) {
	targets := make([]dfu.TargetID, 0, len(args))
	for _, arg := range args {
		var (
			t   dfu.TargetID
			err error
		)
		if platform == dfu.PlatformAddress {
			t, err = dfu.TargetFromAddr(ble.NewAddr(arg))
		} else {
			t, err = dfu.ParseTarget(arg)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", arg, err)
		}
		if !platform.Accepts(t) {
			return nil, fmt.Errorf("invalid target %q: expected a %s identifier", arg, platform)
		}
		targets = append(targets, t)
	}
	return targets, nil
}
