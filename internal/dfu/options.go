package dfu

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// Options are passed through to the transport untouched, except
// ReportProgress which decides whether a session routes progress events.
type Options struct {
	// DeviceName labels user-facing notifications.
	DeviceName string `yaml:"device_name"`
	// Retries is the number of low-level attempts inside the transport.
	Retries int `yaml:"retries" default:"2"`
	// PrepareDataObjectDelay is waited before sending each Secure DFU data object.
	PrepareDataObjectDelay time.Duration `yaml:"prepare_data_object_delay"`
	// RebootTime is waited before scanning for the device in bootloader mode.
	RebootTime time.Duration `yaml:"reboot_time"`
	// BootloaderScanTimeout bounds the scan for the bootloader advertisement.
	BootloaderScanTimeout time.Duration `yaml:"bootloader_scan_timeout" default:"5s"`
	// ConnectionTimeout bounds the connection to the target.
	ConnectionTimeout time.Duration `yaml:"connection_timeout" default:"10s"`
	// KeepBond preserves bond information after flashing.
	KeepBond bool `yaml:"keep_bond"`
	// RestoreBond creates a new bond once the update completes.
	RestoreBond bool `yaml:"restore_bond"`
	// ForceDfu skips the DFU capability pre-check.
	ForceDfu bool `yaml:"force_dfu"`
	// ForceScanningForNewAddress makes legacy buttonless DFU scan for the
	// incremented address instead of reconnecting.
	ForceScanningForNewAddress bool `yaml:"force_scanning_for_new_address"`
	// DisableButtonless disables the buttonless service in Secure DFU.
	DisableButtonless bool `yaml:"disable_buttonless"`
	// DisallowForegroundService keeps the transport out of the foreground.
	DisallowForegroundService bool `yaml:"disallow_foreground_service"`
	// AlternativeAdvertisingName is used in bootloader mode (max 20 bytes).
	AlternativeAdvertisingName string `yaml:"alternative_advertising_name"`
	// DisableResume prevents Secure DFU from resuming an interrupted transfer.
	DisableResume bool `yaml:"disable_resume"`
	// ReportProgress routes progress events to the session listener.
	ReportProgress bool `yaml:"report_progress" default:"true"`
	// BootloaderAddressKnown means the target given for a package already is
	// the bootloader identity, so the application step must not add one.
	BootloaderAddressKnown bool `yaml:"bootloader_address_known"`
}

// DefaultOptions returns the options with their documented defaults.
func DefaultOptions() Options {
	opts := Options{}
	defaults.SetDefaults(&opts)
	return opts
}
