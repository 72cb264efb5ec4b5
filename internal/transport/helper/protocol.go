package helper

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/dfuq/internal/dfu"
)

// The helper reports on its output, one record per line:
//
//	state <target> <state>
//	progress <target> <percent> <part> <partsTotal> <speed> <averageSpeed>
//	error <code> <message...>
//
// Any other line is diagnostic output.

type recordKind int

const (
	recordOther recordKind = iota
	recordState
	recordProgress
	recordError
)

type record struct {
	kind     recordKind
	state    dfu.StateEvent
	progress dfu.ProgressEvent
	err      *dfu.NativeError
	text     string
}

func parseRecord(line string, a adapter) (record, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return record{kind: recordOther, text: line}, nil
	}

	switch fields[0] {
	case "state":
		if len(fields) != 3 {
			return record{}, fmt.Errorf("malformed state record: %q", line)
		}
		target, err := a.Parse(fields[1])
		if err != nil {
			return record{}, fmt.Errorf("state record: %w", err)
		}
		return record{kind: recordState, state: dfu.StateEvent{Target: target, State: dfu.State(fields[2])}}, nil

	case "progress":
		if len(fields) != 7 {
			return record{}, fmt.Errorf("malformed progress record: %q", line)
		}
		target, err := a.Parse(fields[1])
		if err != nil {
			return record{}, fmt.Errorf("progress record: %w", err)
		}
		var p dfu.Progress
		ints := []*int{&p.Percent, &p.Part, &p.PartsTotal}
		for i, dst := range ints {
			if *dst, err = strconv.Atoi(fields[2+i]); err != nil {
				return record{}, fmt.Errorf("progress record %q: %w", line, err)
			}
		}
		if p.Speed, err = strconv.ParseFloat(fields[5], 64); err != nil {
			return record{}, fmt.Errorf("progress record %q: %w", line, err)
		}
		if p.AverageSpeed, err = strconv.ParseFloat(fields[6], 64); err != nil {
			return record{}, fmt.Errorf("progress record %q: %w", line, err)
		}
		return record{kind: recordProgress, progress: dfu.ProgressEvent{Target: target, Progress: p}}, nil

	case "error":
		if len(fields) < 2 {
			return record{}, fmt.Errorf("malformed error record: %q", line)
		}
		msg := ""
		if len(fields) > 2 {
			msg = strings.Join(fields[2:], " ")
		}
		return record{kind: recordError, err: &dfu.NativeError{Code: fields[1], Message: msg}}, nil

	default:
		return record{kind: recordOther, text: line}, nil
	}
}

// buildArgs renders the helper command line for one update.
func buildArgs(target, firmwarePath string, opts dfu.Options) []string {
	args := []string{"--target", target, "--firmware", firmwarePath}

	if opts.DeviceName != "" {
		args = append(args, "--device-name", opts.DeviceName)
	}
	args = append(args, "--retries", strconv.Itoa(opts.Retries))

	durations := []struct {
		flag string
		ms   int64
	}{
		{"--prepare-data-object-delay", opts.PrepareDataObjectDelay.Milliseconds()},
		{"--reboot-time", opts.RebootTime.Milliseconds()},
		{"--bootloader-scan-timeout", opts.BootloaderScanTimeout.Milliseconds()},
		{"--connection-timeout", opts.ConnectionTimeout.Milliseconds()},
	}
	for _, d := range durations {
		if d.ms > 0 {
			args = append(args, d.flag, strconv.FormatInt(d.ms, 10))
		}
	}

	flags := []struct {
		flag string
		on   bool
	}{
		{"--keep-bond", opts.KeepBond},
		{"--restore-bond", opts.RestoreBond},
		{"--force-dfu", opts.ForceDfu},
		{"--force-scanning-for-new-address", opts.ForceScanningForNewAddress},
		{"--disable-buttonless", opts.DisableButtonless},
		{"--disallow-foreground-service", opts.DisallowForegroundService},
		{"--disable-resume", opts.DisableResume},
	}
	for _, f := range flags {
		if f.on {
			args = append(args, f.flag)
		}
	}

	if opts.AlternativeAdvertisingName != "" {
		args = append(args, "--alternative-advertising-name", opts.AlternativeAdvertisingName)
	}
	return args
}
