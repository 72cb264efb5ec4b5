package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/dfuq/internal/dfu"
	"github.com/srg/dfuq/internal/orchestrator"
)

// UpdateFailedError lists the targets whose update failed.
type UpdateFailedError struct {
	Total    int
	Failures []*dfu.Error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("%d of %d updates failed", len(e.Failures), e.Total)
}

var kindHints = map[dfu.ErrorKind]string{
	dfu.KindInvalidArgument:         "invalid argument",
	dfu.KindFileInvalid:             "firmware file is invalid or missing",
	dfu.KindDeviceNotSupported:      "device has no DFU service",
	dfu.KindBusy:                    "another update is already running",
	dfu.KindFirmwareVersionRejected: "device refused the firmware version",
	dfu.KindConnectionError:         "could not connect",
	dfu.KindCommunicationError:      "Bluetooth communication failed",
	dfu.KindDeviceDisconnected:      "device disconnected during the update",
	dfu.KindRemoteError:             "device reported an error",
	dfu.KindInternal:                "internal transport error",
}

// FormatUserError renders err for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var failed *UpdateFailedError
	if errors.As(err, &failed) {
		var b strings.Builder
		b.WriteString(failed.Error())
		for _, f := range failed.Failures {
			b.WriteString("\n  ")
			b.WriteString(formatDfuError(f))
		}
		return b.String()
	}

	var dfuErr *dfu.Error
	if errors.As(err, &dfuErr) {
		return formatDfuError(dfuErr)
	}

	if errors.Is(err, orchestrator.ErrClosed) {
		return "update queue stopped"
	}
	return err.Error()
}

func formatDfuError(e *dfu.Error) string {
	hint, ok := kindHints[e.Kind]
	if !ok {
		hint = "update failed"
	}
	s := fmt.Sprintf("%s: %s", e.Target, hint)
	if e.Message != "" {
		s += fmt.Sprintf(" (%s)", e.Message)
	}
	return s
}
