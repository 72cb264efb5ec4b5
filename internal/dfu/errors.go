package dfu

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of DFU failures.
type ErrorKind int

const (
	// KindGeneric is the catch-all for failures no rule recognizes.
	KindGeneric ErrorKind = iota
	// KindInternal means a bug in the transport.
	KindInternal
	// KindInvalidArgument means the session was given an invalid parameter.
	KindInvalidArgument
	// KindFileInvalid means the firmware file is invalid or was not found.
	KindFileInvalid
	// KindDeviceNotSupported means the DFU service was not found on the target.
	KindDeviceNotSupported
	// KindBusy means another DFU is already in progress.
	KindBusy
	// KindFirmwareVersionRejected means the target refused the image version.
	KindFirmwareVersionRejected
	// KindConnectionError is a Bluetooth connection failure.
	KindConnectionError
	// KindCommunicationError is a Bluetooth communication failure.
	KindCommunicationError
	// KindDeviceDisconnected means the target dropped the link mid-update.
	KindDeviceDisconnected
	// KindRemoteError is a failure reported by the target itself.
	KindRemoteError
)

var kindNames = map[ErrorKind]string{
	KindGeneric:                 "generic",
	KindInternal:                "internal",
	KindInvalidArgument:         "invalidArgument",
	KindFileInvalid:             "fileInvalid",
	KindDeviceNotSupported:      "deviceNotSupported",
	KindBusy:                    "busy",
	KindFirmwareVersionRejected: "firmwareVersionRejected",
	KindConnectionError:         "connectionError",
	KindCommunicationError:      "communicationError",
	KindDeviceDisconnected:      "deviceDisconnected",
	KindRemoteError:             "remoteError",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the classified record of a failed DFU session. It is never
// mutated after creation.
type Error struct {
	Kind    ErrorKind
	Target  TargetID
	Message string
	Err     error // native cause, may be nil
}

// NewError builds a classified error for target from a native failure.
func NewError(target TargetID, err error) *Error {
	var dfuErr *Error
	if errors.As(err, &dfuErr) {
		if dfuErr.Target.IsZero() {
			cp := *dfuErr
			cp.Target = target
			return &cp
		}
		return dfuErr
	}
	msg := ""
	if err != nil {
		msg = err.Error()
		var native *NativeError
		if errors.As(err, &native) {
			msg = native.Message
		}
	}
	return &Error{
		Kind:    Classify(err),
		Target:  target,
		Message: msg,
		Err:     err,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	prefix := "dfu " + e.Kind.String()
	if !e.Target.IsZero() {
		prefix += " (" + e.Target.String() + ")"
	}
	if e.Message == "" {
		return prefix
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the native cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrGeneric                 = &Error{Kind: KindGeneric}
	ErrInternal                = &Error{Kind: KindInternal}
	ErrInvalidArgument         = &Error{Kind: KindInvalidArgument}
	ErrFileInvalid             = &Error{Kind: KindFileInvalid}
	ErrDeviceNotSupported      = &Error{Kind: KindDeviceNotSupported}
	ErrBusy                    = &Error{Kind: KindBusy}
	ErrFirmwareVersionRejected = &Error{Kind: KindFirmwareVersionRejected}
	ErrConnection              = &Error{Kind: KindConnectionError}
	ErrCommunication           = &Error{Kind: KindCommunicationError}
	ErrDeviceDisconnected      = &Error{Kind: KindDeviceDisconnected}
	ErrRemote                  = &Error{Kind: KindRemoteError}
)

// ErrUnsupported is returned when a transport lacks an optional capability.
var ErrUnsupported = errors.New("unsupported")

// KindOf returns the kind of a classified error, or KindGeneric.
func KindOf(err error) ErrorKind {
	var dfuErr *Error
	if errors.As(err, &dfuErr) {
		return dfuErr.Kind
	}
	return KindGeneric
}

// NativeError is the failure a transport rejects Start with: an error code
// and message in the native library's own spelling.
type NativeError struct {
	Code    string
	Message string
}

func (e *NativeError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
