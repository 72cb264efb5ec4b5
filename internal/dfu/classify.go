package dfu

import (
	"errors"
	"strings"
)

// classifyRule matches a native failure by message or code.
type classifyRule struct {
	message string // exact native message, checked first
	code    string // native error code
	kind    ErrorKind
}

// classifyRules is ordered: message rules win over code rules, and the first
// match wins. New native spellings get a new rule, never a new kind.
var classifyRules = []classifyRule{
	// Messages reported identically on both platforms
	{message: "DFU FILE NOT FOUND", kind: KindFileInvalid},
	{message: "DFU CHARACTERISTICS NOT FOUND", kind: KindDeviceNotSupported},
	{message: "FW version failure", kind: KindFirmwareVersionRejected},
	{message: "DFU DEVICE DISCONNECTED", kind: KindDeviceDisconnected},

	// iOS library codes
	{code: "DFUErrorFileInvalid", kind: KindFileInvalid},
	{code: "DFUErrorDeviceNotSupported", kind: KindDeviceNotSupported},
	{code: "DFUErrorRemoteExtendedErrorFwVersionFailure", kind: KindFirmwareVersionRejected},
	{code: "DFUErrorDeviceDisconnected", kind: KindDeviceDisconnected},

	// Android and common codes
	{code: "E_INTERNAL", kind: KindInternal},
	{code: "E_INVALID_ARGUMENT", kind: KindInvalidArgument},
	{code: "E_DFU_BUSY", kind: KindBusy},
	{code: "E_CONNECTION", kind: KindConnectionError},
	{code: "E_COMMUNICATION", kind: KindCommunicationError},
	{code: "E_DFU_REMOTE", kind: KindRemoteError},
	{code: "E_DFU_ERROR", kind: KindGeneric},
}

// Classify maps a native failure to an ErrorKind. It never panics; anything
// unrecognized is KindGeneric. Already classified errors keep their kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindGeneric
	}

	var dfuErr *Error
	if errors.As(err, &dfuErr) {
		return dfuErr.Kind
	}

	msg, code := err.Error(), ""
	var native *NativeError
	if errors.As(err, &native) {
		msg, code = native.Message, native.Code
	}
	msg = strings.TrimSpace(msg)

	for _, r := range classifyRules {
		if r.message != "" && msg == r.message {
			return r.kind
		}
	}
	if code != "" {
		for _, r := range classifyRules {
			if r.code != "" && code == r.code {
				return r.kind
			}
		}
	}
	return KindGeneric
}
