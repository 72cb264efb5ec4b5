package dfu

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: KindGeneric},
		{name: "FW version message", err: &NativeError{Code: "E_DFU_REMOTE", Message: "FW version failure"}, want: KindFirmwareVersionRejected},
		{name: "message wins over code", err: &NativeError{Code: "E_CONNECTION", Message: "DFU DEVICE DISCONNECTED"}, want: KindDeviceDisconnected},
		{name: "file not found", err: &NativeError{Code: "E_DFU_ERROR", Message: "DFU FILE NOT FOUND"}, want: KindFileInvalid},
		{name: "characteristics not found", err: &NativeError{Message: "DFU CHARACTERISTICS NOT FOUND"}, want: KindDeviceNotSupported},
		{name: "iOS version code", err: &NativeError{Code: "DFUErrorRemoteExtendedErrorFwVersionFailure", Message: "whatever"}, want: KindFirmwareVersionRejected},
		{name: "iOS file code", err: &NativeError{Code: "DFUErrorFileInvalid"}, want: KindFileInvalid},
		{name: "busy", err: &NativeError{Code: "E_DFU_BUSY", Message: "another DFU in progress"}, want: KindBusy},
		{name: "internal", err: &NativeError{Code: "E_INTERNAL"}, want: KindInternal},
		{name: "invalid argument", err: &NativeError{Code: "E_INVALID_ARGUMENT"}, want: KindInvalidArgument},
		{name: "connection", err: &NativeError{Code: "E_CONNECTION", Message: "GATT 133"}, want: KindConnectionError},
		{name: "communication", err: &NativeError{Code: "E_COMMUNICATION"}, want: KindCommunicationError},
		{name: "remote", err: &NativeError{Code: "E_DFU_REMOTE", Message: "Operation failed"}, want: KindRemoteError},
		{name: "generic code", err: &NativeError{Code: "E_DFU_ERROR", Message: "boom"}, want: KindGeneric},
		{name: "unknown code", err: &NativeError{Code: "E_SOMETHING_NEW"}, want: KindGeneric},
		{name: "plain error message", err: errors.New("FW version failure"), want: KindFirmwareVersionRejected},
		{name: "message is trimmed", err: &NativeError{Message: " FW version failure\n"}, want: KindFirmwareVersionRejected},
		{name: "wrapped native", err: fmt.Errorf("start: %w", &NativeError{Code: "E_DFU_BUSY"}), want: KindBusy},
		{name: "already classified", err: &Error{Kind: KindRemoteError, Message: "FW version failure"}, want: KindRemoteError},
		{name: "plain error", err: errors.New("unexpected"), want: KindGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestNewError(t *testing.T) {
	target := AddressTarget(0x42)

	t.Run("native failure", func(t *testing.T) {
		native := &NativeError{Code: "E_DFU_REMOTE", Message: "FW version failure"}
		err := NewError(target, native)

		assert.Equal(t, KindFirmwareVersionRejected, err.Kind)
		assert.Equal(t, target, err.Target)
		assert.Equal(t, "FW version failure", err.Message)
		assert.True(t, errors.Is(err, ErrFirmwareVersionRejected))
		assert.False(t, errors.Is(err, ErrRemote))
		assert.ErrorIs(t, err, native)
		assert.Equal(t, "dfu firmwareVersionRejected (00:00:00:00:00:42): FW version failure", err.Error())
	})

	t.Run("classified error gets the target", func(t *testing.T) {
		orig := &Error{Kind: KindBusy, Message: "busy"}
		err := NewError(target, orig)
		assert.Equal(t, target, err.Target)
		assert.True(t, orig.Target.IsZero(), "original must not be mutated")
	})

	t.Run("kind of", func(t *testing.T) {
		assert.Equal(t, KindBusy, KindOf(fmt.Errorf("x: %w", ErrBusy)))
		assert.Equal(t, KindGeneric, KindOf(errors.New("x")))
	})
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "firmwareVersionRejected", KindFirmwareVersionRejected.String())
	assert.Equal(t, "generic", KindGeneric.String())
	assert.Equal(t, "ErrorKind(99)", ErrorKind(99).String())
}
