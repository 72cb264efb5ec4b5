package dfu

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-ble/ble"
)

// maxAddress is the largest 48-bit Bluetooth MAC address.
const maxAddress = 1<<48 - 1

// TargetKind tells how a TargetID names its device.
type TargetKind int

const (
	// TargetInvalid is the kind of the zero TargetID.
	TargetInvalid TargetKind = iota
	// TargetAddress names a device by its Bluetooth MAC address.
	TargetAddress
	// TargetSystemID names a device by the identifier the host OS assigned to it.
	TargetSystemID
)

func (k TargetKind) String() string {
	switch k {
	case TargetAddress:
		return "address"
	case TargetSystemID:
		return "systemid"
	default:
		return "invalid"
	}
}

// TargetID identifies a DFU target to the radio stack.
//
// Depending on the host, a device is addressed either by its MAC address
// (numeric) or by an opaque system id (string). TargetID is comparable and
// may be used as a map key, but identity checks for event routing must go
// through IsSameTarget.
type TargetID struct {
	kind TargetKind
	addr uint64
	id   string
}

// AddressTarget returns a TargetID for a numeric Bluetooth address.
func AddressTarget(addr uint64) TargetID {
	return TargetID{kind: TargetAddress, addr: addr}
}

// SystemIDTarget returns a TargetID for an OS-assigned peripheral identifier.
func SystemIDTarget(id string) TargetID {
	if id == "" {
		return TargetID{}
	}
	return TargetID{kind: TargetSystemID, id: id}
}

// ParseTarget parses a device identifier.
//
// "AA:BB:CC:DD:EE:FF", "AA-BB-CC-DD-EE-FF", "AABBCCDDEEFF" and "0xAABBCCDDEEFF"
// are read as numeric addresses; anything else is kept as a system id.
func ParseTarget(s string) (TargetID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TargetID{}, fmt.Errorf("empty target identifier")
	}
	if addr, ok := parseAddress(s); ok {
		return AddressTarget(addr), nil
	}
	return SystemIDTarget(s), nil
}

// TargetFromAddr converts a go-ble address into a TargetID.
func TargetFromAddr(a ble.Addr) (TargetID, error) {
	if a == nil {
		return TargetID{}, fmt.Errorf("nil BLE address")
	}
	return ParseTarget(a.String())
}

func parseAddress(s string) (uint64, bool) {
	var hex string
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		hex = s[2:]
	case len(s) == 17 && (strings.Count(s, ":") == 5 || strings.Count(s, "-") == 5):
		hex = strings.NewReplacer(":", "", "-", "").Replace(s)
	case len(s) == 12:
		hex = s
	default:
		return 0, false
	}
	if hex == "" || len(hex) > 12 {
		return 0, false
	}
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil || v > maxAddress {
		return 0, false
	}
	return v, true
}

// Kind returns the identifier kind.
func (t TargetID) Kind() TargetKind { return t.kind }

// IsZero reports whether t names no device.
func (t TargetID) IsZero() bool { return t.kind == TargetInvalid }

// IsNumeric reports whether t is a numeric address.
func (t TargetID) IsNumeric() bool { return t.kind == TargetAddress }

// Address returns the numeric address, if t is one.
func (t TargetID) Address() (uint64, bool) {
	return t.addr, t.kind == TargetAddress
}

// SystemID returns the system id, if t is one.
func (t TargetID) SystemID() (string, bool) {
	return t.id, t.kind == TargetSystemID
}

// Bootloader returns the identity the device advertises once rebooted into
// its bootloader. Only numeric addresses change (address + 1).
func (t TargetID) Bootloader() TargetID {
	if t.kind == TargetAddress {
		return AddressTarget(t.addr + 1)
	}
	return t
}

// String renders numeric addresses as colon-separated hex bytes.
func (t TargetID) String() string {
	switch t.kind {
	case TargetAddress:
		b := make([]string, 6)
		for i := 0; i < 6; i++ {
			b[i] = fmt.Sprintf("%02X", byte(t.addr>>(8*(5-i))))
		}
		return strings.Join(b, ":")
	case TargetSystemID:
		return t.id
	default:
		return "<none>"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t TargetID) MarshalText() ([]byte, error) {
	if t.IsZero() {
		return nil, fmt.Errorf("cannot marshal empty target")
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TargetID) UnmarshalText(text []byte) error {
	parsed, err := ParseTarget(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// IsSameTarget reports whether a and b name the same physical device.
//
// This is the only place the bootloader address quirk lives: a numeric
// address matches itself and its successor in either direction.
func IsSameTarget(a, b TargetID) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	if a == b {
		return true
	}
	if a.kind != TargetAddress || b.kind != TargetAddress {
		return false
	}
	return b.addr == a.addr+1 || a.addr == b.addr+1
}

// Platform selects how a host addresses DFU targets.
type Platform string

const (
	// PlatformAddress hosts address devices by MAC (Linux, Android).
	PlatformAddress Platform = "address"
	// PlatformSystemID hosts address devices by an OS-assigned id (macOS, iOS).
	PlatformSystemID Platform = "systemid"
)

// DefaultPlatform returns the platform family of the running host.
func DefaultPlatform() Platform {
	if runtime.GOOS == "darwin" || runtime.GOOS == "ios" {
		return PlatformSystemID
	}
	return PlatformAddress
}

// ParsePlatform parses a platform name; "auto" and "" select DefaultPlatform.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(s)) {
	case "", "auto":
		return DefaultPlatform(), nil
	case PlatformAddress:
		return PlatformAddress, nil
	case PlatformSystemID:
		return PlatformSystemID, nil
	default:
		return "", fmt.Errorf("invalid platform: %s (must be address, systemid, or auto)", s)
	}
}

// Accepts reports whether targets of t's kind can be flashed on p.
func (p Platform) Accepts(t TargetID) bool {
	switch p {
	case PlatformAddress:
		return t.kind == TargetAddress
	case PlatformSystemID:
		return t.kind == TargetSystemID
	default:
		return false
	}
}
