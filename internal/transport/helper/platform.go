package helper

import (
	"fmt"

	"github.com/srg/dfuq/internal/dfu"
)

// adapter formats targets for one platform family and validates them.
type adapter interface {
	Platform() dfu.Platform
	Format(t dfu.TargetID) (string, error)
	Parse(s string) (dfu.TargetID, error)
}

func newAdapter(p dfu.Platform) (adapter, error) {
	switch p {
	case dfu.PlatformAddress:
		return addressAdapter{}, nil
	case dfu.PlatformSystemID:
		return systemIDAdapter{}, nil
	default:
		return nil, fmt.Errorf("unsupported platform: %q", p)
	}
}

// addressAdapter serves hosts that address peripherals by MAC.
type addressAdapter struct{}

func (addressAdapter) Platform() dfu.Platform { return dfu.PlatformAddress }

func (a addressAdapter) Format(t dfu.TargetID) (string, error) {
	if !a.Platform().Accepts(t) {
		return "", fmt.Errorf("target %s is not a MAC address", t)
	}
	return t.String(), nil
}

func (addressAdapter) Parse(s string) (dfu.TargetID, error) {
	t, err := dfu.ParseTarget(s)
	if err != nil {
		return dfu.TargetID{}, err
	}
	if !t.IsNumeric() {
		return dfu.TargetID{}, fmt.Errorf("invalid MAC address: %s", s)
	}
	return t, nil
}

// systemIDAdapter serves hosts that hide MAC addresses behind OS ids.
type systemIDAdapter struct{}

func (systemIDAdapter) Platform() dfu.Platform { return dfu.PlatformSystemID }

func (a systemIDAdapter) Format(t dfu.TargetID) (string, error) {
	if !a.Platform().Accepts(t) {
		return "", fmt.Errorf("target %s is not a system id", t)
	}
	return t.String(), nil
}

func (systemIDAdapter) Parse(s string) (dfu.TargetID, error) {
	t := dfu.SystemIDTarget(s)
	if t.IsZero() {
		return dfu.TargetID{}, fmt.Errorf("empty system id")
	}
	return t, nil
}
