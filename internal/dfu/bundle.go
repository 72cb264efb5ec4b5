package dfu

import (
	"fmt"
	"path/filepath"
	"strings"
)

// BundleType is the firmware component a bundle carries.
type BundleType string

const (
	BundleApplication BundleType = "application"
	BundleBootloader  BundleType = "bootloader"
	BundleSoftDevice  BundleType = "softdevice"
)

// ParseBundleType parses a bundle type; "" and "app" mean application.
func ParseBundleType(s string) (BundleType, error) {
	switch strings.ToLower(s) {
	case "", "app", string(BundleApplication), "firmware":
		return BundleApplication, nil
	case "bl", string(BundleBootloader):
		return BundleBootloader, nil
	case "sd", string(BundleSoftDevice), "radio":
		return BundleSoftDevice, nil
	default:
		return "", fmt.Errorf("invalid bundle type: %s (must be application, bootloader, or softdevice)", s)
	}
}

// Bundle references a firmware file. It is not interpreted here beyond being
// handed to the transport.
type Bundle struct {
	Path string     `yaml:"path"`
	Type BundleType `yaml:"type"`
}

func (b Bundle) String() string {
	t := b.Type
	if t == "" {
		t = BundleApplication
	}
	return fmt.Sprintf("%s:%s", t, filepath.Base(b.Path))
}

// Package is what a queue entry flashes: an optional bootloader image
// followed by an optional application (or soft device) image.
type Package struct {
	Bootloader  *Bundle `yaml:"bootloader,omitempty"`
	Application *Bundle `yaml:"application,omitempty"`
}

// SinglePackage wraps one bundle, placing it by its type.
func SinglePackage(b Bundle) Package {
	if b.Type == BundleBootloader {
		return Package{Bootloader: &b}
	}
	return Package{Application: &b}
}

// Bundles returns the images in flashing order, bootloader first.
func (p Package) Bundles() []Bundle {
	out := make([]Bundle, 0, 2)
	if p.Bootloader != nil {
		out = append(out, *p.Bootloader)
	}
	if p.Application != nil {
		out = append(out, *p.Application)
	}
	return out
}

// IsEmpty reports whether p carries no image.
func (p Package) IsEmpty() bool {
	return p.Bootloader == nil && p.Application == nil
}

func (p Package) String() string {
	parts := make([]string, 0, 2)
	for _, b := range p.Bundles() {
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "+")
}
