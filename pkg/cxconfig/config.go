// Package cxconfig defines the analog front-end tuning parameters of a
// capture device and the validation rules that govern changing them.
package cxconfig

import (
	"errors"
	"fmt"
)

// ErrInvalidParameter is returned when a setter's value falls outside
// its documented range. Callers that expose this over a control
// interface should map it to that interface's "invalid parameter"
// status rather than a generic failure.
var ErrInvalidParameter = errors.New("cxconfig: invalid parameter")

// DeviceConfig holds the analog front-end configuration of one capture
// device. Zero value is not valid; use Default().
type DeviceConfig struct {
	Vmux          uint32 `yaml:"vmux"`
	Level         uint32 `yaml:"level"`
	Tenbit        uint32 `yaml:"tenbit"`
	Sixdb         uint32 `yaml:"sixdb"`
	CenterOffset  uint32 `yaml:"center_offset"`
}

// Default returns the power-on configuration: vmux 2 (CVBS), level 16,
// ten-bit mode off, the 6dB pad off, zero sync-tip offset.
func Default() DeviceConfig {
	return DeviceConfig{
		Vmux:         2,
		Level:        16,
		Tenbit:       0,
		Sixdb:        0,
		CenterOffset: 0,
	}
}

// Validate checks every field against its documented range and
// returns ErrInvalidParameter, wrapped with the offending field, on
// the first violation.
func (c DeviceConfig) Validate() error {
	if c.Vmux > 3 {
		return fmt.Errorf("%w: vmux=%d (want 0..3)", ErrInvalidParameter, c.Vmux)
	}
	if c.Level > 31 {
		return fmt.Errorf("%w: level=%d (want 0..31)", ErrInvalidParameter, c.Level)
	}
	if c.Tenbit > 1 {
		return fmt.Errorf("%w: tenbit=%d (want 0..1)", ErrInvalidParameter, c.Tenbit)
	}
	if c.Sixdb > 1 {
		return fmt.Errorf("%w: sixdb=%d (want 0..1)", ErrInvalidParameter, c.Sixdb)
	}
	if c.CenterOffset > 63 {
		return fmt.Errorf("%w: center_offset=%d (want 0..63)", ErrInvalidParameter, c.CenterOffset)
	}
	return nil
}

// WithVmux returns a copy of c with Vmux set, validated.
func (c DeviceConfig) WithVmux(v uint32) (DeviceConfig, error) {
	next := c
	next.Vmux = v
	if next.Vmux > 3 {
		return c, fmt.Errorf("%w: vmux=%d (want 0..3)", ErrInvalidParameter, v)
	}
	return next, nil
}

// WithLevel returns a copy of c with Level set, validated.
func (c DeviceConfig) WithLevel(v uint32) (DeviceConfig, error) {
	next := c
	next.Level = v
	if next.Level > 31 {
		return c, fmt.Errorf("%w: level=%d (want 0..31)", ErrInvalidParameter, v)
	}
	return next, nil
}

// WithTenbit returns a copy of c with Tenbit set, validated.
func (c DeviceConfig) WithTenbit(v uint32) (DeviceConfig, error) {
	next := c
	next.Tenbit = v
	if next.Tenbit > 1 {
		return c, fmt.Errorf("%w: tenbit=%d (want 0..1)", ErrInvalidParameter, v)
	}
	return next, nil
}

// WithSixdb returns a copy of c with Sixdb set, validated.
func (c DeviceConfig) WithSixdb(v uint32) (DeviceConfig, error) {
	next := c
	next.Sixdb = v
	if next.Sixdb > 1 {
		return c, fmt.Errorf("%w: sixdb=%d (want 0..1)", ErrInvalidParameter, v)
	}
	return next, nil
}

// WithCenterOffset returns a copy of c with CenterOffset set, validated.
func (c DeviceConfig) WithCenterOffset(v uint32) (DeviceConfig, error) {
	next := c
	next.CenterOffset = v
	if next.CenterOffset > 63 {
		return c, fmt.Errorf("%w: center_offset=%d (want 0..63)", ErrInvalidParameter, v)
	}
	return next, nil
}
