package cxconfig

import (
	"errors"
	"testing"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		cfg  DeviceConfig
	}{
		{"vmux too high", DeviceConfig{Vmux: 4, Level: 16}},
		{"level too high", DeviceConfig{Vmux: 2, Level: 32}},
		{"tenbit too high", DeviceConfig{Vmux: 2, Level: 16, Tenbit: 2}},
		{"sixdb too high", DeviceConfig{Vmux: 2, Level: 16, Sixdb: 2}},
		{"center_offset too high", DeviceConfig{Vmux: 2, Level: 16, CenterOffset: 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("Validate() = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

// TestSetVmux_ThenGet reproduces end-to-end scenario 1: SET_VMUX(v)
// then GET_VMUX returns v for every value in range.
func TestSetVmux_ThenGet(t *testing.T) {
	c := Default()
	for v := uint32(0); v <= 3; v++ {
		next, err := c.WithVmux(v)
		if err != nil {
			t.Fatalf("WithVmux(%d): %v", v, err)
		}
		if next.Vmux != v {
			t.Fatalf("Vmux = %d, want %d", next.Vmux, v)
		}
	}
}

// TestSetVmux_RejectsAndPreservesPreviousValue reproduces scenario 2:
// CONFIG_VMUX_SET(4) returns invalid parameter, and a subsequent get
// returns the pre-call value (default 2).
func TestSetVmux_RejectsAndPreservesPreviousValue(t *testing.T) {
	c := Default()
	_, err := c.WithVmux(4)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("WithVmux(4) = %v, want ErrInvalidParameter", err)
	}
	if c.Vmux != 2 {
		t.Fatalf("Vmux = %d after rejected set, want unchanged 2", c.Vmux)
	}
}
