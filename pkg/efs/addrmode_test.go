// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"errors"
	"testing"

	"github.com/linuxboot/amdefs/pkg/flash"
)

func TestDecodeLocationImplicitPhysical(t *testing.T) {
	// without per-entry mode the whole word is a physical address, top
	// bits included
	ctx := ModeContext{DirectoryBase: 0x1000}

	offset, mode, err := DecodeLocation(0xFF06_2400, ctx)
	if err != nil {
		t.Fatalf("decoding an aperture address failed: '%v'", err)
	}
	if mode != AddressModePhysical {
		t.Errorf("mode is %v, expected physical", mode)
	}
	if offset != 0x62400 {
		t.Errorf("offset is 0x%x, expected 0x62400", offset)
	}

	offset, _, err = DecodeLocation(0x62400, ctx)
	if err != nil {
		t.Fatalf("decoding a direct offset failed: '%v'", err)
	}
	if offset != 0x62400 {
		t.Errorf("offset is 0x%x, expected 0x62400", offset)
	}

	var oor *AddressOutOfRangeError
	if _, _, err := DecodeLocation(0x0200_0000, ctx); !errors.As(err, &oor) {
		t.Errorf("expected an out of range error for an address outside the aperture, got: '%v'", err)
	}
}

func TestLocationRoundTrip(t *testing.T) {
	slotBase := flash.Location(0x4000)
	ctx := ModeContext{
		ImageBase:     0x0,
		DirectoryBase: 0x1000,
		SlotBase:      &slotBase,
		PerEntryMode:  true,
	}

	for _, mode := range []AddressMode{
		AddressModePhysical,
		AddressModeImageRelative,
		AddressModeDirectoryRelative,
		AddressModeSlotRelative,
	} {
		const offset = flash.Location(0x5000)
		raw, err := EncodeLocation(offset, mode, ctx)
		if err != nil {
			t.Fatalf("encoding 0x%x as %v failed: '%v'", offset, mode, err)
		}
		gotOffset, gotMode, err := DecodeLocation(raw, ctx)
		if err != nil {
			t.Fatalf("decoding 0x%016x (%v) failed: '%v'", raw, mode, err)
		}
		if gotMode != mode {
			t.Errorf("mode did not round-trip: %v, expected %v", gotMode, mode)
		}
		if gotOffset != offset {
			t.Errorf("offset did not round-trip under %v: 0x%x, expected 0x%x", mode, gotOffset, offset)
		}
	}
}

func TestDecodeLocationConditionalReinterpretation(t *testing.T) {
	// the same raw word means different things depending on the owning
	// header's mode
	raw := uint64(AddressModeDirectoryRelative)<<locationTagShift | 0x400

	perEntry := ModeContext{DirectoryBase: 0x1000, PerEntryMode: true}
	offset, mode, err := DecodeLocation(raw, perEntry)
	if err != nil {
		t.Fatalf("decoding in per-entry mode failed: '%v'", err)
	}
	if mode != AddressModeDirectoryRelative || offset != 0x1400 {
		t.Errorf("per-entry decode: (0x%x, %v), expected (0x1400, directory-relative)", offset, mode)
	}

	implicit := ModeContext{DirectoryBase: 0x1000}
	offset, mode, err = DecodeLocation(raw, implicit)
	if err != nil {
		t.Fatalf("decoding in implicit mode failed: '%v'", err)
	}
	if mode != AddressModePhysical || offset != 0x400 {
		t.Errorf("implicit decode: (0x%x, %v), expected (0x400, physical)", offset, mode)
	}
}

func TestDecodeLocationSlotWithoutBase(t *testing.T) {
	ctx := ModeContext{PerEntryMode: true}
	raw := uint64(AddressModeSlotRelative)<<locationTagShift | 0x100

	var invalid *InvalidAddressModeError
	if _, _, err := DecodeLocation(raw, ctx); !errors.As(err, &invalid) {
		t.Errorf("expected an invalid address mode error, got: '%v'", err)
	}
}

func TestEncodeLocationRejections(t *testing.T) {
	var invalid *InvalidAddressModeError
	var oor *AddressOutOfRangeError

	// relative tags make no sense when the header is not in per-entry mode
	implicit := ModeContext{DirectoryBase: 0x1000}
	if _, err := EncodeLocation(0x2000, AddressModeDirectoryRelative, implicit); !errors.As(err, &invalid) {
		t.Errorf("expected an invalid address mode error, got: '%v'", err)
	}

	perEntry := ModeContext{DirectoryBase: 0x1000, PerEntryMode: true}
	if _, err := EncodeLocation(0x100, AddressModeSlotRelative, perEntry); !errors.As(err, &invalid) {
		t.Errorf("expected an invalid address mode error for a missing slot base, got: '%v'", err)
	}

	// an offset below the base would wrap; it must be rejected instead
	if _, err := EncodeLocation(0x800, AddressModeDirectoryRelative, perEntry); !errors.As(err, &oor) {
		t.Errorf("expected an out of range error for an offset below the base, got: '%v'", err)
	}

	// physical encoding is bounded by the MMIO aperture size
	if _, err := EncodeLocation(0x0100_0000, AddressModePhysical, perEntry); !errors.As(err, &oor) {
		t.Errorf("expected an out of range error for an offset beyond the aperture, got: '%v'", err)
	}
}
