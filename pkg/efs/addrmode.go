// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"fmt"

	"github.com/linuxboot/amdefs/pkg/flash"
)

// AddressMode says how the address bits of an entry's location word are
// anchored. The 2-bit tag lives in bits 63..62 of the word, but only when
// the owning directory header's own address-mode field is
// AddressModeDirectoryRelative ("per-entry mode"). Under any other header
// mode the top bits are ordinary address bits and every entry is
// implicitly AddressModePhysical. DecodeLocation/EncodeLocation are the
// single place this conditional reinterpretation happens; callers never
// mask the word themselves.
type AddressMode uint8

const (
	// AddressModePhysical is a legacy MMIO physical address; the low 56
	// bits are significant.
	AddressModePhysical AddressMode = 0
	// AddressModeImageRelative is an offset from the start of the
	// firmware image.
	AddressModeImageRelative AddressMode = 1
	// AddressModeDirectoryRelative is an offset from the start of the
	// owning directory. As a directory header mode it means "per-entry":
	// each entry carries its own tag.
	AddressModeDirectoryRelative AddressMode = 2
	// AddressModeSlotRelative is an offset from the start of a
	// caller-specified slot. Only valid for entries, never for directory
	// pointers.
	AddressModeSlotRelative AddressMode = 3
)

// String implements fmt.Stringer.
func (m AddressMode) String() string {
	switch m {
	case AddressModePhysical:
		return "physical"
	case AddressModeImageRelative:
		return "image-relative"
	case AddressModeDirectoryRelative:
		return "directory-relative"
	case AddressModeSlotRelative:
		return "slot-relative"
	}
	return fmt.Sprintf("unknown address mode %d", uint8(m))
}

const (
	locationTagShift    = 62
	locationAddressMask = 1<<locationTagShift - 1
	physicalAddressMask = 1<<56 - 1
	mmioAperture        = 0xFF00_0000
	mmioApertureSize    = 1 << 24
)

// ModeContext carries the bases a location word may be anchored to. A nil
// SlotBase means slot-relative entries cannot be decoded in this context.
type ModeContext struct {
	// ImageBase is the window offset of the firmware image start.
	ImageBase flash.Location
	// DirectoryBase is the window offset of the owning directory header.
	DirectoryBase flash.Location
	// SlotBase, if known, is the window offset of the caller-chosen slot.
	SlotBase *flash.Location
	// PerEntryMode is true when the owning directory header's address
	// mode field is AddressModeDirectoryRelative.
	PerEntryMode bool
}

// decodePhysical maps a legacy MMIO physical address into the window.
// Addresses inside the 0xFF00_0000 aperture are the usual case; small
// values are accepted as direct window offsets, which is what first-gen
// images that predate the aperture convention contain.
func decodePhysical(addr uint64) (flash.Location, error) {
	addr &= physicalAddressMask
	if addr >= mmioAperture && addr < mmioAperture+mmioApertureSize {
		return flash.Location(addr - mmioAperture), nil
	}
	if addr < mmioApertureSize {
		return flash.Location(addr), nil
	}
	return 0, &AddressOutOfRangeError{Mode: AddressModePhysical, Offset: addr}
}

// DecodeLocation resolves an on-flash location word into a window offset
// and the mode it was anchored by. When the context is not in per-entry
// mode the whole word is a physical address and the returned mode is
// AddressModePhysical.
func DecodeLocation(raw uint64, ctx ModeContext) (flash.Location, AddressMode, error) {
	if !ctx.PerEntryMode {
		offset, err := decodePhysical(raw)
		return offset, AddressModePhysical, err
	}
	mode := AddressMode(raw >> locationTagShift)
	addr := raw & locationAddressMask
	var base flash.Location
	switch mode {
	case AddressModePhysical:
		offset, err := decodePhysical(addr)
		return offset, mode, err
	case AddressModeImageRelative:
		base = ctx.ImageBase
	case AddressModeDirectoryRelative:
		base = ctx.DirectoryBase
	case AddressModeSlotRelative:
		if ctx.SlotBase == nil {
			return 0, mode, &InvalidAddressModeError{Mode: mode, Reason: "no slot base supplied"}
		}
		base = *ctx.SlotBase
	}
	offset := uint64(base) + addr
	if offset > 0xFFFF_FFFF {
		return 0, mode, &AddressOutOfRangeError{Mode: mode, Offset: offset}
	}
	return flash.Location(offset), mode, nil
}

// EncodeLocation is the inverse of DecodeLocation:
// DecodeLocation(EncodeLocation(x, m, ctx), ctx) == (x, m) for every
// offset representable under m in ctx. Relative tags may only be encoded
// in per-entry mode; offsets below the respective base do not round-trip
// and are rejected instead of wrapping.
func EncodeLocation(offset flash.Location, mode AddressMode, ctx ModeContext) (uint64, error) {
	if mode == AddressModePhysical {
		if uint64(offset) >= mmioApertureSize {
			return 0, &AddressOutOfRangeError{Mode: mode, Offset: uint64(offset)}
		}
		return mmioAperture + uint64(offset), nil
	}
	if !ctx.PerEntryMode {
		return 0, &InvalidAddressModeError{Mode: mode, Reason: "directory header is not in per-entry mode"}
	}
	var base flash.Location
	switch mode {
	case AddressModeImageRelative:
		base = ctx.ImageBase
	case AddressModeDirectoryRelative:
		base = ctx.DirectoryBase
	case AddressModeSlotRelative:
		if ctx.SlotBase == nil {
			return 0, &InvalidAddressModeError{Mode: mode, Reason: "no slot base supplied"}
		}
		base = *ctx.SlotBase
	default:
		return 0, &InvalidAddressModeError{Mode: mode, Reason: "unknown tag"}
	}
	if offset < base {
		return 0, &AddressOutOfRangeError{Mode: mode, Offset: uint64(offset)}
	}
	return uint64(mode)<<locationTagShift | uint64(offset-base), nil
}
