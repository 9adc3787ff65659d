// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/linuxboot/amdefs/pkg/flash"
)

// Refer to: AMD Platform Security Processor BIOS Architecture Design Guide for AMD Family 17h and Family 19h
// Processors (NDA), Publication # 55758 Revision: 1.11 Issue Date: August 2020 (1)

// EfhSignature identifies an Embedded Firmware Header.
const EfhSignature = 0x55AA55AA

// efhPositions are the candidate window offsets of the EFH, probed lowest
// first. 0x20000 is what images use in practice.
var efhPositions = []flash.Location{
	0x02_0000,
	0x82_0000,
	0xC2_0000,
	0xE2_0000,
	0xF2_0000,
	0xFA_0000,
}

// ProcessorGeneration selects a bit in the second-gen EFS bit vector.
type ProcessorGeneration uint8

// ProcessorGenerationMilan is generation 1; earlier parts predate the bit
// vector entirely.
const ProcessorGenerationMilan ProcessorGeneration = 1

// SpiReadMode is the SPI controller read mode the boot ROM should use.
type SpiReadMode uint8

const (
	SpiReadModeNormal33MHz SpiReadMode = 0b000
	SpiReadModeDual112     SpiReadMode = 0b010
	SpiReadModeQuad114     SpiReadMode = 0b011
	SpiReadModeDual122     SpiReadMode = 0b100
	SpiReadModeQuad144     SpiReadMode = 0b101
	SpiReadModeNormal66MHz SpiReadMode = 0b110
	SpiReadModeFast        SpiReadMode = 0b111
	SpiReadModeDoNothing   SpiReadMode = 0xff
)

// Valid reports whether the byte holds a defined read mode rather than
// garbage from an unprogrammed field.
func (m SpiReadMode) Valid() bool {
	switch m {
	case SpiReadModeNormal33MHz, SpiReadModeDual112, SpiReadModeQuad114,
		SpiReadModeDual122, SpiReadModeQuad144, SpiReadModeNormal66MHz,
		SpiReadModeFast, SpiReadModeDoNothing:
		return true
	}
	return false
}

// SpiFastSpeed is the fast-read clock selector.
type SpiFastSpeed uint8

const (
	SpiFastSpeed66MHz     SpiFastSpeed = 0
	SpiFastSpeed33MHz     SpiFastSpeed = 1
	SpiFastSpeed22MHz     SpiFastSpeed = 2
	SpiFastSpeed16MHz     SpiFastSpeed = 3
	SpiFastSpeed100MHz    SpiFastSpeed = 0b100
	SpiFastSpeed800kHz    SpiFastSpeed = 0b101
	SpiFastSpeedDoNothing SpiFastSpeed = 0xff
)

// EfhNaplesSpiMode is the SPI configuration block for Naples and Raven Ridge.
type EfhNaplesSpiMode struct {
	ReadMode     uint8 // SpiReadMode or garbage
	FastSpeedNew uint8 // SpiFastSpeed or garbage
	MicronMode   uint8 // 0x0a dummy cycle, 0xff do nothing
}

// EfhRomeSpiMode is the SPI configuration block for Rome and later.
type EfhRomeSpiMode struct {
	ReadMode     uint8 // SpiReadMode or garbage
	FastSpeedNew uint8 // SpiFastSpeed or garbage
	MicronMode   uint8 // 0x55 support Micron, 0xaa force Micron, 0xff do nothing
}

// Efh is the Embedded Firmware Header, the root structure the boot
// processor locates first. Read once when the Efs facade is constructed;
// immutable thereafter unless explicitly rewritten.
type Efh struct {
	Signature                  uint32
	ImcFwLocation              uint32 // usually unused
	GbeFwLocation              uint32 // usually unused
	XhciFwLocation             uint32 // usually unused
	PspDirectoryLocationNaples uint32 // usually unused
	PspDirectoryLocationZen    uint32 // normal or combo; disambiguated by the target's cookie

	// BhdDirectoryLocations are indexed by the high nibble of the model
	// number: 0 Naples, 1 Raven Ridge, 2 Rome. Newer models use
	// BhdDirectoryLocationMilan instead.
	BhdDirectoryLocations [3]uint32

	// SecondGenEfs bit 0 clear marks a second-generation EFS; bit N clear
	// marks compatibility with processor generation N.
	SecondGenEfs uint32

	BhdDirectoryLocationMilan uint32 // normal or combo

	Reserved1                    uint32
	PromontoryFwLocation         uint32
	LowPowerPromontoryFwLocation uint32
	Reserved2                    [2]uint32
	Reserved3                    [3]byte
	SpiModeZenNaples             EfhNaplesSpiMode
	SpiModeZenRome               EfhRomeSpiMode
	Reserved4                    uint8
}

// EfhSize is the on-flash size of the header in bytes.
const EfhSize = 0x4A

// DefaultEfh returns a header with the erased-flash fill pattern in every
// field a fresh image does not set.
func DefaultEfh() Efh {
	return Efh{
		Signature:                    EfhSignature,
		SecondGenEfs:                 0xFFFF_FFFE,
		BhdDirectoryLocationMilan:    0xFFFF_FFFF,
		Reserved1:                    0xFFFF_FFFF,
		PromontoryFwLocation:         0xFFFF_FFFF,
		LowPowerPromontoryFwLocation: 0xFFFF_FFFF,
		Reserved2:                    [2]uint32{0xFFFF_FFFF, 0xFFFF_FFFF},
		Reserved3:                    [3]byte{0xFF, 0xFF, 0xFF},
		SpiModeZenNaples:             EfhNaplesSpiMode{0xFF, 0xFF, 0xFF},
		SpiModeZenRome:               EfhRomeSpiMode{0xFF, 0xFF, 0xFF},
	}
}

// SecondGen reports whether this is a second-generation EFS.
// Precondition: the signature has been checked, otherwise this reads garbage.
func (efh *Efh) SecondGen() bool {
	return efh.SecondGenEfs&1 == 0
}

// CompatibleWithProcessorGeneration reports whether the header claims
// compatibility with the given generation. Generations are bits 1..15;
// anything else is out of range and never compatible.
func (efh *Efh) CompatibleWithProcessorGeneration(generation ProcessorGeneration) bool {
	if generation >= 16 {
		return false
	}
	return efh.SecondGenEfs&(1<<uint(generation)) == 0
}

// SecondGenEfsForProcessorGeneration builds the bit vector a fresh header
// should carry to claim compatibility with GENERATION.
func SecondGenEfsForProcessorGeneration(generation ProcessorGeneration) uint32 {
	if generation >= 16 {
		generation = 15
	}
	return 0xFFFF_FFFE &^ (1 << uint(generation))
}

// ParseEfh reads a header and validates its signature.
func ParseEfh(r io.Reader) (*Efh, error) {
	var result Efh
	if err := binary.Read(r, binary.LittleEndian, &result); err != nil {
		return nil, err
	}
	if result.Signature != EfhSignature {
		return nil, ErrNotFound{Item: "EFH signature"}
	}
	return &result, nil
}

// WriteTo serializes the header.
func (efh *Efh) WriteTo(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, efh)
}

// decodeEfhPointer maps an EFH directory pointer into the window. EFH
// pointers are physical MMIO addresses or plain offsets, never
// directory- or slot-relative: no directory exists yet to be relative to.
func decodeEfhPointer(ptr uint32) (flash.Location, bool) {
	if ptr == 0 || ptr == 0xFFFF_FFFF {
		return 0, false
	}
	if ptr >= mmioAperture {
		return flash.Location(ptr - mmioAperture), true
	}
	if ptr < mmioApertureSize {
		return flash.Location(ptr), true
	}
	return 0, false
}

// FindEmbeddedFirmwareStructure probes the candidate offsets inside the
// window, lowest first, and returns the first header whose signature
// validates and which, when GENERATION is non-nil, claims compatibility
// with that generation. The locator never looks outside the supplied
// window; picking the right 16 MiB half of a 32 MiB part is the caller's
// job before this is called.
func FindEmbeddedFirmwareStructure(storage flash.FlashRead, generation *ProcessorGeneration) (*Efh, flash.Location, error) {
	buf := make([]byte, EfhSize)
	for _, position := range efhPositions {
		if err := storage.ReadExact(position, buf); err != nil {
			var oob *flash.OutOfBoundsError
			if errors.As(err, &oob) {
				// The window ends before this candidate; the remaining
				// candidates are even higher.
				break
			}
			return nil, 0, err
		}
		efh, err := ParseEfh(bytes.NewReader(buf))
		if err != nil {
			continue
		}
		if generation != nil && !efh.CompatibleWithProcessorGeneration(*generation) {
			continue
		}
		return efh, position, nil
	}
	return nil, 0, ErrNotFound{Item: "embedded firmware header"}
}
