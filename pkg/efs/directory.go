// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/linuxboot/amdefs/pkg/flash"
)

// Directory cookies. The cookie is the only thing that distinguishes a
// normal directory from a combo directory behind the same EFH pointer.
var (
	PspDirectoryCookie       = [4]byte{'$', 'P', 'S', 'P'}
	PspDirectoryLevel2Cookie = [4]byte{'$', 'P', 'L', '2'}
	PspComboDirectoryCookie  = [4]byte{'2', 'P', 'S', 'P'}
	BhdDirectoryCookie       = [4]byte{'$', 'B', 'H', 'D'}
	BhdDirectoryLevel2Cookie = [4]byte{'$', 'B', 'L', '2'}
	BhdComboDirectoryCookie  = [4]byte{'2', 'B', 'H', 'D'}
)

// DirectoryHeaderSize is the on-flash size of a normal directory header.
const DirectoryHeaderSize = 16

// DirectoryHeader prefixes every normal (non-combo) directory table.
type DirectoryHeader struct {
	Cookie         [4]byte
	Checksum       uint32
	TotalEntries   uint32
	AdditionalInfo DirectoryAdditionalInfo
}

// DirectoryAdditionalInfoUnit is the granularity of the max-size and
// base-address fields.
const DirectoryAdditionalInfoUnit = 4096

// DirectoryAdditionalInfo is the bit-packed word at offset 12 of a
// directory header:
//
//	bits  9..0  max directory size, in 4 KiB units
//	bits 13..10 SPI erase-block size, in 4 KiB units; 0 means 16 (64 KiB)
//	bits 28..14 content base address, in 4 KiB units
//	bits 30..29 address mode of the entries
type DirectoryAdditionalInfo uint32

// NewDirectoryAdditionalInfo packs the word from validated fields.
// spiBlockSize is given in units; 16 (64 KiB) is stored as 0.
func NewDirectoryAdditionalInfo(maxSize Uint10, spiBlockSize uint16, baseAddress Uint15, mode AddressMode) (DirectoryAdditionalInfo, error) {
	var spi uint32
	switch {
	case spiBlockSize >= 1 && spiBlockSize <= 15:
		spi = uint32(spiBlockSize)
	case spiBlockSize == 16:
		spi = 0
	default:
		return 0, &OutOfRangeError{Field: "spi_block_size", Value: uint64(spiBlockSize), Bits: 4}
	}
	if mode > AddressModeSlotRelative {
		return 0, &InvalidAddressModeError{Mode: mode, Reason: "not a directory header mode"}
	}
	return DirectoryAdditionalInfo(uint32(maxSize) |
		spi<<10 |
		uint32(baseAddress)<<14 |
		uint32(mode)<<29), nil
}

// MaxSize returns the directory size limit in 4 KiB units; 0 means the
// limit is not recorded.
func (info DirectoryAdditionalInfo) MaxSize() Uint10 {
	return Uint10(info & 0x3ff)
}

// SpiBlockSize returns the erase-block size in 4 KiB units, with the
// on-flash 0 already translated to 16 (64 KiB).
func (info DirectoryAdditionalInfo) SpiBlockSize() uint16 {
	raw := uint16(info>>10) & 0xf
	if raw == 0 {
		return 0x10
	}
	return raw
}

// BaseAddress returns the content base address in 4 KiB units. 0 means
// the content directly follows the header.
func (info DirectoryAdditionalInfo) BaseAddress() Uint15 {
	return Uint15(info>>14) & 0x7fff
}

// AddressMode returns the entry address mode recorded in the header.
// AddressModeDirectoryRelative means per-entry mode: each entry location
// word carries its own 2-bit tag.
func (info DirectoryAdditionalInfo) AddressMode() AddressMode {
	return AddressMode(info>>29) & 0x3
}

// TryIntoUnit converts a byte count into 4 KiB units without loss.
func TryIntoUnit(value int) (uint16, bool) {
	if value < 0 || value%DirectoryAdditionalInfoUnit != 0 {
		return 0, false
	}
	units := value / DirectoryAdditionalInfoUnit
	if units > 0xffff {
		return 0, false
	}
	return uint16(units), true
}

// maxParseEntries bounds amount of memory a corrupt entry count can make
// us allocate before the checksum would reject the table anyway.
const maxParseEntries = 0x40000

func readDirectoryHeader(storage flash.FlashRead, pointer flash.Location) (DirectoryHeader, error) {
	buf := make([]byte, DirectoryHeaderSize)
	if err := storage.ReadExact(pointer, buf); err != nil {
		return DirectoryHeader{}, err
	}
	var header DirectoryHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &header); err != nil {
		return DirectoryHeader{}, err
	}
	return header, nil
}

// checkContiguous rejects the split header/content case. A base address
// of 0 or one equal to the directory's own base is the supported
// contiguous layout; anything else has semantics the documentation does
// not pin down.
func checkContiguous(info DirectoryAdditionalInfo, pointer flash.Location) error {
	base := uint32(info.BaseAddress()) * DirectoryAdditionalInfoUnit
	if base != 0 && base != uint32(pointer) {
		return ErrSplitDirectoryUnsupported
	}
	return nil
}

func checkEntryCount(header DirectoryHeader, entrySize int) error {
	if header.TotalEntries > maxParseEntries {
		return fmt.Errorf("implausible entry count %d", header.TotalEntries)
	}
	if maxSize := header.AdditionalInfo.MaxSize(); maxSize != 0 {
		capacity := uint64(maxSize) * DirectoryAdditionalInfoUnit
		needed := uint64(DirectoryHeaderSize) + uint64(header.TotalEntries)*uint64(entrySize)
		if needed > capacity {
			return fmt.Errorf("entry count %d exceeds the directory's max size of 0x%x B", header.TotalEntries, capacity)
		}
	}
	return nil
}

// directoryCapacity returns the byte budget of a table, or 0 when the
// header records no limit.
func directoryCapacity(header DirectoryHeader) uint32 {
	return uint32(header.AdditionalInfo.MaxSize()) * DirectoryAdditionalInfoUnit
}

// checkRoom verifies that a table of the given serialized size would
// still fit after growing by growth bytes.
func checkRoom(header DirectoryHeader, serializedSize, growth int) error {
	capacity := directoryCapacity(header)
	if capacity == 0 {
		return nil
	}
	needed := uint32(serializedSize + growth)
	if needed > capacity {
		return &DirectoryFullError{Capacity: capacity, Needed: needed}
	}
	return nil
}

// verifyDirectoryChecksum compares the header's checksum field against
// the accumulation over the serialized table.
func verifyDirectoryChecksum(raw []byte, stored uint32) error {
	actual := CalculateDirectoryChecksum(raw)
	if actual != stored {
		return &ChecksumMismatchError{Expected: stored, Actual: actual}
	}
	return nil
}
