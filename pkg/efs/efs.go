// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package efs navigates and mutates the AMD Embedded Firmware Structure:
// it locates the Embedded Firmware Header inside a flash window, resolves
// the PSP and BIOS (BHD) directory tables behind it, including combo
// directories that multiplex several sub-directories behind a filter
// value, and maintains the per-table Fletcher checksums.
//
// All access is single-threaded and synchronous; the caller owns the
// storage window exclusively for the duration of any mutating sequence.
package efs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/linuxboot/amdefs/pkg/flash"
)

// Efs composes the locator, the directory models and the checksum engine
// behind the handful of operations a caller needs.
type Efs struct {
	storage     flash.FlashRead
	efh         Efh
	efhLocation flash.Location
}

// LoadEfs locates the EFH inside the window and constructs the facade.
// GENERATION, when non-nil, restricts the search to headers claiming
// compatibility with that processor generation. The caller has already
// chosen which 16 MiB half of a larger part this window is.
func LoadEfs(storage flash.FlashRead, generation *ProcessorGeneration) (*Efs, error) {
	efh, location, err := FindEmbeddedFirmwareStructure(storage, generation)
	if err != nil {
		return nil, err
	}
	return &Efs{
		storage:     storage,
		efh:         *efh,
		efhLocation: location,
	}, nil
}

// EmbeddedFirmwareStructure returns the header read at load time.
func (e *Efs) EmbeddedFirmwareStructure() *Efh {
	return &e.efh
}

// EfhLocation returns the window offset the header was found at.
func (e *Efs) EfhLocation() flash.Location {
	return e.efhLocation
}

// PspDirectoryKind is the result of following the EFH PSP pointer.
// Exactly one field is non-nil; only reading the target's cookie can tell
// the two apart.
type PspDirectoryKind struct {
	Directory *PspDirectoryTable
	Combo     *ComboDirectoryTable
}

// PspDirectoryLocation resolves the EFH PSP directory pointer into the
// window.
func (e *Efs) PspDirectoryLocation() (flash.Location, error) {
	location, ok := decodeEfhPointer(e.efh.PspDirectoryLocationZen)
	if !ok {
		return 0, ErrNotFound{Item: "PSP directory pointer"}
	}
	return location, nil
}

func (e *Efs) directoryCookie(pointer flash.Location) ([4]byte, error) {
	var cookie [4]byte
	if err := e.storage.ReadExact(pointer, cookie[:]); err != nil {
		return cookie, err
	}
	return cookie, nil
}

// PspDirectory follows the EFH PSP pointer and parses whatever flavor of
// directory it finds there.
func (e *Efs) PspDirectory() (PspDirectoryKind, error) {
	pointer, err := e.PspDirectoryLocation()
	if err != nil {
		return PspDirectoryKind{}, err
	}
	cookie, err := e.directoryCookie(pointer)
	if err != nil {
		return PspDirectoryKind{}, err
	}
	switch cookie {
	case PspComboDirectoryCookie:
		combo, err := ParseComboDirectoryTable(e.storage, pointer)
		if err != nil {
			return PspDirectoryKind{Combo: combo}, err
		}
		return PspDirectoryKind{Combo: combo}, nil
	case PspDirectoryCookie, PspDirectoryLevel2Cookie:
		table, err := ParsePspDirectoryTable(e.storage, pointer)
		if err != nil {
			return PspDirectoryKind{Directory: table}, err
		}
		return PspDirectoryKind{Directory: table}, nil
	}
	return PspDirectoryKind{}, &UnknownCookieError{Cookie: cookie}
}

// BhdDirectoryLocation resolves the EFH BIOS directory pointer into the
// window: the Milan/combo field when programmed, otherwise the newest
// programmed family-17h pointer.
func (e *Efs) BhdDirectoryLocation() (flash.Location, error) {
	if location, ok := decodeEfhPointer(e.efh.BhdDirectoryLocationMilan); ok {
		return location, nil
	}
	for i := len(e.efh.BhdDirectoryLocations) - 1; i >= 0; i-- {
		if location, ok := decodeEfhPointer(e.efh.BhdDirectoryLocations[i]); ok {
			return location, nil
		}
	}
	return 0, ErrNotFound{Item: "BHD directory pointer"}
}

// BhdDirectoryIterator walks the BIOS directories behind the EFH BIOS
// pointer in on-flash order: the single table when the pointer names a
// normal directory, or one table per combo entry when it names a combo.
// It follows the bufio.Scanner shape and is restartable via Reset.
type BhdDirectoryIterator struct {
	storage flash.FlashRead
	combo   *ComboDirectoryTable // nil when single is the only directory
	entries []ComboDirectoryEntry
	single  flash.Location

	next     int
	current  *BhdDirectoryTable
	err      error
	warnings *multierror.Error
}

// Reset restarts the iteration from the first directory.
func (it *BhdDirectoryIterator) Reset() {
	it.next = 0
	it.current = nil
	it.err = nil
	it.warnings = nil
}

// Next advances to the next BIOS directory. It returns false when the
// sequence is exhausted or a directory failed to parse; Err tells the two
// apart. A checksum mismatch is recoverable: the mismatched table is
// still delivered, the mismatch is recorded in Warnings and the
// iteration continues with the next combo entry.
func (it *BhdDirectoryIterator) Next() bool {
	if it.err != nil {
		return false
	}
	var pointer flash.Location
	if it.combo == nil {
		if it.next > 0 {
			return false
		}
		pointer = it.single
	} else {
		if it.next >= len(it.entries) {
			return false
		}
		entry := it.entries[it.next]
		location, decodeErr := it.combo.entryLocation(entry)
		if decodeErr != nil {
			it.err = fmt.Errorf("combo entry id=%d: %w", entry.Id, decodeErr)
			return false
		}
		pointer = location
	}
	it.next++
	table, err := ParseBhdDirectoryTable(it.storage, pointer)
	if err != nil {
		var mismatch *ChecksumMismatchError
		if errors.As(err, &mismatch) && table != nil {
			it.warnings = multierror.Append(it.warnings, err)
			it.current = table
			return true
		}
		it.err = err
		it.current = nil
		return false
	}
	it.current = table
	return true
}

// Directory returns the table Next advanced to.
func (it *BhdDirectoryIterator) Directory() *BhdDirectoryTable {
	return it.current
}

// Err returns the first fatal error encountered, or nil after a clean
// exhaustion. Checksum mismatches are not fatal; see Warnings.
func (it *BhdDirectoryIterator) Err() error {
	return it.err
}

// Warnings returns the checksum mismatches encountered so far, or nil.
func (it *BhdDirectoryIterator) Warnings() error {
	return it.warnings.ErrorOrNil()
}

// BhdDirectories follows the EFH BIOS pointer and returns an iterator
// over the directories behind it.
func (e *Efs) BhdDirectories() (*BhdDirectoryIterator, error) {
	pointer, err := e.BhdDirectoryLocation()
	if err != nil {
		return nil, err
	}
	cookie, err := e.directoryCookie(pointer)
	if err != nil {
		return nil, err
	}
	it := &BhdDirectoryIterator{storage: e.storage, single: pointer}
	if cookie == BhdComboDirectoryCookie {
		combo, err := ParseComboDirectoryTable(e.storage, pointer)
		if err != nil {
			return nil, err
		}
		it.combo = combo
		it.entries = combo.Entries()
	}
	return it, nil
}

// CreateParams describes the layout of a fresh EFS image.
type CreateParams struct {
	// Generation the new header claims compatibility with.
	Generation ProcessorGeneration
	// PspDirectory is the erase-aligned space reserved for the PSP
	// directory table.
	PspDirectory flash.ErasableRange
	// BhdDirectory is the erase-aligned space reserved for the BHD
	// directory table.
	BhdDirectory flash.ErasableRange
}

// efhCreatePosition is where fresh images place the header; every image
// seen in practice uses the lowest candidate.
const efhCreatePosition = flash.Location(0x02_0000)

func directoryInfoForRange(r flash.ErasableRange) (DirectoryAdditionalInfo, error) {
	maxUnits, ok := TryIntoUnit(r.Capacity())
	if !ok {
		return 0, fmt.Errorf("directory capacity 0x%x B is not a whole number of 4 KiB units", r.Capacity())
	}
	maxSize, err := NewUint10("max_size", maxUnits)
	if err != nil {
		return 0, err
	}
	spiUnits, ok := TryIntoUnit(r.Beginning.ErasableBlockSize())
	if !ok {
		return 0, fmt.Errorf("erase block size 0x%x B is not a whole number of 4 KiB units", r.Beginning.ErasableBlockSize())
	}
	base, err := NewUint15("base_address", uint16(uint32(r.Beginning.Location())/DirectoryAdditionalInfoUnit))
	if err != nil {
		return 0, err
	}
	return NewDirectoryAdditionalInfo(maxSize, spiUnits, base, AddressModeDirectoryRelative)
}

// CreateEfs builds a fresh EFH plus empty PSP and BHD directories on
// erased storage and loads the result. The EFH region must read back as
// erased flash (0xFF) before anything is written.
func CreateEfs(storage flash.FlashWrite, params CreateParams) (*Efs, error) {
	blank := make([]byte, EfhSize)
	if err := storage.ReadExact(efhCreatePosition, blank); err != nil {
		return nil, err
	}
	for _, b := range blank {
		if b != 0xFF {
			return nil, &flash.NotErasedError{Start: efhCreatePosition, Length: EfhSize}
		}
	}

	pspLocation := params.PspDirectory.Beginning.Location()
	bhdLocation := params.BhdDirectory.Beginning.Location()

	efh := DefaultEfh()
	efh.SecondGenEfs = SecondGenEfsForProcessorGeneration(params.Generation)
	efh.PspDirectoryLocationZen = uint32(pspLocation)
	efh.BhdDirectoryLocationMilan = uint32(bhdLocation)

	var buf bytes.Buffer
	if err := efh.WriteTo(&buf); err != nil {
		return nil, err
	}
	if err := storage.WriteExact(efhCreatePosition, buf.Bytes()); err != nil {
		return nil, err
	}

	pspInfo, err := directoryInfoForRange(params.PspDirectory)
	if err != nil {
		return nil, err
	}
	pspTable, err := NewPspDirectoryTable(PspDirectoryCookie, pspLocation, pspInfo)
	if err != nil {
		return nil, err
	}
	if err := pspTable.Flush(storage); err != nil {
		return nil, err
	}

	bhdInfo, err := directoryInfoForRange(params.BhdDirectory)
	if err != nil {
		return nil, err
	}
	bhdTable, err := NewBhdDirectoryTable(BhdDirectoryCookie, bhdLocation, bhdInfo)
	if err != nil {
		return nil, err
	}
	if err := bhdTable.Flush(storage); err != nil {
		return nil, err
	}

	generation := params.Generation
	return LoadEfs(storage, &generation)
}
