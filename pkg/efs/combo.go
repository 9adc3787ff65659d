// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/linuxboot/amdefs/pkg/flash"
)

// ComboDirectoryHeaderSize is the on-flash size of a combo header.
const ComboDirectoryHeaderSize = 32

// ComboDirectoryEntrySize is the on-flash size of one combo entry.
const ComboDirectoryEntrySize = 16

// ComboDirectoryHeader prefixes a combo directory: a
// directory-of-directories the boot ROM selects from by filter value.
type ComboDirectoryHeader struct {
	Cookie       [4]byte // "2PSP" or "2BHD"
	Checksum     uint32
	TotalEntries uint32
	LookupMode   uint32 // 0 dynamic, 1 exact match; consumed by the boot ROM, not here
	Reserved     [16]byte
}

// ComboDirectoryEntry points at one sub-directory. The core never
// evaluates Filter; callers match it against their own
// platform-identification value (chip family, silicon revision).
type ComboDirectoryEntry struct {
	Id      uint32
	Filter  uint32
	Pointer uint64 // image-relative or physical, never directory-relative
}

// ComboDirectoryTable is a parsed combo directory.
type ComboDirectoryTable struct {
	Header  ComboDirectoryHeader
	entries []ComboDirectoryEntry

	location flash.Location
	dirty    bool
}

// NewComboDirectoryTable builds an empty combo table to be placed at
// LOCATION.
func NewComboDirectoryTable(cookie [4]byte, location flash.Location) (*ComboDirectoryTable, error) {
	if cookie != PspComboDirectoryCookie && cookie != BhdComboDirectoryCookie {
		return nil, &UnknownCookieError{Cookie: cookie}
	}
	return &ComboDirectoryTable{
		Header:   ComboDirectoryHeader{Cookie: cookie, LookupMode: 1},
		location: location,
		dirty:    true,
	}, nil
}

// ParseComboDirectoryTable reads the combo table at POINTER. On a
// checksum mismatch the parsed table is returned together with a
// *ChecksumMismatchError.
func ParseComboDirectoryTable(storage flash.FlashRead, pointer flash.Location) (*ComboDirectoryTable, error) {
	headerRaw := make([]byte, ComboDirectoryHeaderSize)
	if err := storage.ReadExact(pointer, headerRaw); err != nil {
		return nil, err
	}
	var header ComboDirectoryHeader
	if err := binary.Read(bytes.NewReader(headerRaw), binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header.Cookie != PspComboDirectoryCookie && header.Cookie != BhdComboDirectoryCookie {
		return nil, &UnknownCookieError{Cookie: header.Cookie}
	}
	if header.TotalEntries > maxParseEntries {
		return nil, fmt.Errorf("implausible combo entry count %d", header.TotalEntries)
	}

	entriesRaw := make([]byte, int(header.TotalEntries)*ComboDirectoryEntrySize)
	if err := storage.ReadExact(pointer+ComboDirectoryHeaderSize, entriesRaw); err != nil {
		return nil, err
	}
	table := &ComboDirectoryTable{
		Header:   header,
		entries:  make([]ComboDirectoryEntry, header.TotalEntries),
		location: pointer,
	}
	if err := binary.Read(bytes.NewReader(entriesRaw), binary.LittleEndian, table.entries); err != nil {
		return nil, err
	}
	if err := verifyDirectoryChecksum(table.serialize(), header.Checksum); err != nil {
		return table, err
	}
	return table, nil
}

// Location returns the window offset of the table header.
func (t *ComboDirectoryTable) Location() flash.Location {
	return t.location
}

// Dirty reports whether the in-memory table has mutations the flash copy
// does not.
func (t *ComboDirectoryTable) Dirty() bool {
	return t.dirty
}

// IsPsp reports whether sub-directories of this combo are PSP (as opposed
// to BHD) directories.
func (t *ComboDirectoryTable) IsPsp() bool {
	return t.Header.Cookie == PspComboDirectoryCookie
}

// Entries returns the combo entries in on-flash order. The slice is a
// copy; iterate it as often as needed.
func (t *ComboDirectoryTable) Entries() []ComboDirectoryEntry {
	entries := make([]ComboDirectoryEntry, len(t.entries))
	copy(entries, t.entries)
	return entries
}

// MarshalJSON emits the header together with the entries; the entry
// slice is unexported and would otherwise be missing from the output.
func (t *ComboDirectoryTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Header  ComboDirectoryHeader
		Entries []ComboDirectoryEntry
	}{t.Header, t.Entries()})
}

// AppendEntry adds ENTRY at the end of the table.
func (t *ComboDirectoryTable) AppendEntry(entry ComboDirectoryEntry) error {
	for _, e := range t.entries {
		if e.Id == entry.Id && e.Filter == entry.Filter {
			return &DuplicateComboEntryError{Id: entry.Id, Filter: entry.Filter}
		}
	}
	t.entries = append(t.entries, entry)
	t.Header.TotalEntries = uint32(len(t.entries))
	t.dirty = true
	return nil
}

// entryLocation resolves a combo entry pointer into the window. Combo
// pointers never carry per-entry tags; they predate slot addressing.
func (t *ComboDirectoryTable) entryLocation(entry ComboDirectoryEntry) (flash.Location, error) {
	location, _, err := DecodeLocation(entry.Pointer, ModeContext{})
	return location, err
}

// ResolvePspEntry parses the PSP directory an entry of a PSP combo points
// at.
func (t *ComboDirectoryTable) ResolvePspEntry(storage flash.FlashRead, entry ComboDirectoryEntry) (*PspDirectoryTable, error) {
	if !t.IsPsp() {
		return nil, &UnknownCookieError{Cookie: t.Header.Cookie}
	}
	pointer, err := t.entryLocation(entry)
	if err != nil {
		return nil, err
	}
	return ParsePspDirectoryTable(storage, pointer)
}

// ResolveBhdEntry parses the BHD directory an entry of a BHD combo points
// at.
func (t *ComboDirectoryTable) ResolveBhdEntry(storage flash.FlashRead, entry ComboDirectoryEntry) (*BhdDirectoryTable, error) {
	if t.IsPsp() {
		return nil, &UnknownCookieError{Cookie: t.Header.Cookie}
	}
	pointer, err := t.entryLocation(entry)
	if err != nil {
		return nil, err
	}
	return ParseBhdDirectoryTable(storage, pointer)
}

func (t *ComboDirectoryTable) serialize() []byte {
	var buf bytes.Buffer
	header := t.Header
	header.TotalEntries = uint32(len(t.entries))
	_ = binary.Write(&buf, binary.LittleEndian, &header)
	_ = binary.Write(&buf, binary.LittleEndian, t.entries)
	return buf.Bytes()
}

// Checksum computes the current checksum of the in-memory table.
func (t *ComboDirectoryTable) Checksum() uint32 {
	return CalculateDirectoryChecksum(t.serialize())
}

// VerifyChecksum checks the stored header checksum against the in-memory
// contents.
func (t *ComboDirectoryTable) VerifyChecksum() error {
	return verifyDirectoryChecksum(t.serialize(), t.Header.Checksum)
}

// Flush serializes the table back to its flash location, recomputing the
// checksum exactly once.
func (t *ComboDirectoryTable) Flush(storage flash.FlashWrite) error {
	raw := t.serialize()
	checksum := CalculateDirectoryChecksum(raw)
	binary.LittleEndian.PutUint32(raw[4:8], checksum)
	if err := storage.WriteExact(t.location, raw); err != nil {
		return err
	}
	t.Header.Checksum = checksum
	t.dirty = false
	return nil
}
