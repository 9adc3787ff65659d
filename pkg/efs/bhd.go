// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/linuxboot/amdefs/pkg/flash"
)

// BhdDirectoryEntryType tags the payload kind of a BIOS directory entry.
type BhdDirectoryEntryType uint8

const (
	OemPublicKeyEntry             BhdDirectoryEntryType = 0x05
	CryptographicSignatureEntry   BhdDirectoryEntryType = 0x07
	ApcbEntry                     BhdDirectoryEntryType = 0x60
	ApobEntry                     BhdDirectoryEntryType = 0x61
	BiosEntry                     BhdDirectoryEntryType = 0x62
	ApobNvCopyEntry               BhdDirectoryEntryType = 0x63 // used during S3 resume
	PmuFirmwareInstructionsEntry  BhdDirectoryEntryType = 0x64
	PmuFirmwareDataEntry          BhdDirectoryEntryType = 0x65
	MicrocodePatchEntry           BhdDirectoryEntryType = 0x66
	MceDataEntry                  BhdDirectoryEntryType = 0x67
	ApcbBackupEntry               BhdDirectoryEntryType = 0x68
	VgaInterpreterEntry           BhdDirectoryEntryType = 0x69
	Mp2FirmwareConfigurationEntry BhdDirectoryEntryType = 0x6A
	CorebootVbootWorkbufferEntry  BhdDirectoryEntryType = 0x6B
	MpmConfigurationEntry         BhdDirectoryEntryType = 0x6C
	SecondLevelBhdDirectoryEntry  BhdDirectoryEntryType = 0x70
)

var bhdDirectoryEntryTypeNames = map[BhdDirectoryEntryType]string{
	OemPublicKeyEntry:             "OemPublicKey",
	CryptographicSignatureEntry:   "CryptographicSignature",
	ApcbEntry:                     "Apcb",
	ApobEntry:                     "Apob",
	BiosEntry:                     "Bios",
	ApobNvCopyEntry:               "ApobNvCopy",
	PmuFirmwareInstructionsEntry:  "PmuFirmwareInstructions",
	PmuFirmwareDataEntry:          "PmuFirmwareData",
	MicrocodePatchEntry:           "MicrocodePatch",
	MceDataEntry:                  "MceData",
	ApcbBackupEntry:               "ApcbBackup",
	VgaInterpreterEntry:           "VgaInterpreter",
	Mp2FirmwareConfigurationEntry: "Mp2FirmwareConfiguration",
	CorebootVbootWorkbufferEntry:  "CorebootVbootWorkbuffer",
	MpmConfigurationEntry:         "MpmConfiguration",
	SecondLevelBhdDirectoryEntry:  "SecondLevelBhdDirectory",
}

// String implements fmt.Stringer.
func (t BhdDirectoryEntryType) String() string {
	if name, ok := bhdDirectoryEntryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(t))
}

// BhdDirectoryEntryRegionType selects the target region of a BHD entry.
type BhdDirectoryEntryRegionType uint8

const (
	BhdRegionNormal BhdDirectoryEntryRegionType = 0
	BhdRegionTa1    BhdDirectoryEntryRegionType = 1
	BhdRegionTa2    BhdDirectoryEntryRegionType = 2
)

// BhdDirectoryEntryAttrs is the unpacked attributes word of a BHD entry:
//
//	bits  7..0  type
//	bits 15..8  region type
//	bit  16     reset image
//	bit  17     copy image
//	bit  18     read only (only useful for region type > 0)
//	bit  19     compressed
//	bits 23..20 instance
//	bits 26..24 sub-program
//	bits 28..27 rom id
type BhdDirectoryEntryAttrs struct {
	Type       BhdDirectoryEntryType
	RegionType BhdDirectoryEntryRegionType
	ResetImage bool
	CopyImage  bool
	ReadOnly   bool
	Compressed bool
	Instance   Uint4
	SubProgram Uint3
	RomId      Uint2
}

// NewBhdDirectoryEntryAttrs validates all narrow fields at once and
// reports every violation, not just the first.
func NewBhdDirectoryEntryAttrs(typ BhdDirectoryEntryType, regionType BhdDirectoryEntryRegionType, instance, subProgram, romId uint8) (BhdDirectoryEntryAttrs, error) {
	var result *multierror.Error
	inst, err := NewUint4("instance", instance)
	result = multierror.Append(result, err)
	sub, err := NewUint3("sub_program", subProgram)
	result = multierror.Append(result, err)
	rid, err := NewUint2("rom_id", romId)
	result = multierror.Append(result, err)
	if err := result.ErrorOrNil(); err != nil {
		return BhdDirectoryEntryAttrs{}, err
	}
	return BhdDirectoryEntryAttrs{
		Type:       typ,
		RegionType: regionType,
		Instance:   inst,
		SubProgram: sub,
		RomId:      rid,
	}, nil
}

func boolBit(b bool, shift uint) uint32 {
	if b {
		return 1 << shift
	}
	return 0
}

func (a BhdDirectoryEntryAttrs) pack() uint32 {
	return uint32(a.Type) |
		uint32(a.RegionType)<<8 |
		boolBit(a.ResetImage, 16) |
		boolBit(a.CopyImage, 17) |
		boolBit(a.ReadOnly, 18) |
		boolBit(a.Compressed, 19) |
		uint32(a.Instance)<<20 |
		uint32(a.SubProgram)<<24 |
		uint32(a.RomId)<<27
}

func unpackBhdDirectoryEntryAttrs(raw uint32) BhdDirectoryEntryAttrs {
	return BhdDirectoryEntryAttrs{
		Type:       BhdDirectoryEntryType(raw),
		RegionType: BhdDirectoryEntryRegionType(raw >> 8),
		ResetImage: raw>>16&1 != 0,
		CopyImage:  raw>>17&1 != 0,
		ReadOnly:   raw>>18&1 != 0,
		Compressed: raw>>19&1 != 0,
		Instance:   Uint4(raw>>20) & 0xf,
		SubProgram: Uint3(raw>>24) & 0x7,
		RomId:      Uint2(raw>>27) & 0x3,
	}
}

// BhdDirectoryEntrySize is the on-flash size of one entry.
const BhdDirectoryEntrySize = 24

// bhdNoDestination in the destination field means the payload is not
// copied anywhere at boot.
const bhdNoDestination = 0xFFFF_FFFF_FFFF_FFFF

// BhdDirectoryEntry is one slot of a BIOS directory table.
type BhdDirectoryEntry struct {
	BhdDirectoryEntryAttrs
	Size        uint32 // uncompressed payload size
	Source      uint64 // location word, or the immediate value for value entries
	Destination uint64 // load address, or bhdNoDestination
}

// NewBhdPayloadEntry builds an entry pointing at a payload. SOURCE is the
// already-encoded location word; pass a nil DESTINATION for entries that
// are not copied at boot.
func NewBhdPayloadEntry(attrs BhdDirectoryEntryAttrs, size uint32, source uint64, destination *uint64) (BhdDirectoryEntry, error) {
	if size == pspValueSizeMarker {
		return BhdDirectoryEntry{}, fmt.Errorf("size 0x%x is reserved for value entries", size)
	}
	dest := uint64(bhdNoDestination)
	if destination != nil {
		dest = *destination
	}
	return BhdDirectoryEntry{
		BhdDirectoryEntryAttrs: attrs,
		Size:                   size,
		Source:                 source,
		Destination:            dest,
	}, nil
}

// IsValue reports whether the source word is an immediate value.
func (e *BhdDirectoryEntry) IsValue() bool {
	return e.Size == pspValueSizeMarker
}

// DestinationLocation returns the load address, if any.
func (e *BhdDirectoryEntry) DestinationLocation() (uint64, bool) {
	if e.Destination == bhdNoDestination {
		return 0, false
	}
	return e.Destination, true
}

// Location resolves the entry's payload offset within the window.
func (e *BhdDirectoryEntry) Location(ctx ModeContext) (flash.Location, AddressMode, error) {
	if e.IsValue() {
		return 0, 0, ErrValueEntry
	}
	return DecodeLocation(e.Source, ctx)
}

func parseBhdDirectoryEntry(r io.Reader) (BhdDirectoryEntry, error) {
	var raw struct {
		Attrs       uint32
		Size        uint32
		Source      uint64
		Destination uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return BhdDirectoryEntry{}, err
	}
	return BhdDirectoryEntry{
		BhdDirectoryEntryAttrs: unpackBhdDirectoryEntryAttrs(raw.Attrs),
		Size:                   raw.Size,
		Source:                 raw.Source,
		Destination:            raw.Destination,
	}, nil
}

func (e *BhdDirectoryEntry) serializeTo(w io.Writer) error {
	raw := struct {
		Attrs       uint32
		Size        uint32
		Source      uint64
		Destination uint64
	}{e.pack(), e.Size, e.Source, e.Destination}
	return binary.Write(w, binary.LittleEndian, &raw)
}

// BhdDirectoryTable is a parsed BIOS directory: header plus entries in
// on-flash order.
type BhdDirectoryTable struct {
	Header  DirectoryHeader
	Entries []BhdDirectoryEntry

	location flash.Location
	dirty    bool
}

// NewBhdDirectoryTable builds an empty table to be placed at LOCATION.
func NewBhdDirectoryTable(cookie [4]byte, location flash.Location, info DirectoryAdditionalInfo) (*BhdDirectoryTable, error) {
	if cookie != BhdDirectoryCookie && cookie != BhdDirectoryLevel2Cookie {
		return nil, &UnknownCookieError{Cookie: cookie}
	}
	return &BhdDirectoryTable{
		Header: DirectoryHeader{
			Cookie:         cookie,
			AdditionalInfo: info,
		},
		location: location,
		dirty:    true,
	}, nil
}

// ParseBhdDirectoryTable reads the table at POINTER. On a checksum
// mismatch the parsed table is returned together with a
// *ChecksumMismatchError; the caller may proceed read-only but must not
// trust the entries.
func ParseBhdDirectoryTable(storage flash.FlashRead, pointer flash.Location) (*BhdDirectoryTable, error) {
	header, err := readDirectoryHeader(storage, pointer)
	if err != nil {
		return nil, err
	}
	if header.Cookie != BhdDirectoryCookie && header.Cookie != BhdDirectoryLevel2Cookie {
		return nil, &UnknownCookieError{Cookie: header.Cookie}
	}
	if err := checkContiguous(header.AdditionalInfo, pointer); err != nil {
		return nil, err
	}
	if err := checkEntryCount(header, BhdDirectoryEntrySize); err != nil {
		return nil, err
	}

	entriesRaw := make([]byte, int(header.TotalEntries)*BhdDirectoryEntrySize)
	if err := storage.ReadExact(pointer+DirectoryHeaderSize, entriesRaw); err != nil {
		return nil, err
	}
	r := bytes.NewReader(entriesRaw)
	table := &BhdDirectoryTable{
		Header:   header,
		Entries:  make([]BhdDirectoryEntry, 0, header.TotalEntries),
		location: pointer,
	}
	for idx := uint32(0); idx < header.TotalEntries; idx++ {
		entry, err := parseBhdDirectoryEntry(r)
		if err != nil {
			return nil, err
		}
		table.Entries = append(table.Entries, entry)
	}
	if err := verifyDirectoryChecksum(table.serialize(), header.Checksum); err != nil {
		return table, err
	}
	return table, nil
}

// Location returns the window offset of the table header.
func (t *BhdDirectoryTable) Location() flash.Location {
	return t.location
}

// Dirty reports whether the in-memory table has mutations the flash copy
// does not.
func (t *BhdDirectoryTable) Dirty() bool {
	return t.dirty
}

// ModeContext builds the decode context for this table's entries.
// SLOTBASE may be nil if no slot applies.
func (t *BhdDirectoryTable) ModeContext(imageBase flash.Location, slotBase *flash.Location) ModeContext {
	return ModeContext{
		ImageBase:     imageBase,
		DirectoryBase: t.location,
		SlotBase:      slotBase,
		PerEntryMode:  t.Header.AdditionalInfo.AddressMode() == AddressModeDirectoryRelative,
	}
}

func (t *BhdDirectoryTable) serialize() []byte {
	var buf bytes.Buffer
	header := t.Header
	header.TotalEntries = uint32(len(t.Entries))
	_ = binary.Write(&buf, binary.LittleEndian, &header)
	for i := range t.Entries {
		_ = t.Entries[i].serializeTo(&buf)
	}
	return buf.Bytes()
}

// Checksum computes the current checksum of the in-memory table.
func (t *BhdDirectoryTable) Checksum() uint32 {
	return CalculateDirectoryChecksum(t.serialize())
}

// VerifyChecksum checks the stored header checksum against the in-memory
// contents.
func (t *BhdDirectoryTable) VerifyChecksum() error {
	return verifyDirectoryChecksum(t.serialize(), t.Header.Checksum)
}

// Entry finds the entry with the given key, or nil.
func (t *BhdDirectoryTable) Entry(typ BhdDirectoryEntryType, subProgram Uint3, instance Uint4) *BhdDirectoryEntry {
	for i := range t.Entries {
		e := &t.Entries[i]
		if e.Type == typ && e.SubProgram == subProgram && e.Instance == instance {
			return e
		}
	}
	return nil
}

// AppendEntry adds ENTRY at the end of the table. The table is left
// unmodified when the entry would not fit or its key already exists.
func (t *BhdDirectoryTable) AppendEntry(entry BhdDirectoryEntry) error {
	if err := checkRoom(t.Header, DirectoryHeaderSize+len(t.Entries)*BhdDirectoryEntrySize, BhdDirectoryEntrySize); err != nil {
		return err
	}
	if t.Entry(entry.Type, entry.SubProgram, entry.Instance) != nil {
		return &DuplicateEntryError{
			Type:       uint8(entry.Type),
			SubProgram: uint8(entry.SubProgram),
			Instance:   uint8(entry.Instance),
		}
	}
	t.Entries = append(t.Entries, entry)
	t.Header.TotalEntries = uint32(len(t.Entries))
	t.dirty = true
	return nil
}

// UpdateEntry replaces the entry matching ENTRY's key.
func (t *BhdDirectoryTable) UpdateEntry(entry BhdDirectoryEntry) error {
	existing := t.Entry(entry.Type, entry.SubProgram, entry.Instance)
	if existing == nil {
		return ErrNotFound{Item: fmt.Sprintf("BHD entry %s", entry.Type)}
	}
	*existing = entry
	t.dirty = true
	return nil
}

// RemoveEntry removes the entry with the given key.
func (t *BhdDirectoryTable) RemoveEntry(typ BhdDirectoryEntryType, subProgram Uint3, instance Uint4) error {
	for i := range t.Entries {
		e := &t.Entries[i]
		if e.Type == typ && e.SubProgram == subProgram && e.Instance == instance {
			t.Entries = append(t.Entries[:i], t.Entries[i+1:]...)
			t.Header.TotalEntries = uint32(len(t.Entries))
			t.dirty = true
			return nil
		}
	}
	return ErrNotFound{Item: fmt.Sprintf("BHD entry %s", typ)}
}

// Flush serializes the table back to its flash location, recomputing the
// checksum exactly once no matter how many mutations preceded it.
func (t *BhdDirectoryTable) Flush(storage flash.FlashWrite) error {
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
