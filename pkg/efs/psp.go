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

// PspDirectoryEntryType tags the payload kind of a PSP directory entry.
type PspDirectoryEntryType uint8

const (
	AmdPublicKeyEntry                      PspDirectoryEntryType = 0x00
	PspBootloaderEntry                     PspDirectoryEntryType = 0x01
	PspOsEntry                             PspDirectoryEntryType = 0x02
	PspRecoveryBootloaderEntry             PspDirectoryEntryType = 0x03
	PspNvdataEntry                         PspDirectoryEntryType = 0x04
	SmuOffChipFirmware8Entry               PspDirectoryEntryType = 0x08
	AmdSecureDebugKeyEntry                 PspDirectoryEntryType = 0x09
	AblPublicKeyEntry                      PspDirectoryEntryType = 0x0A
	PspSoftFuseChainEntry                  PspDirectoryEntryType = 0x0B
	PspTrustletsEntry                      PspDirectoryEntryType = 0x0C
	PspTrustletPublicKeyEntry              PspDirectoryEntryType = 0x0D
	SmuOffChipFirmware12Entry              PspDirectoryEntryType = 0x12
	PspEarlySecureUnlockDebugImageEntry    PspDirectoryEntryType = 0x13
	DiscoveryBinaryEntry                   PspDirectoryEntryType = 0x20
	WrappedIkekEntry                       PspDirectoryEntryType = 0x21
	PspTokenUnlockDataEntry                PspDirectoryEntryType = 0x22
	SecurityPolicyBinaryEntry              PspDirectoryEntryType = 0x24
	Mp2FirmwareEntry                       PspDirectoryEntryType = 0x25
	Mp2Firmware2Entry                      PspDirectoryEntryType = 0x26
	UserModeUnitTestsEntry                 PspDirectoryEntryType = 0x27
	PspSystemDriverEntryPointsEntry        PspDirectoryEntryType = 0x28
	KvmImageEntry                          PspDirectoryEntryType = 0x29
	Mp5FirmwareEntry                       PspDirectoryEntryType = 0x2A
	EfsPhysAddrEntry                       PspDirectoryEntryType = 0x2B
	TeeWriteOnceNvramEntry                 PspDirectoryEntryType = 0x2C
	ExternalChipsetPspBootLoader2dEntry    PspDirectoryEntryType = 0x2D
	ExternalChipsetMp0DxioEntry            PspDirectoryEntryType = 0x2E
	ExternalChipsetMp1FirmwareEntry        PspDirectoryEntryType = 0x2F
	Abl0Entry                              PspDirectoryEntryType = 0x30
	Abl1Entry                              PspDirectoryEntryType = 0x31
	Abl2Entry                              PspDirectoryEntryType = 0x32
	Abl3Entry                              PspDirectoryEntryType = 0x33
	Abl4Entry                              PspDirectoryEntryType = 0x34
	Abl5Entry                              PspDirectoryEntryType = 0x35
	Abl6Entry                              PspDirectoryEntryType = 0x36
	Abl7Entry                              PspDirectoryEntryType = 0x37
	SevDataEntry                           PspDirectoryEntryType = 0x38
	SevCodeEntry                           PspDirectoryEntryType = 0x39
	PpinWhiteListBinaryEntry               PspDirectoryEntryType = 0x3A
	SerdesPhyMicrocodeEntry                PspDirectoryEntryType = 0x3B
	VbiosPreloadEntry                      PspDirectoryEntryType = 0x3C
	WlanUmacEntry                          PspDirectoryEntryType = 0x3D
	WlanImacEntry                          PspDirectoryEntryType = 0x3E
	WlanBluetoothEntry                     PspDirectoryEntryType = 0x3F
	SecondLevelPspDirectoryEntry           PspDirectoryEntryType = 0x40
	ExternalChipsetMp0BootloaderEntry      PspDirectoryEntryType = 0x41
	DxioPhySramFirmwareEntry               PspDirectoryEntryType = 0x42
	DxioPhySramPublicKeyEntry              PspDirectoryEntryType = 0x43
	UsbUnifiedPhyFirmwareEntry             PspDirectoryEntryType = 0x44
	TosSecurityPolicyBinaryEntry           PspDirectoryEntryType = 0x45
	ExternalChipsetPspBootloader46Entry    PspDirectoryEntryType = 0x46
	DrtmTaEntry                            PspDirectoryEntryType = 0x47
	L2aPspDirectoryEntry                   PspDirectoryEntryType = 0x48
	L2BiosDirectoryEntry                   PspDirectoryEntryType = 0x49
	L2bPspDirectoryEntry                   PspDirectoryEntryType = 0x4A
	ExternalChipsetSecurityPolicyEntry     PspDirectoryEntryType = 0x4C
	ExternalChipsetSecureDebugUnlockEntry  PspDirectoryEntryType = 0x4D
	PmuPublicKeyEntry                      PspDirectoryEntryType = 0x4E
	UmcFirmwareEntry                       PspDirectoryEntryType = 0x4F
	PspBootloaderPublicKeysTableEntry      PspDirectoryEntryType = 0x50
	PspTosPublicKeysTableEntry             PspDirectoryEntryType = 0x51
	PspBootloaderUserApplicationEntry      PspDirectoryEntryType = 0x52
	PspBootloaderUserAppPublicKeyEntry     PspDirectoryEntryType = 0x53
	PspRpmcNvramEntry                      PspDirectoryEntryType = 0x54
	BootloaderSplTableEntry                PspDirectoryEntryType = 0x55
	TosSplTableEntry                       PspDirectoryEntryType = 0x56
	PspBootloaderCvipConfigurationEntry    PspDirectoryEntryType = 0x57
	DmcuEramEntry                          PspDirectoryEntryType = 0x58
	DmcuIsrEntry                           PspDirectoryEntryType = 0x59
	Msmu0Entry                             PspDirectoryEntryType = 0x5A
	Msmu1Entry                             PspDirectoryEntryType = 0x5B
	OemSysTaEntry                          PspDirectoryEntryType = 0x80
	OemSysTaPublicKeyEntry                 PspDirectoryEntryType = 0x81
	OemIkekEntry                           PspDirectoryEntryType = 0x82
	OemSplTableEntry                       PspDirectoryEntryType = 0x83
	OemTkekEntry                           PspDirectoryEntryType = 0x84
	AmfFirmwarePart1Entry                  PspDirectoryEntryType = 0x85
	AmfFirmwarePart2Entry                  PspDirectoryEntryType = 0x86
	MpmFactoryProvisioningDataEntry        PspDirectoryEntryType = 0x87
	MpmWlanFirmwareEntry                   PspDirectoryEntryType = 0x88
	MpmSecurityDriverEntry                 PspDirectoryEntryType = 0x89
)

var pspDirectoryEntryTypeNames = map[PspDirectoryEntryType]string{
	AmdPublicKeyEntry:                     "AmdPublicKey",
	PspBootloaderEntry:                    "PspBootloader",
	PspOsEntry:                            "PspOs",
	PspRecoveryBootloaderEntry:            "PspRecoveryBootloader",
	PspNvdataEntry:                        "PspNvdata",
	SmuOffChipFirmware8Entry:              "SmuOffChipFirmware8",
	AmdSecureDebugKeyEntry:                "AmdSecureDebugKey",
	AblPublicKeyEntry:                     "AblPublicKey",
	PspSoftFuseChainEntry:                 "PspSoftFuseChain",
	PspTrustletsEntry:                     "PspTrustlets",
	PspTrustletPublicKeyEntry:             "PspTrustletPublicKey",
	SmuOffChipFirmware12Entry:             "SmuOffChipFirmware12",
	PspEarlySecureUnlockDebugImageEntry:   "PspEarlySecureUnlockDebugImage",
	DiscoveryBinaryEntry:                  "DiscoveryBinary",
	WrappedIkekEntry:                      "WrappedIkek",
	PspTokenUnlockDataEntry:               "PspTokenUnlockData",
	SecurityPolicyBinaryEntry:             "SecurityPolicyBinary",
	Mp2FirmwareEntry:                      "Mp2Firmware",
	Mp2Firmware2Entry:                     "Mp2Firmware2",
	UserModeUnitTestsEntry:                "UserModeUnitTests",
	PspSystemDriverEntryPointsEntry:       "PspSystemDriverEntryPoints",
	KvmImageEntry:                         "KvmImage",
	Mp5FirmwareEntry:                      "Mp5Firmware",
	EfsPhysAddrEntry:                      "EfsPhysAddr",
	TeeWriteOnceNvramEntry:                "TeeWriteOnceNvram",
	ExternalChipsetPspBootLoader2dEntry:   "ExternalChipsetPspBootLoader",
	ExternalChipsetMp0DxioEntry:           "ExternalChipsetMp0Dxio",
	ExternalChipsetMp1FirmwareEntry:       "ExternalChipsetMp1Firmware",
	Abl0Entry:                             "Abl0",
	Abl1Entry:                             "Abl1",
	Abl2Entry:                             "Abl2",
	Abl3Entry:                             "Abl3",
	Abl4Entry:                             "Abl4",
	Abl5Entry:                             "Abl5",
	Abl6Entry:                             "Abl6",
	Abl7Entry:                             "Abl7",
	SevDataEntry:                          "SevData",
	SevCodeEntry:                          "SevCode",
	PpinWhiteListBinaryEntry:              "PpinWhiteListBinary",
	SerdesPhyMicrocodeEntry:               "SerdesPhyMicrocode",
	VbiosPreloadEntry:                     "VbiosPreload",
	WlanUmacEntry:                         "WlanUmac",
	WlanImacEntry:                         "WlanImac",
	WlanBluetoothEntry:                    "WlanBluetooth",
	SecondLevelPspDirectoryEntry:          "SecondLevelPspDirectory",
	ExternalChipsetMp0BootloaderEntry:     "ExternalChipsetMp0Bootloader",
	DxioPhySramFirmwareEntry:              "DxioPhySramFirmware",
	DxioPhySramPublicKeyEntry:             "DxioPhySramPublicKey",
	UsbUnifiedPhyFirmwareEntry:            "UsbUnifiedPhyFirmware",
	TosSecurityPolicyBinaryEntry:          "TosSecurityPolicyBinary",
	ExternalChipsetPspBootloader46Entry:   "ExternalChipsetPspBootloader",
	DrtmTaEntry:                           "DrtmTa",
	L2aPspDirectoryEntry:                  "L2aPspDirectory",
	L2BiosDirectoryEntry:                  "L2BiosDirectory",
	L2bPspDirectoryEntry:                  "L2bPspDirectory",
	ExternalChipsetSecurityPolicyEntry:    "ExternalChipsetSecurityPolicy",
	ExternalChipsetSecureDebugUnlockEntry: "ExternalChipsetSecureDebugUnlock",
	PmuPublicKeyEntry:                     "PmuPublicKey",
	UmcFirmwareEntry:                      "UmcFirmware",
	PspBootloaderPublicKeysTableEntry:     "PspBootloaderPublicKeysTable",
	PspTosPublicKeysTableEntry:            "PspTosPublicKeysTable",
	PspBootloaderUserApplicationEntry:     "PspBootloaderUserApplication",
	PspBootloaderUserAppPublicKeyEntry:    "PspBootloaderUserAppPublicKey",
	PspRpmcNvramEntry:                     "PspRpmcNvram",
	BootloaderSplTableEntry:               "BootloaderSplTable",
	TosSplTableEntry:                      "TosSplTable",
	PspBootloaderCvipConfigurationEntry:   "PspBootloaderCvipConfiguration",
	DmcuEramEntry:                         "DmcuEram",
	DmcuIsrEntry:                          "DmcuIsr",
	Msmu0Entry:                            "Msmu0",
	Msmu1Entry:                            "Msmu1",
	OemSysTaEntry:                         "OemSysTa",
	OemSysTaPublicKeyEntry:                "OemSysTaPublicKey",
	OemIkekEntry:                          "OemIkek",
	OemSplTableEntry:                      "OemSplTable",
	OemTkekEntry:                          "OemTkek",
	AmfFirmwarePart1Entry:                 "AmfFirmwarePart1",
	AmfFirmwarePart2Entry:                 "AmfFirmwarePart2",
	MpmFactoryProvisioningDataEntry:       "MpmFactoryProvisioningData",
	MpmWlanFirmwareEntry:                  "MpmWlanFirmware",
	MpmSecurityDriverEntry:                "MpmSecurityDriver",
}

// String implements fmt.Stringer.
func (t PspDirectoryEntryType) String() string {
	if name, ok := pspDirectoryEntryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(t))
}

// PspDirectoryEntryAttrs is the unpacked attributes word of a PSP entry:
//
//	bits  7..0  type
//	bits 15..8  sub-program (a function of family and model)
//	bits 17..16 rom id
//	bits 21..18 instance
type PspDirectoryEntryAttrs struct {
	Type       PspDirectoryEntryType
	SubProgram uint8
	RomId      Uint2
	Instance   Uint4
}

// NewPspDirectoryEntryAttrs validates all narrow fields at once and
// reports every violation, not just the first.
func NewPspDirectoryEntryAttrs(typ PspDirectoryEntryType, subProgram, romId, instance uint8) (PspDirectoryEntryAttrs, error) {
	var result *multierror.Error
	rid, err := NewUint2("rom_id", romId)
	result = multierror.Append(result, err)
	inst, err := NewUint4("instance", instance)
	result = multierror.Append(result, err)
	if err := result.ErrorOrNil(); err != nil {
		return PspDirectoryEntryAttrs{}, err
	}
	return PspDirectoryEntryAttrs{
		Type:       typ,
		SubProgram: subProgram,
		RomId:      rid,
		Instance:   inst,
	}, nil
}

func (a PspDirectoryEntryAttrs) pack() uint32 {
	return uint32(a.Type) |
		uint32(a.SubProgram)<<8 |
		uint32(a.RomId)<<16 |
		uint32(a.Instance)<<18
}

func unpackPspDirectoryEntryAttrs(raw uint32) PspDirectoryEntryAttrs {
	return PspDirectoryEntryAttrs{
		Type:       PspDirectoryEntryType(raw),
		SubProgram: uint8(raw >> 8),
		RomId:      Uint2(raw>>16) & 0x3,
		Instance:   Uint4(raw>>18) & 0xf,
	}
}

// PspDirectoryEntrySize is the on-flash size of one entry.
const PspDirectoryEntrySize = 16

// pspValueSizeMarker in the size field marks an entry whose source word
// is an immediate value (e.g. the soft-fuse chain), not a location.
const pspValueSizeMarker = 0xFFFF_FFFF

// PspDirectoryEntry is one slot of a PSP directory table.
type PspDirectoryEntry struct {
	PspDirectoryEntryAttrs
	Size   uint32
	Source uint64 // location word, or the immediate value for value entries
}

// NewPspValueEntry builds an entry carrying an immediate value.
func NewPspValueEntry(attrs PspDirectoryEntryAttrs, value uint64) PspDirectoryEntry {
	return PspDirectoryEntry{
		PspDirectoryEntryAttrs: attrs,
		Size:                   pspValueSizeMarker,
		Source:                 value,
	}
}

// NewPspPayloadEntry builds an entry pointing at a payload. SOURCE is the
// already-encoded location word (see EncodeLocation).
func NewPspPayloadEntry(attrs PspDirectoryEntryAttrs, size uint32, source uint64) (PspDirectoryEntry, error) {
	if size == pspValueSizeMarker {
		return PspDirectoryEntry{}, fmt.Errorf("size 0x%x is reserved for value entries", size)
	}
	return PspDirectoryEntry{
		PspDirectoryEntryAttrs: attrs,
		Size:                   size,
		Source:                 source,
	}, nil
}

// IsValue reports whether the source word is an immediate value.
func (e *PspDirectoryEntry) IsValue() bool {
	return e.Size == pspValueSizeMarker
}

// Value returns the immediate value for value entries.
func (e *PspDirectoryEntry) Value() (uint64, error) {
	if !e.IsValue() {
		return 0, fmt.Errorf("entry %s holds a payload location, not a value", e.Type)
	}
	return e.Source, nil
}

// Location resolves the entry's payload offset within the window.
func (e *PspDirectoryEntry) Location(ctx ModeContext) (flash.Location, AddressMode, error) {
	if e.IsValue() {
		return 0, 0, ErrValueEntry
	}
	return DecodeLocation(e.Source, ctx)
}

func parsePspDirectoryEntry(r io.Reader) (PspDirectoryEntry, error) {
	var raw struct {
		Attrs  uint32
		Size   uint32
		Source uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return PspDirectoryEntry{}, err
	}
	return PspDirectoryEntry{
		PspDirectoryEntryAttrs: unpackPspDirectoryEntryAttrs(raw.Attrs),
		Size:                   raw.Size,
		Source:                 raw.Source,
	}, nil
}

func (e *PspDirectoryEntry) serializeTo(w io.Writer) error {
	raw := struct {
		Attrs  uint32
		Size   uint32
		Source uint64
	}{e.pack(), e.Size, e.Source}
	return binary.Write(w, binary.LittleEndian, &raw)
}

// PspDirectoryTable is a parsed PSP directory: header plus entries in
// on-flash order.
type PspDirectoryTable struct {
	Header  DirectoryHeader
	Entries []PspDirectoryEntry

	location flash.Location
	dirty    bool
}

// NewPspDirectoryTable builds an empty table to be placed at LOCATION.
func NewPspDirectoryTable(cookie [4]byte, location flash.Location, info DirectoryAdditionalInfo) (*PspDirectoryTable, error) {
	if cookie != PspDirectoryCookie && cookie != PspDirectoryLevel2Cookie {
		return nil, &UnknownCookieError{Cookie: cookie}
	}
	table := &PspDirectoryTable{
		Header: DirectoryHeader{
			Cookie:         cookie,
			AdditionalInfo: info,
		},
		location: location,
		dirty:    true,
	}
	return table, nil
}

// ParsePspDirectoryTable reads the table at POINTER. On a checksum
// mismatch the parsed table is returned together with a
// *ChecksumMismatchError; the caller may proceed read-only but must not
// trust the entries.
func ParsePspDirectoryTable(storage flash.FlashRead, pointer flash.Location) (*PspDirectoryTable, error) {
	header, err := readDirectoryHeader(storage, pointer)
	if err != nil {
		return nil, err
	}
	if header.Cookie != PspDirectoryCookie && header.Cookie != PspDirectoryLevel2Cookie {
		return nil, &UnknownCookieError{Cookie: header.Cookie}
	}
	if err := checkContiguous(header.AdditionalInfo, pointer); err != nil {
		return nil, err
	}
	if err := checkEntryCount(header, PspDirectoryEntrySize); err != nil {
		return nil, err
	}

	entriesRaw := make([]byte, int(header.TotalEntries)*PspDirectoryEntrySize)
	if err := storage.ReadExact(pointer+DirectoryHeaderSize, entriesRaw); err != nil {
		return nil, err
	}
	r := bytes.NewReader(entriesRaw)
	table := &PspDirectoryTable{
		Header:   header,
		Entries:  make([]PspDirectoryEntry, 0, header.TotalEntries),
		location: pointer,
	}
	for idx := uint32(0); idx < header.TotalEntries; idx++ {
		entry, err := parsePspDirectoryEntry(r)
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
func (t *PspDirectoryTable) Location() flash.Location {
	return t.location
}

// Dirty reports whether the in-memory table has mutations the flash copy
// does not.
func (t *PspDirectoryTable) Dirty() bool {
	return t.dirty
}

// ModeContext builds the decode context for this table's entries.
// SLOTBASE may be nil if no slot applies.
func (t *PspDirectoryTable) ModeContext(imageBase flash.Location, slotBase *flash.Location) ModeContext {
	return ModeContext{
		ImageBase:     imageBase,
		DirectoryBase: t.location,
		SlotBase:      slotBase,
		PerEntryMode:  t.Header.AdditionalInfo.AddressMode() == AddressModeDirectoryRelative,
	}
}

func (t *PspDirectoryTable) serialize() []byte {
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
func (t *PspDirectoryTable) Checksum() uint32 {
	return CalculateDirectoryChecksum(t.serialize())
}

// VerifyChecksum checks the stored header checksum against the in-memory
// contents. After a mutation and before Flush this reports a mismatch:
// the persisted bytes no longer describe this table.
func (t *PspDirectoryTable) VerifyChecksum() error {
	return verifyDirectoryChecksum(t.serialize(), t.Header.Checksum)
}

// Entry finds the entry with the given key, or nil.
func (t *PspDirectoryTable) Entry(typ PspDirectoryEntryType, subProgram uint8, instance Uint4) *PspDirectoryEntry {
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
func (t *PspDirectoryTable) AppendEntry(entry PspDirectoryEntry) error {
	if err := checkRoom(t.Header, DirectoryHeaderSize+len(t.Entries)*PspDirectoryEntrySize, PspDirectoryEntrySize); err != nil {
		return err
	}
	if t.Entry(entry.Type, entry.SubProgram, entry.Instance) != nil {
		return &DuplicateEntryError{
			Type:       uint8(entry.Type),
			SubProgram: entry.SubProgram,
			Instance:   uint8(entry.Instance),
		}
	}
	t.Entries = append(t.Entries, entry)
	t.Header.TotalEntries = uint32(len(t.Entries))
	t.dirty = true
	return nil
}

// UpdateEntry replaces the entry matching ENTRY's key.
func (t *PspDirectoryTable) UpdateEntry(entry PspDirectoryEntry) error {
	existing := t.Entry(entry.Type, entry.SubProgram, entry.Instance)
	if existing == nil {
		return ErrNotFound{Item: fmt.Sprintf("PSP entry %s", entry.Type)}
	}
	*existing = entry
	t.dirty = true
	return nil
}

// RemoveEntry removes the entry with the given key.
func (t *PspDirectoryTable) RemoveEntry(typ PspDirectoryEntryType, subProgram uint8, instance Uint4) error {
	for i := range t.Entries {
		e := &t.Entries[i]
		if e.Type == typ && e.SubProgram == subProgram && e.Instance == instance {
			t.Entries = append(t.Entries[:i], t.Entries[i+1:]...)
			t.Header.TotalEntries = uint32(len(t.Entries))
			t.dirty = true
			return nil
		}
	}
	return ErrNotFound{Item: fmt.Sprintf("PSP entry %s", typ)}
}

// Flush serializes the table back to its flash location, recomputing the
// checksum exactly once no matter how many mutations preceded it.
func (t *PspDirectoryTable) Flush(storage flash.FlashWrite) error {
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
