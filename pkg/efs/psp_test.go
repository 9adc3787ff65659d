// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"errors"
	"testing"

	"github.com/linuxboot/amdefs/pkg/flash"
)

// pspDirectoryTableDataChunk is a directory with one entry, taken from a
// real Rome image. The checksum field is the correct one.
var pspDirectoryTableDataChunk = []byte{
	0x24, 0x50, 0x53, 0x50,
	0xcf, 0x55, 0x73, 0x1b,
	0x01, 0x00, 0x00, 0x00,
	0x10, 0x05, 0x00, 0x20,

	0x00,
	0x00,
	0x00, 0x00,
	0x40, 0x04, 0x00, 0x00,
	0x00, 0x24, 0x06, 0x00, 0x00, 0x00, 0x00, 0x00,
}

func pspChunkImage(t *testing.T, pointer flash.Location) *flash.Image {
	t.Helper()
	image := flash.NewImage(make([]byte, 0x10000))
	if err := image.WriteExact(pointer, pspDirectoryTableDataChunk); err != nil {
		t.Fatal(err)
	}
	return image
}

func TestParsePspDirectoryTable(t *testing.T) {
	const pointer = flash.Location(0x1000)
	image := pspChunkImage(t, pointer)

	table, err := ParsePspDirectoryTable(image, pointer)
	if err != nil {
		t.Fatalf("parsing the directory failed: '%v'", err)
	}
	if table.Header.Cookie != PspDirectoryCookie {
		t.Errorf("cookie is incorrect: %q", table.Header.Cookie)
	}
	if table.Location() != pointer {
		t.Errorf("location is incorrect: 0x%x, expected: 0x%x", table.Location(), pointer)
	}
	if table.Dirty() {
		t.Errorf("a freshly parsed table must not be dirty")
	}
	if len(table.Entries) != 1 {
		t.Fatalf("entry count is incorrect: %d, expected: 1", len(table.Entries))
	}

	entry := table.Entries[0]
	if entry.Type != AmdPublicKeyEntry {
		t.Errorf("entry type is incorrect: %v", entry.Type)
	}
	if entry.Size != 0x440 {
		t.Errorf("entry size is incorrect: 0x%x, expected: 0x440", entry.Size)
	}
	if entry.IsValue() {
		t.Errorf("a payload entry was classified as a value entry")
	}

	// header mode is 1, so the source word is an implicit physical address
	ctx := table.ModeContext(0, nil)
	if ctx.PerEntryMode {
		t.Errorf("header mode 1 must not enable per-entry tags")
	}
	location, mode, err := entry.Location(ctx)
	if err != nil {
		t.Fatalf("resolving the entry location failed: '%v'", err)
	}
	if mode != AddressModePhysical || location != 0x62400 {
		t.Errorf("entry location: (0x%x, %v), expected (0x62400, physical)", location, mode)
	}

	if err := table.VerifyChecksum(); err != nil {
		t.Errorf("the stored checksum does not verify: '%v'", err)
	}
}

func TestParsePspDirectoryTableBadCookie(t *testing.T) {
	image := flash.NewImage(make([]byte, 0x1000))
	if err := image.WriteExact(0, []byte{0x12, 0x00, 0x15, 0x00, 0x15}); err != nil {
		t.Fatal(err)
	}

	var unknown *UnknownCookieError
	if _, err := ParsePspDirectoryTable(image, 0); !errors.As(err, &unknown) {
		t.Errorf("expected an unknown cookie error, got: '%v'", err)
	}
}

func TestParsePspDirectoryTableChecksumMismatch(t *testing.T) {
	const pointer = flash.Location(0x1000)
	image := pspChunkImage(t, pointer)
	// corrupt one byte of the entry area
	if err := image.WriteExact(pointer+20, []byte{0x41}); err != nil {
		t.Fatal(err)
	}

	table, err := ParsePspDirectoryTable(image, pointer)
	var mismatch *ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected a checksum mismatch, got: '%v'", err)
	}
	if table == nil {
		t.Fatalf("the table must still be returned for read-only use")
	}
	if len(table.Entries) != 1 {
		t.Errorf("entry count is incorrect: %d, expected: 1", len(table.Entries))
	}
}

func TestParsePspDirectoryTableSplitUnsupported(t *testing.T) {
	const pointer = flash.Location(0x1000)
	image := pspChunkImage(t, pointer)
	// rewrite the additional info so the base address names somewhere else
	maxSize, err := NewUint10("max_size", 1)
	if err != nil {
		t.Fatal(err)
	}
	base, err := NewUint15("base_address", 2) // 0x2000, not 0x1000
	if err != nil {
		t.Fatal(err)
	}
	info, err := NewDirectoryAdditionalInfo(maxSize, 1, base, AddressModeDirectoryRelative)
	if err != nil {
		t.Fatal(err)
	}
	raw := []byte{byte(info), byte(info >> 8), byte(info >> 16), byte(info >> 24)}
	if err := image.WriteExact(pointer+12, raw); err != nil {
		t.Fatal(err)
	}

	if _, err := ParsePspDirectoryTable(image, pointer); !errors.Is(err, ErrSplitDirectoryUnsupported) {
		t.Errorf("expected the split directory rejection, got: '%v'", err)
	}
}

func newTestPspTable(t *testing.T, location flash.Location, maxSizeUnits uint16) *PspDirectoryTable {
	t.Helper()
	maxSize, err := NewUint10("max_size", maxSizeUnits)
	if err != nil {
		t.Fatal(err)
	}
	base, err := NewUint15("base_address", uint16(uint32(location)/DirectoryAdditionalInfoUnit))
	if err != nil {
		t.Fatal(err)
	}
	info, err := NewDirectoryAdditionalInfo(maxSize, 1, base, AddressModeDirectoryRelative)
	if err != nil {
		t.Fatal(err)
	}
	table, err := NewPspDirectoryTable(PspDirectoryCookie, location, info)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestPspDirectoryFlushRoundTrip(t *testing.T) {
	const location = flash.Location(0x1000)
	image := flash.NewImage(make([]byte, 0x10000))
	table := newTestPspTable(t, location, 1)

	if !table.Dirty() {
		t.Errorf("a fresh table must be dirty until flushed")
	}

	attrs, err := NewPspDirectoryEntryAttrs(PspBootloaderEntry, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := table.ModeContext(0, nil)
	if !ctx.PerEntryMode {
		t.Fatalf("header mode 2 must enable per-entry tags")
	}
	source, err := EncodeLocation(0x2000, AddressModeDirectoryRelative, ctx)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := NewPspPayloadEntry(attrs, 0x800, source)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.AppendEntry(entry); err != nil {
		t.Fatalf("appending failed: '%v'", err)
	}

	if err := table.Flush(image); err != nil {
		t.Fatalf("flushing failed: '%v'", err)
	}
	if table.Dirty() {
		t.Errorf("a flushed table must not be dirty")
	}
	if err := table.VerifyChecksum(); err != nil {
		t.Errorf("flush left an incorrect checksum in the header: '%v'", err)
	}

	parsed, err := ParsePspDirectoryTable(image, location)
	if err != nil {
		t.Fatalf("re-parsing the flushed table failed: '%v'", err)
	}
	if len(parsed.Entries) != 1 {
		t.Fatalf("entry count is incorrect: %d, expected: 1", len(parsed.Entries))
	}
	got := parsed.Entries[0]
	if got.Type != PspBootloaderEntry || got.Size != 0x800 || got.Source != source {
		t.Errorf("the entry did not survive the round trip: %+v", got)
	}
	location2, mode, err := got.Location(parsed.ModeContext(0, nil))
	if err != nil {
		t.Fatal(err)
	}
	if mode != AddressModeDirectoryRelative || location2 != 0x2000 {
		t.Errorf("entry location: (0x%x, %v), expected (0x2000, directory-relative)", location2, mode)
	}
}

func TestPspDirectoryAppendDuplicate(t *testing.T) {
	table := newTestPspTable(t, 0x1000, 1)

	attrs, err := NewPspDirectoryEntryAttrs(PspSoftFuseChainEntry, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.AppendEntry(NewPspValueEntry(attrs, 1)); err != nil {
		t.Fatalf("the first append failed: '%v'", err)
	}

	var duplicate *DuplicateEntryError
	if err := table.AppendEntry(NewPspValueEntry(attrs, 2)); !errors.As(err, &duplicate) {
		t.Errorf("expected a duplicate entry error, got: '%v'", err)
	}
	if len(table.Entries) != 1 {
		t.Errorf("a failed append modified the table")
	}

	// same type, different instance, is a different key
	attrs2, err := NewPspDirectoryEntryAttrs(PspSoftFuseChainEntry, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.AppendEntry(NewPspValueEntry(attrs2, 2)); err != nil {
		t.Errorf("appending under a distinct key failed: '%v'", err)
	}

	// rom id is not part of the key
	attrs3, err := NewPspDirectoryEntryAttrs(PspSoftFuseChainEntry, 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.AppendEntry(NewPspValueEntry(attrs3, 3)); !errors.As(err, &duplicate) {
		t.Errorf("an entry differing only in rom id must collide, got: '%v'", err)
	}
}

func TestPspDirectoryFull(t *testing.T) {
	table := newTestPspTable(t, 0x1000, 1) // 4 KiB: room for 255 entries

	capacity := (DirectoryAdditionalInfoUnit - DirectoryHeaderSize) / PspDirectoryEntrySize
	for i := 0; i < capacity; i++ {
		attrs, err := NewPspDirectoryEntryAttrs(PspDirectoryEntryType(i%256), uint8(i/256), 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := table.AppendEntry(NewPspValueEntry(attrs, uint64(i))); err != nil {
			t.Fatalf("append %d failed: '%v'", i, err)
		}
	}

	attrs, err := NewPspDirectoryEntryAttrs(0xFE, 0xFF, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var full *DirectoryFullError
	if err := table.AppendEntry(NewPspValueEntry(attrs, 0)); !errors.As(err, &full) {
		t.Fatalf("expected a directory full error, got: '%v'", err)
	}
	if len(table.Entries) != capacity {
		t.Errorf("a failed append modified the table: %d entries", len(table.Entries))
	}
}

func TestPspDirectoryUpdateRemove(t *testing.T) {
	table := newTestPspTable(t, 0x1000, 1)

	attrs, err := NewPspDirectoryEntryAttrs(PspSoftFuseChainEntry, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	fuse := PspSoftFuseChain(0).WithSpiDecoding(SpiDecodingUpperHalf)
	if err := table.AppendEntry(NewPspValueEntry(attrs, uint64(fuse))); err != nil {
		t.Fatal(err)
	}

	updated := NewPspValueEntry(attrs, uint64(fuse.WithSecureDebugUnlock(true)))
	if err := table.UpdateEntry(updated); err != nil {
		t.Fatalf("updating failed: '%v'", err)
	}
	got := table.Entry(PspSoftFuseChainEntry, 0, 0)
	if got == nil {
		t.Fatal("the updated entry disappeared")
	}
	value, err := got.Value()
	if err != nil {
		t.Fatal(err)
	}
	if !PspSoftFuseChain(value).SecureDebugUnlock() {
		t.Errorf("the update did not take")
	}

	if err := table.RemoveEntry(PspSoftFuseChainEntry, 0, 0); err != nil {
		t.Fatalf("removing failed: '%v'", err)
	}
	var notFound ErrNotFound
	if err := table.RemoveEntry(PspSoftFuseChainEntry, 0, 0); !errors.As(err, &notFound) {
		t.Errorf("expected a not-found error on double remove, got: '%v'", err)
	}
}
