// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"errors"
	"strings"
	"testing"

	"github.com/linuxboot/amdefs/pkg/flash"
)

func newTestBhdTable(t *testing.T, location flash.Location) *BhdDirectoryTable {
	t.Helper()
	maxSize, err := NewUint10("max_size", 1)
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
	table, err := NewBhdDirectoryTable(BhdDirectoryCookie, location, info)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestBhdDirectoryEntryAttrsPack(t *testing.T) {
	attrs, err := NewBhdDirectoryEntryAttrs(BiosEntry, 0, 3, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	attrs.ResetImage = true
	attrs.Compressed = true

	unpacked := unpackBhdDirectoryEntryAttrs(attrs.pack())
	if unpacked != attrs {
		t.Errorf("attributes did not survive packing: %+v, expected %+v", unpacked, attrs)
	}
}

func TestBhdDirectoryEntryAttrsValidation(t *testing.T) {
	// every out-of-range field must be reported, not just the first
	_, err := NewBhdDirectoryEntryAttrs(BiosEntry, 0, 16, 8, 4)
	if err == nil {
		t.Fatal("expected a validation error")
	}
	for _, field := range []string{"instance", "sub_program", "rom_id"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("the error does not mention '%s': '%v'", field, err)
		}
	}
}

func TestBhdDirectoryFlushRoundTrip(t *testing.T) {
	const location = flash.Location(0x2000)
	image := flash.NewImage(make([]byte, 0x10000))
	table := newTestBhdTable(t, location)

	attrs, err := NewBhdDirectoryEntryAttrs(BiosEntry, 0, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	attrs.ResetImage = true

	source, err := EncodeLocation(0x4000, AddressModeDirectoryRelative, table.ModeContext(0, nil))
	if err != nil {
		t.Fatal(err)
	}
	destination := uint64(0x7600_0000)
	entry, err := NewBhdPayloadEntry(attrs, 0x1000, source, &destination)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.AppendEntry(entry); err != nil {
		t.Fatalf("appending failed: '%v'", err)
	}

	if err := table.Flush(image); err != nil {
		t.Fatalf("flushing failed: '%v'", err)
	}

	parsed, err := ParseBhdDirectoryTable(image, location)
	if err != nil {
		t.Fatalf("re-parsing the flushed table failed: '%v'", err)
	}
	if len(parsed.Entries) != 1 {
		t.Fatalf("entry count is incorrect: %d, expected: 1", len(parsed.Entries))
	}
	got := parsed.Entries[0]
	if got.Type != BiosEntry || !got.ResetImage || got.Size != 0x1000 {
		t.Errorf("the entry did not survive the round trip: %+v", got)
	}
	dest, ok := got.DestinationLocation()
	if !ok || dest != destination {
		t.Errorf("destination is incorrect: (0x%x, %v), expected (0x%x, true)", dest, ok, destination)
	}
	payload, mode, err := got.Location(parsed.ModeContext(0, nil))
	if err != nil {
		t.Fatal(err)
	}
	if mode != AddressModeDirectoryRelative || payload != 0x4000 {
		t.Errorf("payload location: (0x%x, %v), expected (0x4000, directory-relative)", payload, mode)
	}
}

func TestBhdDirectoryNoDestination(t *testing.T) {
	attrs, err := NewBhdDirectoryEntryAttrs(ApcbBackupEntry, 0, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := NewBhdPayloadEntry(attrs, 0x100, 0x5000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := entry.DestinationLocation(); ok {
		t.Errorf("an entry built without a destination reports one")
	}
}

func TestBhdDirectoryRemove(t *testing.T) {
	table := newTestBhdTable(t, 0x2000)

	attrs, err := NewBhdDirectoryEntryAttrs(ApcbEntry, 0, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := NewBhdPayloadEntry(attrs, 0x100, 0xFF00_5000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.AppendEntry(entry); err != nil {
		t.Fatal(err)
	}

	var duplicate *DuplicateEntryError
	if err := table.AppendEntry(entry); !errors.As(err, &duplicate) {
		t.Errorf("expected a duplicate entry error, got: '%v'", err)
	}

	if err := table.RemoveEntry(ApcbEntry, 0, 0); err != nil {
		t.Fatalf("removing failed: '%v'", err)
	}
	var notFound ErrNotFound
	if err := table.RemoveEntry(ApcbEntry, 0, 0); !errors.As(err, &notFound) {
		t.Errorf("expected a not-found error on double remove, got: '%v'", err)
	}
}
