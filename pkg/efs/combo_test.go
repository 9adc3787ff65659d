// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linuxboot/amdefs/pkg/flash"
)

func TestComboDirectoryRoundTrip(t *testing.T) {
	image := flash.NewImage(make([]byte, 0x10000))

	// two sub-directories the combo will multiplex
	sub1 := newTestPspTable(t, 0x2000, 1)
	require.NoError(t, sub1.Flush(image))

	sub2 := newTestPspTable(t, 0x3000, 1)
	attrs, err := NewPspDirectoryEntryAttrs(PspSoftFuseChainEntry, 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, sub2.AppendEntry(NewPspValueEntry(attrs, 0x42)))
	require.NoError(t, sub2.Flush(image))

	combo, err := NewComboDirectoryTable(PspComboDirectoryCookie, 0x1000)
	require.NoError(t, err)
	require.True(t, combo.IsPsp())
	require.True(t, combo.Dirty())

	require.NoError(t, combo.AppendEntry(ComboDirectoryEntry{Id: 1, Filter: 0xA, Pointer: 0x2000}))
	require.NoError(t, combo.AppendEntry(ComboDirectoryEntry{Id: 2, Filter: 0xB, Pointer: 0x3000}))
	require.NoError(t, combo.Flush(image))
	assert.False(t, combo.Dirty())

	parsed, err := ParseComboDirectoryTable(image, 0x1000)
	require.NoError(t, err)
	require.NoError(t, parsed.VerifyChecksum())

	entries := parsed.Entries()
	require.Len(t, entries, 2)
	// on-flash order is preserved, no sorting by id or filter
	assert.Equal(t, uint32(1), entries[0].Id)
	assert.Equal(t, uint32(2), entries[1].Id)
	assert.Equal(t, uint32(0xB), entries[1].Filter)

	resolved, err := parsed.ResolvePspEntry(image, entries[1])
	require.NoError(t, err)
	require.Len(t, resolved.Entries, 1)
	value, err := resolved.Entries[0].Value()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), value)
}

func TestComboDirectoryDuplicate(t *testing.T) {
	combo, err := NewComboDirectoryTable(PspComboDirectoryCookie, 0x1000)
	require.NoError(t, err)

	require.NoError(t, combo.AppendEntry(ComboDirectoryEntry{Id: 1, Filter: 0xA, Pointer: 0x2000}))
	// same id under a different filter is a distinct platform
	require.NoError(t, combo.AppendEntry(ComboDirectoryEntry{Id: 1, Filter: 0xB, Pointer: 0x3000}))

	err = combo.AppendEntry(ComboDirectoryEntry{Id: 1, Filter: 0xA, Pointer: 0x4000})
	var duplicate *DuplicateComboEntryError
	require.ErrorAs(t, err, &duplicate)
	assert.Equal(t, uint32(1), duplicate.Id)
	assert.Equal(t, uint32(0xA), duplicate.Filter)
	assert.Contains(t, duplicate.Error(), "id=0x1")
	assert.Len(t, combo.Entries(), 2)
}

func TestComboDirectoryMarshalJSON(t *testing.T) {
	combo, err := NewComboDirectoryTable(PspComboDirectoryCookie, 0x1000)
	require.NoError(t, err)
	require.NoError(t, combo.AppendEntry(ComboDirectoryEntry{Id: 1, Filter: 0xA, Pointer: 0x2000}))

	b, err := json.Marshal(combo)
	require.NoError(t, err)

	var decoded struct {
		Header  ComboDirectoryHeader
		Entries []ComboDirectoryEntry
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, PspComboDirectoryCookie, decoded.Header.Cookie)
	require.Len(t, decoded.Entries, 1)
	assert.Equal(t, uint32(1), decoded.Entries[0].Id)
	assert.Equal(t, uint32(0xA), decoded.Entries[0].Filter)
	assert.Equal(t, uint64(0x2000), decoded.Entries[0].Pointer)
}

func TestComboDirectoryKindMismatch(t *testing.T) {
	image := flash.NewImage(make([]byte, 0x10000))

	combo, err := NewComboDirectoryTable(PspComboDirectoryCookie, 0x1000)
	require.NoError(t, err)
	require.NoError(t, combo.AppendEntry(ComboDirectoryEntry{Id: 1, Filter: 0xA, Pointer: 0x2000}))

	_, err = combo.ResolveBhdEntry(image, combo.Entries()[0])
	assert.Error(t, err, "a PSP combo must refuse to resolve BHD sub-directories")
}

func TestComboDirectoryBadCookie(t *testing.T) {
	_, err := NewComboDirectoryTable(PspDirectoryCookie, 0x1000)
	assert.Error(t, err, "a normal directory cookie is not a combo cookie")
}
