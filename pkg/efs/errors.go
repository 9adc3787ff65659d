// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"errors"
	"fmt"
)

// ErrNotFound describes a situation when a particular structure is not found.
type ErrNotFound struct {
	Item string
}

// Error implements error.
func (err ErrNotFound) Error() string {
	return fmt.Sprintf("'%s' is not found", err.Item)
}

// ChecksumMismatchError indicates that a directory table parsed
// structurally but its Fletcher checksum does not match. The parsed table
// is still returned alongside this error; the caller decides whether to
// trust its entries.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

// Error implements error.
func (err *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("directory checksum mismatch: header says 0x%08X, computed 0x%08X", err.Expected, err.Actual)
}

// InvalidAddressModeError indicates a location field whose addressing-mode
// tag cannot be honored in the given context.
type InvalidAddressModeError struct {
	Mode   AddressMode
	Reason string
}

// Error implements error.
func (err *InvalidAddressModeError) Error() string {
	return fmt.Sprintf("invalid address mode %s: %s", err.Mode, err.Reason)
}

// AddressOutOfRangeError indicates an offset that does not fit the
// addressable bit width of the requested mode. It is never silently
// truncated.
type AddressOutOfRangeError struct {
	Mode   AddressMode
	Offset uint64
}

// Error implements error.
func (err *AddressOutOfRangeError) Error() string {
	return fmt.Sprintf("offset 0x%x is not representable in address mode %s", err.Offset, err.Mode)
}

// DirectoryFullError indicates that appending an entry would exceed the
// directory's max size. The table is left unmodified.
type DirectoryFullError struct {
	Capacity uint32
	Needed   uint32
}

// Error implements error.
func (err *DirectoryFullError) Error() string {
	return fmt.Sprintf("directory is full: 0x%x B needed, 0x%x B capacity", err.Needed, err.Capacity)
}

// DuplicateEntryError indicates that an entry with the same
// (type, sub-program, instance) key already exists in the table.
// Note: rom id does not participate in the key.
type DuplicateEntryError struct {
	Type       uint8
	SubProgram uint8
	Instance   uint8
}

// Error implements error.
func (err *DuplicateEntryError) Error() string {
	return fmt.Sprintf("entry (type=0x%x, sub_program=0x%x, instance=0x%x) already exists", err.Type, err.SubProgram, err.Instance)
}

// DuplicateComboEntryError indicates that a combo entry with the same
// (id, filter) pair already exists in the table.
type DuplicateComboEntryError struct {
	Id     uint32
	Filter uint32
}

// Error implements error.
func (err *DuplicateComboEntryError) Error() string {
	return fmt.Sprintf("combo entry (id=0x%x, filter=0x%x) already exists", err.Id, err.Filter)
}

// UnknownCookieError indicates a directory whose magic does not match any
// known table kind.
type UnknownCookieError struct {
	Cookie [4]byte
}

// Error implements error.
func (err *UnknownCookieError) Error() string {
	return fmt.Sprintf("unknown directory cookie %q", err.Cookie[:])
}

// ErrSplitDirectoryUnsupported is returned for directories whose
// additional-info base address points away from the header. The on-flash
// semantics of that split are not documented well enough to guess.
var ErrSplitDirectoryUnsupported = errors.New("directories with a header/content split (base_address elsewhere) are not supported")

// ErrValueEntry is returned when a payload operation is attempted on a
// value entry (size marker 0xFFFF_FFFF).
var ErrValueEntry = errors.New("entry holds an immediate value, not a payload location")
