// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flash provides the storage contract the EFS engine reads and
// writes through: a byte-addressable window of at most 16 MiB of a SPI
// flash part. The caller decides which window of a larger part is in
// play; every Location is relative to that window's origin.
package flash

import (
	"fmt"
)

// Location is a byte offset inside the flash window visible to the caller.
type Location = uint32

// WindowSize is the largest window a caller may present (the boot
// processor never sees more than 16 MiB at a time).
const WindowSize = 16 * 1024 * 1024

// OutOfBoundsError reports a range that does not fit inside the window.
type OutOfBoundsError struct {
	Start  Location
	Length int
	Window uint32
}

// Error implements error.
func (err *OutOfBoundsError) Error() string {
	return fmt.Sprintf("range [0x%x:0x%x) is outside the 0x%x B flash window", err.Start, uint64(err.Start)+uint64(err.Length), err.Window)
}

// NotErasedError reports a write into a region the medium requires to be
// erased first.
type NotErasedError struct {
	Start  Location
	Length int
}

// Error implements error.
func (err *NotErasedError) Error() string {
	return fmt.Sprintf("region [0x%x:0x%x) is not erased", err.Start, uint64(err.Start)+uint64(err.Length))
}

// WriteFaultError reports a write the medium rejected.
type WriteFaultError struct {
	Start  Location
	Length int
	Err    error
}

// Error implements error.
func (err *WriteFaultError) Error() string {
	return fmt.Sprintf("could not write 0x%x B starting at 0x%x: %v", err.Length, err.Start, err.Err)
}

// Unwrap returns the underlying medium error.
func (err *WriteFaultError) Unwrap() error {
	return err.Err
}

// FlashRead is the read half of the storage contract.
type FlashRead interface {
	// ReadExact reads from the location BEGINNING exactly enough to fill
	// the entire BUF that was passed.
	ReadExact(beginning Location, buf []byte) error
}

// FlashWrite is the full storage contract. Whether a write that straddles
// an erase-block boundary is atomic or rejected is the implementation's
// concern; implementations must document their guarantee.
type FlashWrite interface {
	FlashRead

	// WriteExact writes all of BUF starting at the location BEGINNING.
	WriteExact(beginning Location, buf []byte) error
}
