// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flash

import (
	"fmt"
)

// AlignmentError reports a location or amount that is not a multiple of
// the erase-block size.
type AlignmentError struct {
	ErasableBlockSize int
	IntraBlockOffset  int
}

// Error implements error.
func (err *AlignmentError) Error() string {
	return fmt.Sprintf("not aligned for erase (block size = 0x%x B, intra block offset = 0x%x B)", err.ErasableBlockSize, err.IntraBlockOffset)
}

// FlashAlign describes the erase granularity of a flash part.
type FlashAlign interface {
	// ErasableBlockSize is constant for the lifetime of the instance and
	// is a power of two.
	ErasableBlockSize() int
}

// ErasableLocation is a Location known to sit on an erase-block boundary.
type ErasableLocation struct {
	location          Location
	erasableBlockSize int
}

// NewErasableLocation checks LOCATION against the erase granularity of
// ALIGN and fails with an AlignmentError if it is not on a boundary.
func NewErasableLocation(align FlashAlign, location Location) (ErasableLocation, error) {
	blockSize := align.ErasableBlockSize()
	mask := uint32(blockSize) - 1
	if location&mask != 0 {
		return ErasableLocation{}, &AlignmentError{
			ErasableBlockSize: blockSize,
			IntraBlockOffset:  int(location & mask),
		}
	}
	return ErasableLocation{location: location, erasableBlockSize: blockSize}, nil
}

// Location returns the plain window offset.
func (e ErasableLocation) Location() Location {
	return e.location
}

// ErasableBlockSize returns the erase granularity the location was
// checked against.
func (e ErasableLocation) ErasableBlockSize() int {
	return e.erasableBlockSize
}

// Advance moves forward by AMOUNT, which must be a multiple of the
// erase-block size.
func (e ErasableLocation) Advance(amount int) (ErasableLocation, error) {
	mask := e.erasableBlockSize - 1
	if amount&mask != 0 {
		return ErasableLocation{}, &AlignmentError{
			ErasableBlockSize: e.erasableBlockSize,
			IntraBlockOffset:  amount & mask,
		}
	}
	return ErasableLocation{
		location:          e.location + uint32(amount),
		erasableBlockSize: e.erasableBlockSize,
	}, nil
}

// AdvanceAtLeast moves forward by AMOUNT rounded up to the next
// erase-block boundary.
func (e ErasableLocation) AdvanceAtLeast(amount int) (ErasableLocation, error) {
	mask := e.erasableBlockSize - 1
	return e.Advance((amount + mask) &^ mask)
}

// ErasableRange is a span between two erase-block boundaries of the same
// granularity.
type ErasableRange struct {
	Beginning ErasableLocation
	End       ErasableLocation
}

// Capacity returns the span size in bytes.
func (r ErasableRange) Capacity() int {
	if r.End.location < r.Beginning.location {
		return 0
	}
	return int(r.End.location - r.Beginning.location)
}

// TakeAtLeast splits off the first SIZE bytes (rounded up to an erase
// block) and retains the rest. Returns false if the range is too small.
func (r *ErasableRange) TakeAtLeast(size int) (ErasableRange, bool) {
	end, err := r.Beginning.AdvanceAtLeast(size)
	if err != nil || end.location > r.End.location {
		return ErasableRange{}, false
	}
	taken := ErasableRange{Beginning: r.Beginning, End: end}
	r.Beginning = end
	return taken, true
}
