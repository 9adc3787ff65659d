// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"fmt"
)

// The bit-packed words of the on-flash format expose sub-fields that are
// narrower than any Go integer type. Each width gets a wrapper whose
// constructor rejects out-of-range input, so external-input paths cannot
// smuggle in values the field cannot hold. Parsing masks on extraction,
// so values read from flash are valid by construction.

// OutOfRangeError indicates a value that does not fit a narrow bit field.
type OutOfRangeError struct {
	Field string
	Value uint64
	Bits  uint
}

// Error implements error.
func (err *OutOfRangeError) Error() string {
	return fmt.Sprintf("value 0x%x does not fit %d-bit field '%s'", err.Value, err.Bits, err.Field)
}

// Uint2 holds a 2-bit quantity (rom id).
type Uint2 uint8

// NewUint2 validates VALUE as a 2-bit quantity.
func NewUint2(field string, value uint8) (Uint2, error) {
	if value > 0x3 {
		return 0, &OutOfRangeError{Field: field, Value: uint64(value), Bits: 2}
	}
	return Uint2(value), nil
}

// Uint3 holds a 3-bit quantity (BHD sub-program).
type Uint3 uint8

// NewUint3 validates VALUE as a 3-bit quantity.
func NewUint3(field string, value uint8) (Uint3, error) {
	if value > 0x7 {
		return 0, &OutOfRangeError{Field: field, Value: uint64(value), Bits: 3}
	}
	return Uint3(value), nil
}

// Uint4 holds a 4-bit quantity (instance, SPI block size).
type Uint4 uint8

// NewUint4 validates VALUE as a 4-bit quantity.
func NewUint4(field string, value uint8) (Uint4, error) {
	if value > 0xf {
		return 0, &OutOfRangeError{Field: field, Value: uint64(value), Bits: 4}
	}
	return Uint4(value), nil
}

// Uint10 holds a 10-bit quantity (directory max size in 4 KiB units).
type Uint10 uint16

// NewUint10 validates VALUE as a 10-bit quantity.
func NewUint10(field string, value uint16) (Uint10, error) {
	if value > 0x3ff {
		return 0, &OutOfRangeError{Field: field, Value: uint64(value), Bits: 10}
	}
	return Uint10(value), nil
}

// Uint15 holds a 15-bit quantity (directory base address in 4 KiB units).
type Uint15 uint16

// NewUint15 validates VALUE as a 15-bit quantity.
func NewUint15(field string, value uint16) (Uint15, error) {
	if value > 0x7fff {
		return 0, &OutOfRangeError{Field: field, Value: uint64(value), Bits: 15}
	}
	return Uint15(value), nil
}
