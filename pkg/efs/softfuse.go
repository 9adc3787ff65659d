// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

// PspSoftFuseChain is the 64-bit immediate value of a PspSoftFuseChain
// directory entry (a value entry, not a payload).
type PspSoftFuseChain uint64

// PspSoftFuseChain32MiBSpiDecoding says which half of a 32 MiB part maps
// to the 0xFF00_0000 MMIO aperture.
type PspSoftFuseChain32MiBSpiDecoding uint8

const (
	SpiDecodingLowerHalf PspSoftFuseChain32MiBSpiDecoding = 0
	SpiDecodingUpperHalf PspSoftFuseChain32MiBSpiDecoding = 1
)

func (f PspSoftFuseChain) bit(shift uint) bool {
	return f>>shift&1 != 0
}

func (f PspSoftFuseChain) withBit(shift uint, value bool) PspSoftFuseChain {
	if value {
		return f | 1<<shift
	}
	return f &^ (1 << shift)
}

// SecureDebugUnlock is bit 0.
func (f PspSoftFuseChain) SecureDebugUnlock() bool { return f.bit(0) }

// EarlySecureDebugUnlock is bit 2.
func (f PspSoftFuseChain) EarlySecureDebugUnlock() bool { return f.bit(2) }

// UnlockTokenInNvram is bit 3: whether the unlock token has been stored
// into NVRAM.
func (f PspSoftFuseChain) UnlockTokenInNvram() bool { return f.bit(3) }

// ForceSecurityPolicyLoadingEvenIfInsecure is bit 4.
func (f PspSoftFuseChain) ForceSecurityPolicyLoadingEvenIfInsecure() bool { return f.bit(4) }

// LoadDiagnosticBootloader is bit 5.
func (f PspSoftFuseChain) LoadDiagnosticBootloader() bool { return f.bit(5) }

// DisablePspDebugPrints is bit 6.
func (f PspSoftFuseChain) DisablePspDebugPrints() bool { return f.bit(6) }

// SpiDecoding is bit 14.
func (f PspSoftFuseChain) SpiDecoding() PspSoftFuseChain32MiBSpiDecoding {
	if f.bit(14) {
		return SpiDecodingUpperHalf
	}
	return SpiDecodingLowerHalf
}

// SkipMp2FirmwareLoading is bit 29.
func (f PspSoftFuseChain) SkipMp2FirmwareLoading() bool { return f.bit(29) }

// ForceRecoveryBooting is bit 31.
func (f PspSoftFuseChain) ForceRecoveryBooting() bool { return f.bit(31) }

// WithSpiDecoding returns a copy with bit 14 set accordingly.
func (f PspSoftFuseChain) WithSpiDecoding(d PspSoftFuseChain32MiBSpiDecoding) PspSoftFuseChain {
	return f.withBit(14, d == SpiDecodingUpperHalf)
}

// WithSecureDebugUnlock returns a copy with bit 0 set accordingly.
func (f PspSoftFuseChain) WithSecureDebugUnlock(v bool) PspSoftFuseChain {
	return f.withBit(0, v)
}
