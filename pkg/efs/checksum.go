// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

// The checksum field of a directory header covers the serialized table
// from directly below that field (byte 8) through the last entry.
const directoryChecksumDataOffset = 8

// CalculateDirectoryChecksum calculates the expected checksum of a
// directory table represented in serialized form.
func CalculateDirectoryChecksum(dirRaw []byte) uint32 {
	return fletcherCRC32(dirRaw[directoryChecksumDataOffset:])
}

// fletcherCRC32 is the Fletcher variant the PSP boot ROM uses: 16-bit
// little-endian words, both running sums seeded with 0xFFFF, reduced
// modulo 65535. The seed is congruent to 0, so results agree with
// zero-seeded implementations; 0xFFFF is what the AMD documents specify.
func fletcherCRC32(data []byte) uint32 {
	// 359 words per chunk keeps c1 below 2^32 between reductions.
	const maxChunkWords = 359

	c0 := uint32(0xffff)
	c1 := uint32(0xffff)
	words := (len(data) + 1) / 2
	i := 0
	for words > 0 {
		chunk := words
		if chunk > maxChunkWords {
			chunk = maxChunkWords
		}
		words -= chunk
		for ; chunk > 0; chunk-- {
			val := uint32(data[i])
			i++
			if i < len(data) {
				val += uint32(data[i]) << 8
				i++
			}
			c0 += val
			c1 += c0
		}
		c0 %= 65535
		c1 %= 65535
	}
	c0 %= 65535
	c1 %= 65535
	return c1<<16 | c0
}
