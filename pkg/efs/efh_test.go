// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/linuxboot/amdefs/pkg/flash"
)

func TestEfhSize(t *testing.T) {
	actualSize := binary.Size(Efh{})
	if actualSize != EfhSize {
		t.Errorf("Efh size is incorrect: %d, expected %d", actualSize, EfhSize)
	}
}

func writeEfhAt(t *testing.T, image *flash.Image, position flash.Location, efh Efh) {
	t.Helper()
	var buf bytes.Buffer
	if err := efh.WriteTo(&buf); err != nil {
		t.Fatalf("serializing the EFH failed: '%v'", err)
	}
	if err := image.WriteExact(position, buf.Bytes()); err != nil {
		t.Fatalf("writing the EFH failed: '%v'", err)
	}
}

func TestFindEmbeddedFirmwareStructure(t *testing.T) {
	t.Run("lowest_candidate_wins", func(t *testing.T) {
		image := flash.NewImage(make([]byte, 0x83_0000))
		writeEfhAt(t, image, 0x02_0000, DefaultEfh())
		writeEfhAt(t, image, 0x82_0000, DefaultEfh())

		_, location, err := FindEmbeddedFirmwareStructure(image, nil)
		if err != nil {
			t.Fatalf("finding embedded firmware header failed: '%v'", err)
		}
		if location != 0x02_0000 {
			t.Errorf("returned location: 0x%x, expected: 0x%x", location, 0x02_0000)
		}
	})

	t.Run("skips_garbage_at_lower_candidate", func(t *testing.T) {
		image := flash.NewImage(make([]byte, 0x83_0000))
		// an unrelated blob happens to live at the first candidate
		if err := image.WriteExact(0x02_0000, []byte{0x11, 0x22, 0x33, 0x44}); err != nil {
			t.Fatal(err)
		}
		efh := DefaultEfh()
		efh.PspDirectoryLocationZen = 0xFF06_2400
		writeEfhAt(t, image, 0x82_0000, efh)

		found, location, err := FindEmbeddedFirmwareStructure(image, nil)
		if err != nil {
			t.Fatalf("finding embedded firmware header failed: '%v'", err)
		}
		if location != 0x82_0000 {
			t.Errorf("returned location: 0x%x, expected: 0x%x", location, 0x82_0000)
		}
		if found.PspDirectoryLocationZen != 0xFF06_2400 {
			t.Errorf("PSP directory pointer: 0x%x, expected: 0x%x", found.PspDirectoryLocationZen, 0xFF06_2400)
		}
	})

	t.Run("generation_filter", func(t *testing.T) {
		image := flash.NewImage(make([]byte, 0x03_0000))
		efh := DefaultEfh()
		efh.SecondGenEfs = SecondGenEfsForProcessorGeneration(ProcessorGenerationMilan)
		writeEfhAt(t, image, 0x02_0000, efh)

		milan := ProcessorGenerationMilan
		if _, _, err := FindEmbeddedFirmwareStructure(image, &milan); err != nil {
			t.Errorf("a Milan-compatible header was not found: '%v'", err)
		}

		other := ProcessorGeneration(2)
		var notFound ErrNotFound
		if _, _, err := FindEmbeddedFirmwareStructure(image, &other); !errors.As(err, &notFound) {
			t.Errorf("expected a not-found error for an incompatible generation, got: '%v'", err)
		}
	})

	t.Run("not_found", func(t *testing.T) {
		image := flash.NewImage(make([]byte, 0x03_0000))
		var notFound ErrNotFound
		if _, _, err := FindEmbeddedFirmwareStructure(image, nil); !errors.As(err, &notFound) {
			t.Errorf("expected a not-found error on a blank image, got: '%v'", err)
		}
	})
}

func TestDecodeEfhPointer(t *testing.T) {
	for _, tc := range []struct {
		ptr      uint32
		location flash.Location
		ok       bool
	}{
		{0x0000_0000, 0, false},
		{0xFFFF_FFFF, 0, false},
		{0xFF06_2400, 0x62400, true},
		{0x0006_2400, 0x62400, true},
		{0x0200_0000, 0, false},
	} {
		location, ok := decodeEfhPointer(tc.ptr)
		if ok != tc.ok || location != tc.location {
			t.Errorf("decodeEfhPointer(0x%x) = (0x%x, %v), expected (0x%x, %v)", tc.ptr, location, ok, tc.location, tc.ok)
		}
	}
}

func TestProcessorGenerationVector(t *testing.T) {
	efh := DefaultEfh()
	efh.SecondGenEfs = SecondGenEfsForProcessorGeneration(ProcessorGenerationMilan)

	if !efh.SecondGen() {
		t.Errorf("a fresh header must be second generation")
	}
	if !efh.CompatibleWithProcessorGeneration(ProcessorGenerationMilan) {
		t.Errorf("the header does not claim the generation it was built for")
	}
	if efh.CompatibleWithProcessorGeneration(2) {
		t.Errorf("the header claims a generation it was not built for")
	}
	if efh.CompatibleWithProcessorGeneration(200) {
		t.Errorf("out of range generations are never compatible")
	}
}
