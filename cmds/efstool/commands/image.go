// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"

	"github.com/linuxboot/amdefs/pkg/flash"
)

// OpenImage reads the firmware image file into memory and wraps it into a
// flash window. Writes through the returned window mutate the returned
// buffer in place; SaveImage persists them.
func OpenImage(path string) ([]byte, *flash.Image, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to read the firmware image file '%s': %w", path, err)
	}
	return buf, flash.NewImage(buf), nil
}

// SaveImage writes the (mutated) image buffer back to the file.
func SaveImage(path string, buf []byte) error {
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("unable to write the firmware image file '%s': %w", path, err)
	}
	return nil
}
