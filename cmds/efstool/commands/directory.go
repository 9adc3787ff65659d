// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package commands

import (
	"fmt"

	"github.com/linuxboot/amdefs/pkg/efs"
	"github.com/linuxboot/amdefs/pkg/flash"
)

// LoadPspDirectory resolves the EFH PSP pointer to a plain directory.
// Combo directories route to per-model sub-directories, so a mutation has
// no single well-defined target and is refused.
func LoadPspDirectory(image *flash.Image) (*efs.PspDirectoryTable, error) {
	fw, err := efs.LoadEfs(image, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to locate the EFH: %w", err)
	}
	kind, err := fw.PspDirectory()
	if err != nil {
		return nil, fmt.Errorf("unable to read the PSP directory: %w", err)
	}
	if kind.Directory == nil {
		return nil, fmt.Errorf("the PSP pointer names a combo directory; modify the sub-directory directly")
	}
	return kind.Directory, nil
}

// LoadBhdDirectory resolves the EFH BHD pointer to a plain directory. When
// the pointer names a combo, the first sub-directory is returned.
func LoadBhdDirectory(image *flash.Image) (*efs.BhdDirectoryTable, error) {
	fw, err := efs.LoadEfs(image, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to locate the EFH: %w", err)
	}
	it, err := fw.BhdDirectories()
	if err != nil {
		return nil, fmt.Errorf("unable to read the BHD directories: %w", err)
	}
	if !it.Next() {
		if err := it.Err(); err != nil {
			return nil, fmt.Errorf("unable to read the BHD directory: %w", err)
		}
		return nil, fmt.Errorf("no BHD directory behind the EFH")
	}
	if warn := it.Warnings(); warn != nil {
		return nil, fmt.Errorf("refusing to modify a BHD directory whose stored checksum does not match: %w", warn)
	}
	return it.Directory(), nil
}
