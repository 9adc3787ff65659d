// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package init

import (
	"fmt"
	"os"

	"github.com/linuxboot/amdefs/cmds/efstool/commands"
	"github.com/linuxboot/amdefs/pkg/efs"
	"github.com/linuxboot/amdefs/pkg/flash"
)

var _ commands.Command = (*Command)(nil)

type Command struct {
	ImagePath        string  `short:"f" long:"image" description:"path to the flash image" required:"true"`
	CreateSize       *uint32 `long:"create-size" description:"create an erased image of this size if the file does not exist"`
	Generation       uint8   `long:"generation" description:"processor generation the header claims compatibility with" default:"1"`
	PspDirectory     uint32  `long:"psp-directory" description:"offset of the PSP directory" required:"true"`
	PspDirectorySize int     `long:"psp-directory-size" description:"space reserved for the PSP directory" default:"4096"`
	BhdDirectory     uint32  `long:"bhd-directory" description:"offset of the BHD directory" required:"true"`
	BhdDirectorySize int     `long:"bhd-directory-size" description:"space reserved for the BHD directory" default:"4096"`
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "initializes an EFS: writes an EFH plus empty PSP and BHD directories onto an erased image"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return ""
}

func (cmd *Command) directoryRange(image *flash.Image, offset uint32, size int) (flash.ErasableRange, error) {
	beginning, err := flash.NewErasableLocation(image, flash.Location(offset))
	if err != nil {
		return flash.ErasableRange{}, err
	}
	end, err := beginning.AdvanceAtLeast(size)
	if err != nil {
		return flash.ErasableRange{}, err
	}
	return flash.ErasableRange{Beginning: beginning, End: end}, nil
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd *Command) Execute(args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("there are extra arguments")}
	}

	var buf []byte
	var image *flash.Image
	if cmd.CreateSize != nil {
		if _, err := os.Stat(cmd.ImagePath); err == nil {
			return fmt.Errorf("refusing to overwrite existing file '%s'", cmd.ImagePath)
		}
		buf = make([]byte, *cmd.CreateSize)
		for i := range buf {
			buf[i] = 0xFF
		}
		image = flash.NewImage(buf)
	} else {
		var err error
		buf, image, err = commands.OpenImage(cmd.ImagePath)
		if err != nil {
			return err
		}
	}

	pspRange, err := cmd.directoryRange(image, cmd.PspDirectory, cmd.PspDirectorySize)
	if err != nil {
		return fmt.Errorf("PSP directory range: %w", err)
	}
	bhdRange, err := cmd.directoryRange(image, cmd.BhdDirectory, cmd.BhdDirectorySize)
	if err != nil {
		return fmt.Errorf("BHD directory range: %w", err)
	}

	if _, err := efs.CreateEfs(image, efs.CreateParams{
		Generation:   efs.ProcessorGeneration(cmd.Generation),
		PspDirectory: pspRange,
		BhdDirectory: bhdRange,
	}); err != nil {
		return fmt.Errorf("unable to initialize the EFS: %w", err)
	}

	return commands.SaveImage(cmd.ImagePath, buf)
}
