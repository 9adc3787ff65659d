// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package removeentry

import (
	"fmt"
	"strings"

	"github.com/linuxboot/amdefs/cmds/efstool/commands"
	"github.com/linuxboot/amdefs/pkg/efs"
	"github.com/linuxboot/amdefs/pkg/flash"
)

var _ commands.Command = (*Command)(nil)

type Command struct {
	ImagePath  string `short:"f" long:"image" description:"path to the flash image" required:"true"`
	Directory  string `short:"d" long:"directory" description:"which directory to modify [psp, bhd]" required:"true"`
	Type       uint8  `short:"t" long:"type" description:"entry type" required:"true"`
	SubProgram uint8  `long:"sub-program" description:"entry sub-program"`
	Instance   uint8  `long:"instance" description:"entry instance"`
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "removes an entry from a PSP or BHD directory"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return ""
}

func (cmd *Command) removePspEntry(image *flash.Image) error {
	table, err := commands.LoadPspDirectory(image)
	if err != nil {
		return err
	}
	instance, err := efs.NewUint4("instance", cmd.Instance)
	if err != nil {
		return commands.ErrArgs{Err: err}
	}
	if err := table.RemoveEntry(efs.PspDirectoryEntryType(cmd.Type), cmd.SubProgram, instance); err != nil {
		return fmt.Errorf("unable to remove the PSP entry: %w", err)
	}
	return table.Flush(image)
}

func (cmd *Command) removeBhdEntry(image *flash.Image) error {
	table, err := commands.LoadBhdDirectory(image)
	if err != nil {
		return err
	}
	subProgram, err := efs.NewUint3("sub_program", cmd.SubProgram)
	if err != nil {
		return commands.ErrArgs{Err: err}
	}
	instance, err := efs.NewUint4("instance", cmd.Instance)
	if err != nil {
		return commands.ErrArgs{Err: err}
	}
	if err := table.RemoveEntry(efs.BhdDirectoryEntryType(cmd.Type), subProgram, instance); err != nil {
		return fmt.Errorf("unable to remove the BHD entry: %w", err)
	}
	return table.Flush(image)
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd *Command) Execute(args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("there are extra arguments")}
	}

	buf, image, err := commands.OpenImage(cmd.ImagePath)
	if err != nil {
		return err
	}

	switch strings.ToLower(cmd.Directory) {
	case "psp":
		err = cmd.removePspEntry(image)
	case "bhd":
		err = cmd.removeBhdEntry(image)
	default:
		return commands.ErrArgs{Err: fmt.Errorf("unknown directory '%s'", cmd.Directory)}
	}
	if err != nil {
		return err
	}

	return commands.SaveImage(cmd.ImagePath, buf)
}
