// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package addentry

import (
	"fmt"
	"strings"

	"github.com/linuxboot/amdefs/cmds/efstool/commands"
	"github.com/linuxboot/amdefs/pkg/efs"
	"github.com/linuxboot/amdefs/pkg/flash"
)

var _ commands.Command = (*Command)(nil)

type Command struct {
	ImagePath   string  `short:"f" long:"image" description:"path to the flash image" required:"true"`
	Directory   string  `short:"d" long:"directory" description:"which directory to modify [psp, bhd]" required:"true"`
	Type        uint8   `short:"t" long:"type" description:"entry type" required:"true"`
	SubProgram  uint8   `long:"sub-program" description:"entry sub-program"`
	Instance    uint8   `long:"instance" description:"entry instance"`
	RomId       uint8   `long:"rom-id" description:"entry rom id"`
	Size        uint32  `long:"size" description:"payload size in bytes"`
	Source      uint32  `long:"source" description:"payload offset within the flash window"`
	AddressMode *string `long:"address-mode" description:"how the source is encoded [physical, image, directory, slot]"`
	SlotBase    *uint32 `long:"slot-base" description:"base offset for slot-relative encoding"`
	Value       *uint64 `long:"value" description:"store an immediate value instead of a payload location (PSP only)"`
	RegionType  uint8   `long:"region-type" description:"BIOS region type (BHD only)"`
	Destination *uint64 `long:"destination" description:"RAM address the payload is copied to at boot (BHD only)"`
	ResetImage  bool    `long:"reset-image" description:"mark the entry as the reset image (BHD only)"`
	CopyImage   bool    `long:"copy-image" description:"mark the entry for copying (BHD only)"`
	ReadOnly    bool    `long:"read-only" description:"map the region read-only (BHD only)"`
	Compressed  bool    `long:"compressed" description:"payload is compressed (BHD only)"`
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "adds an entry to a PSP or BHD directory"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return ""
}

func parseAddressMode(s string) (efs.AddressMode, error) {
	switch strings.Trim(strings.ToLower(s), " ") {
	case "physical":
		return efs.AddressModePhysical, nil
	case "image":
		return efs.AddressModeImageRelative, nil
	case "directory":
		return efs.AddressModeDirectoryRelative, nil
	case "slot":
		return efs.AddressModeSlotRelative, nil
	}
	return 0, fmt.Errorf("unknown address mode '%s'", s)
}

// encodeSource turns the window offset into an entry location word for the
// given table context. With no explicit mode it picks directory-relative in
// per-entry mode and physical otherwise.
func (cmd *Command) encodeSource(ctx efs.ModeContext) (uint64, error) {
	mode := efs.AddressModePhysical
	if ctx.PerEntryMode {
		mode = efs.AddressModeDirectoryRelative
	}
	if cmd.AddressMode != nil {
		var err error
		mode, err = parseAddressMode(*cmd.AddressMode)
		if err != nil {
			return 0, commands.ErrArgs{Err: err}
		}
	}
	return efs.EncodeLocation(flash.Location(cmd.Source), mode, ctx)
}

func (cmd *Command) slotBase() *flash.Location {
	if cmd.SlotBase == nil {
		return nil
	}
	base := flash.Location(*cmd.SlotBase)
	return &base
}

func (cmd *Command) addPspEntry(image *flash.Image) error {
	table, err := commands.LoadPspDirectory(image)
	if err != nil {
		return err
	}

	attrs, err := efs.NewPspDirectoryEntryAttrs(efs.PspDirectoryEntryType(cmd.Type), cmd.SubProgram, cmd.RomId, cmd.Instance)
	if err != nil {
		return commands.ErrArgs{Err: err}
	}

	var entry efs.PspDirectoryEntry
	if cmd.Value != nil {
		entry = efs.NewPspValueEntry(attrs, *cmd.Value)
	} else {
		source, err := cmd.encodeSource(table.ModeContext(0, cmd.slotBase()))
		if err != nil {
			return err
		}
		entry, err = efs.NewPspPayloadEntry(attrs, cmd.Size, source)
		if err != nil {
			return err
		}
	}

	if err := table.AppendEntry(entry); err != nil {
		return fmt.Errorf("unable to add the PSP entry: %w", err)
	}
	return table.Flush(image)
}

func (cmd *Command) addBhdEntry(image *flash.Image) error {
	table, err := commands.LoadBhdDirectory(image)
	if err != nil {
		return err
	}

	if cmd.Value != nil {
		return commands.ErrArgs{Err: fmt.Errorf("value entries exist only in PSP directories")}
	}

	attrs, err := efs.NewBhdDirectoryEntryAttrs(efs.BhdDirectoryEntryType(cmd.Type), efs.BhdDirectoryEntryRegionType(cmd.RegionType), cmd.Instance, cmd.SubProgram, cmd.RomId)
	if err != nil {
		return commands.ErrArgs{Err: err}
	}
	attrs.ResetImage = cmd.ResetImage
	attrs.CopyImage = cmd.CopyImage
	attrs.ReadOnly = cmd.ReadOnly
	attrs.Compressed = cmd.Compressed

	source, err := cmd.encodeSource(table.ModeContext(0, cmd.slotBase()))
	if err != nil {
		return err
	}
	entry, err := efs.NewBhdPayloadEntry(attrs, cmd.Size, source, cmd.Destination)
	if err != nil {
		return err
	}

	if err := table.AppendEntry(entry); err != nil {
		return fmt.Errorf("unable to add the BHD entry: %w", err)
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
		err = cmd.addPspEntry(image)
	case "bhd":
		err = cmd.addBhdEntry(image)
	default:
		return commands.ErrArgs{Err: fmt.Errorf("unknown directory '%s'", cmd.Directory)}
	}
	if err != nil {
		return err
	}

	return commands.SaveImage(cmd.ImagePath, buf)
}
