// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package show

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/camelcase"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/linuxboot/amdefs/cmds/efstool/commands"
	"github.com/linuxboot/amdefs/pkg/efs"
	"github.com/linuxboot/amdefs/pkg/log"
)

var _ commands.Command = (*Command)(nil)

type Command struct {
	ImagePath string  `short:"f" long:"image" description:"path to the flash image" required:"true"`
	Format    *string `long:"format" description:"output format [text, json]"`
}

type Format int

const (
	FormatUndefined = Format(iota)
	FormatText
	FormatJSON
)

func ParseFormat(s string) Format {
	switch strings.Trim(strings.ToLower(s), " ") {
	case "text":
		return FormatText
	case "json":
		return FormatJSON
	}
	return FormatUndefined
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "prints the EFH and the directories behind it"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return ""
}

// report is the JSON shape of the whole structure.
type report struct {
	EfhLocation  uint32
	Efh          *efs.Efh
	PspCombo     *efs.ComboDirectoryTable `json:",omitempty"`
	PspDirectory *efs.PspDirectoryTable   `json:",omitempty"`
	BhdDirectory []*efs.BhdDirectoryTable `json:",omitempty"`
}

func spacedName(s fmt.Stringer) string {
	return strings.Join(camelcase.Split(s.String()), " ")
}

func renderEfh(fw *efs.Efs) {
	efh := fw.EmbeddedFirmwareStructure()
	h := table.NewWriter()
	h.SetOutputMirror(os.Stdout)
	h.SetTitle("Embedded Firmware Header @ 0x%x", fw.EfhLocation())
	h.AppendHeader(table.Row{"Signature", "Second Gen", "PSP Directory", "BHD Directory (Milan)"})
	h.AppendRow([]interface{}{
		fmt.Sprintf("0x%08x", efh.Signature),
		efh.SecondGen(),
		fmt.Sprintf("0x%08x", efh.PspDirectoryLocationZen),
		fmt.Sprintf("0x%08x", efh.BhdDirectoryLocationMilan),
	})
	h.Render()
}

func renderPspDirectory(dir *efs.PspDirectoryTable) {
	h := table.NewWriter()
	h.SetOutputMirror(os.Stdout)
	h.SetTitle("PSP Directory @ 0x%x", dir.Location())
	h.AppendHeader(table.Row{"Cookie", "Checksum", "Total Entries", "Additional Info"})
	h.AppendRow([]interface{}{
		string(dir.Header.Cookie[:]),
		fmt.Sprintf("0x%08x", dir.Header.Checksum),
		dir.Header.TotalEntries,
		fmt.Sprintf("0x%08x", uint32(dir.Header.AdditionalInfo)),
	})
	h.Render()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Type", "Hex Type", "SubProgram", "Instance", "ROM ID", "Size", "Location/Value"})
	for _, entry := range dir.Entries {
		size := "value"
		if !entry.IsValue() {
			size = humanize.IBytes(uint64(entry.Size))
		}
		t.AppendRow([]interface{}{
			spacedName(entry.Type),
			fmt.Sprintf("0x%02x", uint8(entry.Type)),
			fmt.Sprintf("0x%x", entry.SubProgram),
			uint8(entry.Instance),
			uint8(entry.RomId),
			size,
			fmt.Sprintf("0x%x", entry.Source),
		})
	}
	t.Render()
}

func renderBhdDirectory(dir *efs.BhdDirectoryTable) {
	h := table.NewWriter()
	h.SetOutputMirror(os.Stdout)
	h.SetTitle("BHD Directory @ 0x%x", dir.Location())
	h.AppendHeader(table.Row{"Cookie", "Checksum", "Total Entries", "Additional Info"})
	h.AppendRow([]interface{}{
		string(dir.Header.Cookie[:]),
		fmt.Sprintf("0x%08x", dir.Header.Checksum),
		dir.Header.TotalEntries,
		fmt.Sprintf("0x%08x", uint32(dir.Header.AdditionalInfo)),
	})
	h.Render()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Type", "Hex Type", "Region", "SubProgram", "Instance", "Size", "Source", "Destination"})
	for _, entry := range dir.Entries {
		destination := "-"
		if d, ok := entry.DestinationLocation(); ok {
			destination = fmt.Sprintf("0x%x", d)
		}
		t.AppendRow([]interface{}{
			spacedName(entry.Type),
			fmt.Sprintf("0x%02x", uint8(entry.Type)),
			uint8(entry.RegionType),
			fmt.Sprintf("0x%x", uint8(entry.SubProgram)),
			uint8(entry.Instance),
			humanize.IBytes(uint64(entry.Size)),
			fmt.Sprintf("0x%x", entry.Source),
			destination,
		})
	}
	t.Render()
}

func renderCombo(combo *efs.ComboDirectoryTable, title string) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("%s @ 0x%x", title, combo.Location())
	t.AppendHeader(table.Row{"Id", "Filter", "Pointer"})
	for _, entry := range combo.Entries() {
		t.AppendRow([]interface{}{
			entry.Id,
			fmt.Sprintf("0x%08x", entry.Filter),
			fmt.Sprintf("0x%x", entry.Pointer),
		})
	}
	t.Render()
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd *Command) Execute(args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("there are extra arguments")}
	}

	format := FormatText
	if cmd.Format != nil {
		format = ParseFormat(*cmd.Format)
		if format == FormatUndefined {
			return commands.ErrArgs{Err: fmt.Errorf("unknown format '%s'", *cmd.Format)}
		}
	}

	_, image, err := commands.OpenImage(cmd.ImagePath)
	if err != nil {
		return err
	}

	fw, err := efs.LoadEfs(image, nil)
	if err != nil {
		return fmt.Errorf("unable to locate the EFH: %w", err)
	}

	out := report{
		EfhLocation: uint32(fw.EfhLocation()),
		Efh:         fw.EmbeddedFirmwareStructure(),
	}

	pspKind, err := fw.PspDirectory()
	if err != nil {
		var notFound efs.ErrNotFound
		var mismatch *efs.ChecksumMismatchError
		switch {
		case errors.As(err, &notFound):
			// no PSP pointer programmed, nothing to render
		case errors.As(err, &mismatch):
			log.Warnf("PSP directory checksum mismatch: %v", err)
		default:
			return fmt.Errorf("unable to read the PSP directory: %w", err)
		}
	}
	out.PspCombo = pspKind.Combo
	out.PspDirectory = pspKind.Directory

	it, err := fw.BhdDirectories()
	if err != nil {
		var notFound efs.ErrNotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("unable to read the BHD directories: %w", err)
		}
	}
	if it != nil {
		for it.Next() {
			out.BhdDirectory = append(out.BhdDirectory, it.Directory())
		}
		if err := it.Err(); err != nil {
			return fmt.Errorf("unable to read a BHD directory: %w", err)
		}
		if warn := it.Warnings(); warn != nil {
			log.Warnf("BHD directory checksum mismatch: %v", warn)
		}
	}

	switch format {
	case FormatText:
		renderEfh(fw)
		if out.PspCombo != nil {
			renderCombo(out.PspCombo, "PSP Combo Directory")
		}
		if out.PspDirectory != nil {
			renderPspDirectory(out.PspDirectory)
		}
		for _, dir := range out.BhdDirectory {
			renderBhdDirectory(dir)
		}
	case FormatJSON:
		b, err := json.Marshal(out)
		if err != nil {
			panic(err)
		}
		fmt.Printf("%s\n", b)
	}

	return nil
}
