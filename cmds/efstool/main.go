// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// efstool manipulates the AMD Embedded Firmware Structure in a flash image.
//
// Synopsis:
//     efstool init -f IMAGE_FILE [options]
//     efstool add_entry -f IMAGE_FILE --directory psp|bhd [options]
//     efstool remove_entry -f IMAGE_FILE --directory psp|bhd [options]
//     efstool show -f IMAGE_FILE [options]
//
// An example:
//     efstool init -f firmware.fd --psp-directory $((16#30000)) --psp-directory-size $((16#10000)) --bhd-directory $((16#40000)) --bhd-directory-size $((16#10000))
//     efstool add_entry -f firmware.fd --directory psp --type $((16#01)) --size $((16#20000)) --source $((16#100000))
//     efstool remove_entry -f firmware.fd --directory psp --type $((16#01))
//     efstool show -f firmware.fd --format=json | jq -r '.PspDirectory.Entries[] | select(.Type == 1) | .Source'
//
// Description:
//     init:         Creates an EFH plus empty PSP and BHD directories on an erased image
//     add_entry:    Adds an entry to a PSP or BHD directory
//     remove_entry: Removes an entry from a PSP or BHD directory
//     show:         Prints the EFH and the directories behind it
package main

import (
	"log"

	"github.com/jessevdk/go-flags"

	"github.com/linuxboot/amdefs/cmds/efstool/commands"
	"github.com/linuxboot/amdefs/cmds/efstool/commands/addentry"
	_init "github.com/linuxboot/amdefs/cmds/efstool/commands/init"
	"github.com/linuxboot/amdefs/cmds/efstool/commands/removeentry"
	"github.com/linuxboot/amdefs/cmds/efstool/commands/show"
)

var (
	knownCommands = map[string]commands.Command{
		"init":         &_init.Command{},
		"show":         &show.Command{},
		"add_entry":    &addentry.Command{},
		"remove_entry": &removeentry.Command{},
	}
)

func main() {
	flagsParser := flags.NewParser(nil, flags.Default)
	for commandName, command := range knownCommands {
		_, err := flagsParser.AddCommand(commandName, command.ShortDescription(), command.LongDescription(), command)
		if err != nil {
			panic(err)
		}
	}

	// parse arguments and execute the appropriate command
	if _, err := flagsParser.Parse(); err != nil {
		log.Fatal(err)
	}
}
