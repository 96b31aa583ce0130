//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package flags

import (
	"strconv"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/embeddedts/supervisor-update/cli/board"
)

var (
	Info   = flag.BoolP("info", "i", false, "Print current revision information and close")
	Force  = flag.BoolP("force", "f", false, "Update even if revisions match (not recommended). Requires --update.")
	DryRun = flag.BoolP("dry-run", "n", false, "Check file and current revision, print the changes it would make but do not update. "+
		"Requires --update.")
	Update = flag.StringP("update", "u", "", "Update file")

	bus      = flag.StringP("bus", "b", "", "Override default I2C bus")
	chipAddr = flag.StringP("chip-addr", "c", "", "Override default I2C chip address")

	Board          = flag.String("board", "", "Board compatible string. If set, the devicetree is not consulted.")
	BoardsFile     = flag.String("boards-file", "", "YAML file with extra board entries. Entries override built-in boards with the same compatible string.")
	CompatibleFile = flag.String("compatible-file", board.DefaultCompatibleFile, "Devicetree compatible list used to detect the board")

	StrictSize = flag.Bool("strict-size", true, "Require the size in the update footer to account for the whole file")
	Attempts   = flag.Int("attempts", 0, "Open/write/close attempts before giving up. 0 - profile default. Ignored by legacy boards.")
	MaxPolls   = flag.Int("max-polls", 100, "Status reads allowed per block while the supervisor is busy")
)

// ErrNoAction is returned by Validate when neither --info nor --update is given.
var ErrNoAction = errors.New("no action specified")

// Validate checks flag combinations and values.
func Validate() error {
	if (*Force || *DryRun) && *Update == "" {
		return errors.Errorf("Must specify the update file")
	}
	if !*Info && *Update == "" {
		return ErrNoAction
	}
	if *MaxPolls < 1 {
		return errors.Errorf("--max-polls must be positive, got %d", *MaxPolls)
	}
	if *Attempts < 0 {
		return errors.Errorf("--attempts must not be negative, got %d", *Attempts)
	}
	if _, _, err := BusOverride(); err != nil {
		return errors.Trace(err)
	}
	if _, _, err := ChipAddrOverride(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// BusOverride returns the --bus value, if given. Like the rest of the numeric
// flags it accepts 0x and 0 prefixes.
func BusOverride() (int, bool, error) {
	if *bus == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(*bus, 0, 16)
	if err != nil {
		return 0, false, errors.Annotatef(err, "invalid --bus")
	}
	return int(v), true, nil
}

// ChipAddrOverride returns the --chip-addr value, if given.
func ChipAddrOverride() (uint16, bool, error) {
	if *chipAddr == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(*chipAddr, 0, 10)
	if err != nil {
		return 0, false, errors.Annotatef(err, "invalid --chip-addr")
	}
	return uint16(v), true, nil
}
