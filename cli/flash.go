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
package main

import (
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/embeddedts/supervisor-update/cli/board"
	"github.com/embeddedts/supervisor-update/cli/flags"
	"github.com/embeddedts/supervisor-update/cli/flash/common"
	"github.com/embeddedts/supervisor-update/cli/flash/supervisor"
	"github.com/embeddedts/supervisor-update/cli/ourutil"
)

var supervisorTiming = supervisor.DefaultTiming()

// Timing knobs. The defaults match what the supervisor firmware needs and
// should only be changed when debugging a new board.
func init() {
	t := &supervisorTiming
	flag.DurationVar(&t.PreFlashDelay, "timing-pre-flash", t.PreFlashDelay,
		"Pause before flash is opened, lets console output drain")
	flag.DurationVar(&t.SettleDelay, "timing-settle", t.SettleDelay,
		"Pause after the open request while the supervisor erases and blank checks flash")
	flag.DurationVar(&t.BlockDelay, "timing-block", t.BlockDelay,
		"Pause after each block before its status is polled")
	flag.DurationVar(&t.PollInterval, "timing-poll-interval", t.PollInterval,
		"Pause between status polls")
	flag.IntVar(&t.ClosePolls, "timing-close-polls", t.ClosePolls,
		"Status reads allowed while waiting for flash to close")
	flag.DurationVar(&t.ResetDelay, "timing-reset", t.ResetDelay,
		"Pause before and after the legacy reset request")

	hideFlagsWithPrefix("timing-")
}

// resolveBoard picks the board from --board or the devicetree, then applies
// --bus and --chip-addr.
func resolveBoard() (*board.Board, error) {
	tbl := board.Builtin()
	if *flags.BoardsFile != "" {
		ft, err := board.LoadFile(*flags.BoardsFile)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to load boards file")
		}
		tbl = tbl.Merge(ft)
	}

	var b *board.Board
	var err error
	if *flags.Board != "" {
		b, err = tbl.Lookup(*flags.Board)
	} else {
		b, err = tbl.Detect(*flags.CompatibleFile)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	res := *b
	if v, ok, err := flags.BusOverride(); err != nil {
		return nil, errors.Trace(err)
	} else if ok {
		res.Bus = v
	}
	if v, ok, err := flags.ChipAddrOverride(); err != nil {
		return nil, errors.Trace(err)
	} else if ok {
		res.Address = v
	}
	glog.V(1).Infof("board %s: bus %d, address 0x%02x, model 0x%04x, %s profile",
		res.Compatible, res.Bus, res.Address, res.Model, res.Profile)
	return &res, nil
}

func printInfo(w io.Writer, dev supervisor.Device) error {
	di, err := dev.Info()
	if err != nil {
		return errors.Trace(err)
	}
	if di.HasModel {
		ourutil.Freportf(w, "modelnum=0x%04X", di.Model)
	}
	ourutil.Freportf(w, "revision=%d", di.Revision)
	if dev.Type() == supervisor.ProfileCommon {
		dirty := 0
		if di.Dirty {
			dirty = 1
		}
		ourutil.Freportf(w, "dirty=%d", dirty)
	}
	return nil
}

func newFlashOpts(progress *ourutil.Progress) *supervisor.FlashOpts {
	t := supervisorTiming
	t.MaxPolls = *flags.MaxPolls
	return &supervisor.FlashOpts{
		Force:    *flags.Force,
		DryRun:   *flags.DryRun,
		Timing:   t,
		Progress: progress.Update,
		Reportf: func(format string, args ...interface{}) {
			progress.Done()
			ourutil.Reportf(format, args...)
		},
		Sleep: time.Sleep,
	}
}

func updateSupervisor(w io.Writer, dev supervisor.Device, im *supervisor.Image, opts *supervisor.FlashOpts) error {
	res, err := supervisor.Update(dev, im, opts)
	if err != nil {
		if res != nil && res.Attempts > 0 {
			glog.Errorf("update failed after %d attempt(s), flash may be partially written", res.Attempts)
		}
		return errors.Trace(err)
	}
	switch res.Outcome {
	case supervisor.OutcomeUpdated:
		color.New(color.FgGreen).Fprintf(w, "Supervisor updated from revision %d to %d\n", res.From, res.To)
	case supervisor.OutcomeAlreadyCurrent:
		color.New(color.FgGreen).Fprintf(w, "Supervisor is up to date (revision %d)\n", res.From)
	case supervisor.OutcomeDryRun:
		color.New(color.FgYellow).Fprintf(w, "Dry run: revision %d would be replaced by %d\n", res.From, res.To)
	}
	return nil
}

func runSupervisorUpdate() error {
	b, err := resolveBoard()
	if err != nil {
		return errors.Trace(err)
	}
	pt, err := b.ProfileType()
	if err != nil {
		return errors.Trace(err)
	}

	// The image is validated before the bus is touched.
	var im *supervisor.Image
	if *flags.Update != "" {
		im, err = supervisor.OpenImage(*flags.Update, pt.FooterLayout(), *flags.StrictSize)
		if err != nil {
			return errors.Trace(err)
		}
		defer im.Close()
		glog.Infof("%s: %d bytes, revision %d", *flags.Update, im.Size(), im.Footer.Revision)
	}

	bus, err := common.OpenI2C(b.Bus, b.Address)
	if err != nil {
		return errors.Trace(err)
	}
	defer bus.Close()

	progress := ourutil.NewProgress(os.Stdout)
	opts := newFlashOpts(progress)
	dev, err := supervisor.NewDevice(pt, bus, opts.Timing, opts.Sleep)
	if err != nil {
		return errors.Trace(err)
	}
	if *flags.Attempts > 0 {
		supervisor.SetAttempts(dev, *flags.Attempts)
	}

	if *flags.Info {
		if err := printInfo(os.Stdout, dev); err != nil {
			return errors.Trace(err)
		}
	}
	if im == nil {
		return nil
	}
	err = updateSupervisor(os.Stderr, dev, im, opts)
	progress.Done()
	return errors.Trace(err)
}
