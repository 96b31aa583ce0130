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
package supervisor

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Outcome is how a successful run ended.
type Outcome int

const (
	OutcomeUpdated Outcome = iota
	// The device already runs the image revision or newer. Not a failure.
	OutcomeAlreadyCurrent
	// Checks passed, nothing was written.
	OutcomeDryRun
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeAlreadyCurrent:
		return "already current"
	case OutcomeDryRun:
		return "dry run"
	default:
		return fmt.Sprintf("???(%d)", int(o))
	}
}

// FlashOpts controls one update run.
type FlashOpts struct {
	// Force skips the revision and capability checks. Model mismatch is
	// never overridden.
	Force bool
	// DryRun stops after the checks, before any register write.
	DryRun bool
	Timing Timing
	// Progress is called before each block and once at the end with
	// bytes sent so far and the total.
	Progress func(sent, total int)
	// Reportf receives operator-facing status lines.
	Reportf func(format string, args ...interface{})
	// Sleep replaces time.Sleep for the engine's own delays.
	Sleep func(time.Duration)
}

func (opts *FlashOpts) reportf(format string, args ...interface{}) {
	if opts.Reportf != nil {
		opts.Reportf(format, args...)
		return
	}
	glog.Infof(format, args...)
}

func (opts *FlashOpts) sleep(d time.Duration) {
	if opts.Sleep != nil {
		opts.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (opts *FlashOpts) progress(sent, total int) {
	if opts.Progress != nil {
		opts.Progress(sent, total)
	}
}

// Result describes a run that did not fail.
type Result struct {
	Outcome Outcome
	Info    *DeviceInfo
	// From is the device revision, To the image revision.
	From, To uint16
	// Attempts used, 0 if flash was never touched.
	Attempts     int
	BytesWritten int
}

// Check reads the device identity and decides whether im should be written.
// It only ever reads from the device.
func Check(dev Device, im *Image, opts *FlashOpts) (*Result, error) {
	info, err := dev.Info()
	if err != nil {
		return nil, inPhase(err, PhaseCheck, 0)
	}
	res := &Result{Info: info, From: info.Revision, To: im.Footer.Revision}

	if !info.CanUpdate() {
		err := newError(KindUnsupportedDevice, PhaseCheck,
			"Firmware does not support updates. (0x%X)", uint16(info.Features))
		if !opts.Force {
			return nil, err
		}
		glog.Warningf("%s, continuing anyway", err)
	}

	ftr := im.Footer
	if ftr.HasModel && info.HasModel && ftr.Model != info.Model {
		return nil, newError(KindModelMismatch, PhaseCheck,
			"This update is for a %04X, not a %04X", ftr.Model, info.Model)
	}

	if ftr.Revision <= info.Revision && !opts.Force {
		opts.reportf("Already at revision %d", info.Revision)
		res.Outcome = OutcomeAlreadyCurrent
		return res, nil
	}

	opts.reportf("Updating from revision %d to %d", info.Revision, ftr.Revision)
	if opts.DryRun {
		opts.reportf("Dry run specified, not updating")
		res.Outcome = OutcomeDryRun
		return res, nil
	}
	res.Outcome = OutcomeUpdated
	return res, nil
}

// Update checks the device against im and, unless it is already current or
// this is a dry run, writes im to the device flash and applies it.
//
// Each attempt starts again from block 0 with a fresh open handshake; the
// open handshake closes flash first if an earlier attempt left it open.
func Update(dev Device, im *Image, opts *FlashOpts) (*Result, error) {
	res, err := Check(dev, im, opts)
	if err != nil || res.Outcome != OutcomeUpdated {
		return res, errors.Trace(err)
	}

	opts.sleep(opts.Timing.PreFlashDelay)

	maxAttempts := dev.Attempts()
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	op := func() error {
		res.Attempts++
		err := writeImage(dev, im, opts)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		glog.Warningf("%s update attempt %d/%d failed: %s", dev.Type(), res.Attempts, maxAttempts, err)
		opts.reportf("Attempt %d/%d failed: %s, retrying", res.Attempts, maxAttempts, err)
	}
	b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(maxAttempts-1))
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if maxAttempts > 1 && res.Attempts >= maxAttempts && retryable(err) {
			e, _ := AsError(err)
			return res, &Error{
				Kind:  KindRetriesExhausted,
				Phase: e.Phase,
				Block: e.Block,
				Msg:   fmt.Sprintf("Update failed: retries exhausted after %d attempts", res.Attempts),
				Err:   err,
			}
		}
		return res, errors.Trace(err)
	}
	res.BytesWritten = im.Size()

	if dev.Type() == ProfileLegacy {
		opts.reportf("Update successful, rebooting uC")
	}
	if err := dev.Apply(); err != nil {
		return res, inPhase(err, PhaseApply, 0)
	}
	if dev.Type() == ProfileCommon {
		opts.reportf("Update succeeded. On the next reboot the microcontroller update " +
			"will be live. This will force the USB console device to " +
			"disconnect momentarily while the update applies.")
	}
	return res, nil
}

// writeImage is one open, write, verify, close attempt.
func writeImage(dev Device, im *Image, opts *FlashOpts) error {
	t := &opts.Timing
	total := im.Size()

	if err := dev.OpenFlash(uint32(total)); err != nil {
		return inPhase(err, PhaseOpen, 0)
	}

	buf := make([]byte, BlockSize)
	st := StatusReady
	for i := 0; i < im.NumBlocks(); i++ {
		opts.progress(i*BlockSize, total)
		if err := im.ReadBlock(i, buf); err != nil {
			return err
		}
		crc := CRC8(buf)
		glog.V(2).Infof("block %d crc 0x%02x", i, crc)
		if err := dev.WriteBlock(buf, crc); err != nil {
			return inPhase(err, PhaseBlock, i)
		}

		// Block decryption and the flash write run with interrupts off.
		opts.sleep(t.BlockDelay)
		var stuck bool
		var err error
		st, stuck, err = pollWhile(dev, StatusWait, t.MaxPolls, t.PollInterval, opts.sleep)
		if err != nil {
			return inPhase(err, PhaseBlock, i)
		}
		if stuck {
			return &Error{
				Kind: KindDeviceBusy, Phase: PhaseBlock, Block: i, Status: st,
				Msg: fmt.Sprintf("device still busy after %d polls", t.MaxPolls),
			}
		}
		glog.V(2).Infof("block %d status %s", i, st)
		if !st.blockAccepted() {
			e := deviceError(PhaseBlock, st)
			e.Block = i
			return e
		}
	}
	opts.progress(total, total)

	// IN_PROC here means the device got less data than it was told to expect.
	if st != StatusDone {
		return &Error{
			Kind: KindDeviceReported, Phase: PhaseVerify, Status: st,
			Msg: fmt.Sprintf("Update failed: device reports %s after all %d bytes were sent", st, total),
		}
	}
	opts.reportf("Wrote %d byte supervisor update", total)

	if err := dev.CloseFlash(); err != nil {
		return inPhase(err, PhaseClose, 0)
	}
	return nil
}

// retryable reports whether a fresh attempt may succeed. Image read errors
// are not: the file itself can no longer be trusted.
func retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindDeviceBusy, KindOpenFailed, KindDeviceReported:
		return true
	}
	return false
}
