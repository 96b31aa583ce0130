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
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Common profile register map. Each register is a 16-bit little-endian word.
const (
	RegModel     uint16 = 0
	RegRevInfo   uint16 = 1
	RegFeatures0 uint16 = 3

	RegFlashMagicKey0 uint16 = 0xfe00
	RegFlashSize0     uint16 = 0xfe06
	// 128 bytes, 64 registers.
	RegFlashBlockData uint16 = 0xfe09
	RegFlashBlockCRC  uint16 = 0xfe49
	RegFlashCmd       uint16 = 0xfe4a
	RegFlashStatus    uint16 = 0xfe4b
)

// FlashCmd is written to RegFlashCmd.
type FlashCmd uint16

const (
	CmdWriteBlock  FlashCmd = 1 << 0
	CmdOpenFlash   FlashCmd = 1 << 1
	CmdCloseFlash  FlashCmd = 1 << 2
	CmdApplyReboot FlashCmd = 1 << 3
)

const (
	revDirtyBit = 1 << 15
	// Set in RegFlashStatus once CmdApplyReboot is accepted. Bits 7:0 are
	// the FlashStatus.
	statusUpdateOnReboot = 1 << 8

	// DefaultAttempts is the common profile open/write/close attempt budget.
	DefaultAttempts = 10
)

type commonDevice struct {
	bus      Bus
	timing   Timing
	sleep    func(time.Duration)
	attempts int
}

// SetAttempts overrides the attempt budget of a common profile device.
// It is a no-op for other profiles.
func SetAttempts(d Device, n int) {
	if cd, ok := d.(*commonDevice); ok && n > 0 {
		cd.attempts = n
	}
}

func (d *commonDevice) Type() ProfileType { return ProfileCommon }
func (d *commonDevice) Attempts() int     { return d.attempts }

func (d *commonDevice) readReg16(reg uint16) (uint16, error) {
	var buf [2]byte
	if err := d.bus.ReadReg(reg, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (d *commonDevice) writeReg16(reg, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return d.bus.WriteReg(reg, buf[:])
}

func (d *commonDevice) writeReg32(reg uint16, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return d.bus.WriteReg(reg, buf[:])
}

func (d *commonDevice) command(phase Phase, cmd FlashCmd) error {
	glog.V(2).Infof("flash cmd 0x%x", uint16(cmd))
	if err := d.writeReg16(RegFlashCmd, uint16(cmd)); err != nil {
		return transportError(phase, err, "Failed to write flash command 0x%x", uint16(cmd))
	}
	return nil
}

func (d *commonDevice) Info() (*DeviceInfo, error) {
	model, err := d.readReg16(RegModel)
	if err != nil {
		return nil, transportError(PhaseCheck, err, "Unable to get model")
	}
	rev, err := d.readReg16(RegRevInfo)
	if err != nil {
		return nil, transportError(PhaseCheck, err, "Unable to get revision")
	}
	feat, err := d.readReg16(RegFeatures0)
	if err != nil {
		return nil, transportError(PhaseCheck, err, "Unable to get features")
	}
	glog.V(1).Infof("common info: model 0x%04x rev 0x%04x features 0x%04x", model, rev, feat)
	return &DeviceInfo{
		Model:    model,
		HasModel: true,
		Revision: rev &^ revDirtyBit,
		Dirty:    rev&revDirtyBit != 0,
		Features: Features(feat),
	}, nil
}

func (d *commonDevice) OpenFlash(size uint32) error {
	if err := d.writeReg32(RegFlashMagicKey0, MagicKey); err != nil {
		return transportError(PhaseOpen, err, "Failed to write magic key")
	}
	if err := d.writeReg32(RegFlashSize0, size); err != nil {
		return transportError(PhaseOpen, err, "Failed to write bin length")
	}

	// Flash may still be open from an earlier, interrupted run.
	st, err := d.PollStatus()
	if err != nil {
		return inPhase(err, PhaseOpen, 0)
	}
	if st != StatusClosed {
		glog.V(1).Infof("flash is %s, closing first", st)
		if err := d.command(PhaseOpen, CmdCloseFlash); err != nil {
			return err
		}
		st, ok, err := pollUntil(d, StatusClosed, d.timing.MaxPolls, d.timing.PollInterval, d.sleep)
		if err != nil {
			return inPhase(err, PhaseOpen, 0)
		}
		if !ok {
			return &Error{Kind: KindDeviceBusy, Phase: PhaseOpen, Status: st, Msg: fmt.Sprintf("Couldn't re-close flash (status %s)", st)}
		}
	}

	if err := d.command(PhaseOpen, CmdOpenFlash); err != nil {
		return err
	}
	d.sleep(d.timing.SettleDelay)
	st, err = d.PollStatus()
	if err != nil {
		return inPhase(err, PhaseOpen, 0)
	}
	if st != StatusReady {
		msg := "Failed to open flash!"
		if st != StatusClosed {
			msg = fmt.Sprintf("%s %s", msg, st.Describe())
		}
		return &Error{Kind: KindOpenFailed, Phase: PhaseOpen, Status: st, Msg: msg}
	}
	return nil
}

func (d *commonDevice) WriteBlock(block []byte, crc uint8) error {
	if err := d.bus.WriteReg(RegFlashBlockData, block); err != nil {
		return transportError("", err, "Failed to write block data")
	}
	if err := d.writeReg16(RegFlashBlockCRC, uint16(crc)); err != nil {
		return transportError("", err, "Failed to write block crc")
	}
	return d.command("", CmdWriteBlock)
}

func (d *commonDevice) PollStatus() (FlashStatus, error) {
	v, err := d.readReg16(RegFlashStatus)
	if err != nil {
		return 0, transportError("", err, "Failed to read flash status")
	}
	if v&statusUpdateOnReboot != 0 {
		glog.V(2).Infof("update pending on reboot")
	}
	return FlashStatus(v & 0xff), nil
}

func (d *commonDevice) CloseFlash() error {
	if err := d.command(PhaseClose, CmdCloseFlash); err != nil {
		return err
	}
	st, ok, err := pollUntil(d, StatusClosed, d.timing.ClosePolls, d.timing.PollInterval, d.sleep)
	if err != nil {
		return inPhase(err, PhaseClose, 0)
	}
	if !ok {
		return &Error{Kind: KindDeviceBusy, Phase: PhaseClose, Status: st, Msg: fmt.Sprintf("flash did not close (status %s)", st)}
	}
	return nil
}

// Apply asks the micro to swap in the staged image on the next host reboot.
// It does not reset the micro now.
func (d *commonDevice) Apply() error {
	return d.command(PhaseApply, CmdApplyReboot)
}
