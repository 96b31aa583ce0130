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

// The legacy supervisor shipped with a fixed raw-stream I2C interface before
// field updates existed, so flashing is layered on top of it: no register
// addresses, a 32-byte status dump, and a single status byte during flashing.
const (
	// MagicKey only guards against stray bus writes opening flash, the image
	// itself is signed upstream.
	MagicKey uint32 = 0xf092c858

	legacyFlashLocation = 0x28000
	legacyOpenHeaderLen = 13
	legacyInfoLen       = 32
	// First revision of legacy firmware able to accept field updates.
	legacyMinUpdateRevision = 7
)

type legacyDevice struct {
	bus    Bus
	timing Timing
	sleep  func(time.Duration)
}

func (d *legacyDevice) Type() ProfileType { return ProfileLegacy }

// A failed legacy update cannot be safely re-entered.
func (d *legacyDevice) Attempts() int { return 1 }

func (d *legacyDevice) Info() (*DeviceInfo, error) {
	buf := make([]byte, legacyInfoLen)
	if err := d.bus.ReadStream(buf); err != nil {
		return nil, transportError(PhaseCheck, err, "Unable to get revision")
	}
	di := &DeviceInfo{
		Revision: binary.BigEndian.Uint16(buf[30:32]),
	}
	// No feature register, capability follows from the revision.
	if di.Revision >= legacyMinUpdateRevision {
		di.Features |= FeatureFWUpd
	}
	glog.V(1).Infof("legacy info: % x", buf)
	return di, nil
}

// OpenHeader is the legacy request that opens, erases and blank checks
// flash in one go.
type OpenHeader struct {
	MagicKey uint32
	Location uint32
	Length   uint32
}

// Marshal encodes the header followed by a CRC over the preceding 12 bytes.
func (h *OpenHeader) Marshal() []byte {
	buf := make([]byte, legacyOpenHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:], h.MagicKey)
	binary.LittleEndian.PutUint32(buf[4:], h.Location)
	binary.LittleEndian.PutUint32(buf[8:], h.Length)
	buf[12] = CRC8(buf[:12])
	return buf
}

func (d *legacyDevice) OpenFlash(size uint32) error {
	hdr := OpenHeader{MagicKey: MagicKey, Location: legacyFlashLocation, Length: size}
	if err := d.bus.WriteStream(hdr.Marshal()); err != nil {
		return transportError(PhaseOpen, err, "Failed to write header to I2C")
	}
	d.sleep(d.timing.SettleDelay)
	st, err := d.PollStatus()
	if err != nil {
		return transportError(PhaseOpen, err, "Failed to read device state")
	}
	if st != StatusReady {
		return &Error{
			Kind: KindOpenFailed, Phase: PhaseOpen, Status: st,
			Msg: fmt.Sprintf("Device failed to report as opened (status %s)", st),
		}
	}
	return nil
}

func (d *legacyDevice) WriteBlock(block []byte, crc uint8) error {
	buf := make([]byte, 0, BlockSize+1)
	buf = append(buf, block...)
	buf = append(buf, crc)
	if err := d.bus.WriteStream(buf); err != nil {
		return transportError("", err, "Failed to write block")
	}
	return nil
}

func (d *legacyDevice) PollStatus() (FlashStatus, error) {
	var b [1]byte
	if err := d.bus.ReadStream(b[:]); err != nil {
		return 0, transportError("", err, "Failed to read flash status")
	}
	return FlashStatus(b[0]), nil
}

// Legacy firmware has no close command, flash closes once the announced
// length is written. Wait for it to leave the busy states, bounded.
func (d *legacyDevice) CloseFlash() error {
	st, err := d.PollStatus()
	if err != nil {
		return transportError(PhaseClose, err, "Failed to read flash status")
	}
	if st == StatusWait || st == StatusInProcess {
		var stuck bool
		st, stuck, err = pollWhile(d, st, d.timing.ClosePolls, d.timing.PollInterval, d.sleep)
		if err != nil {
			return transportError(PhaseClose, err, "Failed to read flash status")
		}
		if stuck {
			return newError(KindDeviceBusy, PhaseClose, "flash still %s after %d polls", st, d.timing.ClosePolls)
		}
	}
	glog.V(1).Infof("legacy close: status %s", st)
	return nil
}

// Apply resets the micro right away, legacy firmware has no deferred apply.
func (d *legacyDevice) Apply() error {
	d.sleep(d.timing.ResetDelay)
	if err := d.bus.WriteStream([]byte{byte(StatusReset)}); err != nil {
		return transportError(PhaseApply, err, "Failed to request micro reset")
	}
	d.sleep(d.timing.ResetDelay)
	return nil
}
