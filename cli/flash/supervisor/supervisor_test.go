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
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSupervisor is a simulated micro speaking either profile over Bus.
type fakeSupervisor struct {
	legacy   bool
	model    uint16
	rev      uint16
	features uint16

	status FlashStatus
	magic  uint32
	size   uint32
	block  [BlockSize]byte
	crc    uint16
	flash  []byte
	header []byte

	// Reported instead of Ready after a valid open request.
	openStatus FlashStatus
	// Wait reads reported after every block, -1 for forever.
	waits   int
	pending int
	// Status reported instead of accepting the n-th block written, counted
	// across attempts.
	failAt map[int]FlashStatus

	writes      int
	blockWrites int
	statusReads int
	opens       int
	closes      int
	applied     bool
	reset       bool
}

func newCommonFake(model, rev uint16) *fakeSupervisor {
	return &fakeSupervisor{model: model, rev: rev, features: uint16(FeatureFWUpd | FeatureRSTC)}
}

func newLegacyFake(rev uint16) *fakeSupervisor {
	return &fakeSupervisor{legacy: true, rev: rev}
}

func (f *fakeSupervisor) profile() ProfileType {
	if f.legacy {
		return ProfileLegacy
	}
	return ProfileCommon
}

func (f *fakeSupervisor) readStatus() FlashStatus {
	f.statusReads++
	if f.pending != 0 {
		if f.pending > 0 {
			f.pending--
		}
		return StatusWait
	}
	return f.status
}

func (f *fakeSupervisor) open(magic, size uint32) {
	f.opens++
	if magic != MagicKey || f.status != StatusClosed {
		return
	}
	f.size = size
	f.flash = nil
	f.status = StatusReady
	if f.openStatus != 0 {
		f.status = f.openStatus
	}
}

func (f *fakeSupervisor) acceptBlock(data []byte, crc uint8) {
	n := f.blockWrites
	f.blockWrites++
	f.pending = f.waits
	if st, ok := f.failAt[n]; ok {
		f.status = st
		return
	}
	if CRC8(data) != crc {
		f.status = StatusCRCError
		return
	}
	if f.status != StatusReady && f.status != StatusInProcess {
		f.status = StatusWriteError
		return
	}
	f.flash = append(f.flash, data...)
	if len(f.flash) >= int(f.size) {
		f.status = StatusDone
	} else {
		f.status = StatusInProcess
	}
}

func (f *fakeSupervisor) ReadReg(reg uint16, buf []byte) error {
	if f.legacy {
		return fmt.Errorf("legacy micro has no registers")
	}
	var v uint16
	switch reg {
	case RegModel:
		v = f.model
	case RegRevInfo:
		v = f.rev
	case RegFeatures0:
		v = f.features
	case RegFlashStatus:
		v = uint16(f.readStatus())
		if f.applied {
			v |= statusUpdateOnReboot
		}
	default:
		return fmt.Errorf("read of unexpected register 0x%x", reg)
	}
	binary.LittleEndian.PutUint16(buf, v)
	return nil
}

func (f *fakeSupervisor) WriteReg(reg uint16, data []byte) error {
	if f.legacy {
		return fmt.Errorf("legacy micro has no registers")
	}
	f.writes++
	switch reg {
	case RegFlashMagicKey0:
		f.magic = binary.LittleEndian.Uint32(data)
	case RegFlashSize0:
		f.size = binary.LittleEndian.Uint32(data)
	case RegFlashBlockData:
		copy(f.block[:], data)
	case RegFlashBlockCRC:
		f.crc = binary.LittleEndian.Uint16(data)
	case RegFlashCmd:
		switch FlashCmd(binary.LittleEndian.Uint16(data)) {
		case CmdOpenFlash:
			f.open(f.magic, f.size)
		case CmdWriteBlock:
			f.acceptBlock(f.block[:], uint8(f.crc))
		case CmdCloseFlash:
			f.closes++
			f.pending = 0
			f.status = StatusClosed
		case CmdApplyReboot:
			f.applied = true
		}
	default:
		return fmt.Errorf("write to unexpected register 0x%x", reg)
	}
	return nil
}

func (f *fakeSupervisor) ReadStream(buf []byte) error {
	switch len(buf) {
	case legacyInfoLen:
		for i := range buf {
			buf[i] = 0
		}
		binary.BigEndian.PutUint16(buf[30:], f.rev)
	case 1:
		buf[0] = byte(f.readStatus())
	default:
		return fmt.Errorf("unexpected %d byte stream read", len(buf))
	}
	return nil
}

func (f *fakeSupervisor) WriteStream(data []byte) error {
	f.writes++
	switch len(data) {
	case legacyOpenHeaderLen:
		f.header = append([]byte(nil), data...)
		if CRC8(data[:12]) != data[12] {
			return nil
		}
		f.open(binary.LittleEndian.Uint32(data[0:]), binary.LittleEndian.Uint32(data[8:]))
	case BlockSize + 1:
		f.acceptBlock(data[:BlockSize], data[BlockSize])
	case 1:
		if FlashStatus(data[0]) == StatusReset {
			f.reset = true
		}
	default:
		return fmt.Errorf("unexpected %d byte stream write", len(data))
	}
	return nil
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func testImageData(l *FooterLayout, payload []byte, f Footer) []byte {
	f.BinSize = uint32(len(payload))
	data := append([]byte(nil), payload...)
	return append(data, l.Encode(&f)...)
}

func testImage(t *testing.T, l *FooterLayout, payload []byte, f Footer) *Image {
	data := testImageData(l, payload, f)
	im, err := NewImage(bytes.NewReader(data), int64(len(data)), l, true)
	require.NoError(t, err)
	return im
}

func testOpts() *FlashOpts {
	return &FlashOpts{
		Timing:  DefaultTiming(),
		Sleep:   func(time.Duration) {},
		Reportf: func(string, ...interface{}) {},
	}
}

func testDevice(t *testing.T, f *fakeSupervisor, opts *FlashOpts) Device {
	d, err := NewDevice(f.profile(), f, opts.Timing, opts.Sleep)
	require.NoError(t, err)
	return d
}
