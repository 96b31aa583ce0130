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
)

// Bus is the register-addressed link to the supervisor. Register addresses
// and multi-byte values are little-endian on the wire. Implementations may
// retry transient failures; profiles never do.
type Bus interface {
	// ReadReg writes the register address then reads len(buf) bytes.
	ReadReg(reg uint16, buf []byte) error
	// WriteReg writes the register address followed by data.
	WriteReg(reg uint16, data []byte) error
	// ReadStream reads len(buf) bytes with no register address.
	ReadStream(buf []byte) error
	// WriteStream writes data with no register address.
	WriteStream(data []byte) error
}

// ProfileType selects a register map.
type ProfileType int

const (
	ProfileLegacy ProfileType = iota
	ProfileCommon
)

func (pt ProfileType) String() string {
	switch pt {
	case ProfileLegacy:
		return "legacy"
	case ProfileCommon:
		return "common"
	default:
		return fmt.Sprintf("???(%d)", int(pt))
	}
}

// FooterLayout is the image footer variant the profile accepts.
func (pt ProfileType) FooterLayout() *FooterLayout {
	if pt == ProfileLegacy {
		return LegacyFooter
	}
	return ExtendedFooter
}

// ParseProfileType is the inverse of ProfileType.String. "v0" and "v1" are
// accepted as aliases.
func ParseProfileType(s string) (ProfileType, error) {
	switch s {
	case "legacy", "v0":
		return ProfileLegacy, nil
	case "common", "v1":
		return ProfileCommon, nil
	}
	return 0, fmt.Errorf("unknown profile %q", s)
}

// Features is the common profile FEATURES0 register.
type Features uint16

const (
	FeatureRSTC  Features = 1 << 0
	FeatureFWUpd Features = 1 << 1
	FeatureSN    Features = 1 << 2
)

func (f Features) Has(bit Features) bool {
	return f&bit != 0
}

// DeviceInfo is the live identity of the supervisor, read fresh every run.
type DeviceInfo struct {
	// Model is only valid if HasModel is set; legacy firmware does not
	// expose it.
	Model    uint16
	HasModel bool
	// Revision with the dirty bit masked off.
	Revision uint16
	// Dirty is set while a staged update is waiting to be applied.
	Dirty    bool
	Features Features
}

// CanUpdate reports whether the firmware supports field updates.
func (di *DeviceInfo) CanUpdate() bool {
	return di.Features.Has(FeatureFWUpd)
}

// Timing holds the device-side delays and poll budgets. Delays exist to
// respect flash erase and block processing time and must not be shortened on
// real hardware.
type Timing struct {
	// Before touching flash, let console output drain.
	PreFlashDelay time.Duration
	// After the open request, for erase and blank check. The device runs
	// with interrupts off during this time and stalls the bus.
	SettleDelay time.Duration
	// After each block, before polling.
	BlockDelay time.Duration
	// Between status polls.
	PollInterval time.Duration
	// Status reads allowed while the device reports Wait.
	MaxPolls int
	// Status reads allowed while waiting for Closed.
	ClosePolls int
	// Around the legacy reset request.
	ResetDelay time.Duration
}

// DefaultTiming matches the supervisor firmware's documented behaviour.
func DefaultTiming() Timing {
	return Timing{
		PreFlashDelay: 10 * time.Millisecond,
		SettleDelay:   time.Second,
		BlockDelay:    2 * time.Millisecond,
		PollInterval:  10 * time.Microsecond,
		MaxPolls:      100,
		ClosePolls:    100,
		ResetDelay:    time.Second,
	}
}

// Device is one register map of the supervisor flash protocol. The update
// engine drives every profile through this interface.
type Device interface {
	Type() ProfileType
	// Attempts is the number of full open/write/close attempts allowed.
	Attempts() int

	Info() (*DeviceInfo, error)
	// OpenFlash announces an image of size bytes and waits until the
	// device reports Ready.
	OpenFlash(size uint32) error
	// WriteBlock sends one BlockSize block and its CRC.
	WriteBlock(block []byte, crc uint8) error
	PollStatus() (FlashStatus, error)
	// CloseFlash ends the write session and waits for Closed.
	CloseFlash() error
	// Apply makes the new image live: on the next host reboot (common) or
	// immediately by resetting the micro (legacy).
	Apply() error
}

// NewDevice returns the profile implementation for pt.
func NewDevice(pt ProfileType, bus Bus, t Timing, sleep func(time.Duration)) (Device, error) {
	if sleep == nil {
		sleep = time.Sleep
	}
	switch pt {
	case ProfileLegacy:
		return &legacyDevice{bus: bus, timing: t, sleep: sleep}, nil
	case ProfileCommon:
		return &commonDevice{bus: bus, timing: t, sleep: sleep, attempts: DefaultAttempts}, nil
	}
	return nil, fmt.Errorf("unsupported update profile %s", pt)
}

// pollWhile reads status until it differs from st or the budget runs out.
// It returns the last status read and whether it still equals st.
func pollWhile(d Device, st FlashStatus, polls int, interval time.Duration, sleep func(time.Duration)) (FlashStatus, bool, error) {
	cur := st
	for i := 0; i < polls; i++ {
		sleep(interval)
		var err error
		cur, err = d.PollStatus()
		if err != nil {
			return cur, false, err
		}
		if cur != st {
			return cur, false, nil
		}
	}
	return cur, true, nil
}

// pollUntil reads status until it equals want or the budget runs out.
func pollUntil(d Device, want FlashStatus, polls int, interval time.Duration, sleep func(time.Duration)) (FlashStatus, bool, error) {
	var cur FlashStatus
	for i := 0; i < polls; i++ {
		sleep(interval)
		var err error
		cur, err = d.PollStatus()
		if err != nil {
			return cur, false, err
		}
		if cur == want {
			return cur, true, nil
		}
	}
	return cur, false, nil
}
