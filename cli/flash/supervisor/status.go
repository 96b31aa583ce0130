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

import "fmt"

// FlashStatus is the state of the supervisor's flashwrite process as reported
// by the device.
type FlashStatus uint8

const (
	// Default state, flash is not open.
	StatusClosed FlashStatus = 0x00
	// Flash is open and erased, no data written yet.
	StatusReady FlashStatus = 0xaa
	// The full length announced at open time has been written.
	StatusDone FlashStatus = 0x01
	// Some, but not all, of the announced length has been written.
	StatusInProcess FlashStatus = 0x02
	// A block failed its CRC check. Not set for a bad open header, the
	// device simply stays closed in that case.
	StatusCRCError   FlashStatus = 0x03
	StatusEraseError FlashStatus = 0x04
	StatusWriteError FlashStatus = 0x05
	// Erase succeeded but the target area was not blank.
	StatusNotBlank FlashStatus = 0x06
	// BSP failure opening or closing flash.
	StatusOpenError FlashStatus = 0x07
	// Device is busy processing a block.
	StatusWait FlashStatus = 0x08
	// Write-only: ask the micro to reboot (legacy profile).
	StatusReset FlashStatus = 0x55
)

func (s FlashStatus) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusReady:
		return "ready"
	case StatusDone:
		return "done"
	case StatusInProcess:
		return "in process"
	case StatusCRCError:
		return "crc error"
	case StatusEraseError:
		return "erase error"
	case StatusWriteError:
		return "write error"
	case StatusNotBlank:
		return "not blank"
	case StatusOpenError:
		return "open error"
	case StatusWait:
		return "wait"
	case StatusReset:
		return "reset"
	default:
		return fmt.Sprintf("???(0x%02x)", uint8(s))
	}
}

// Describe returns the operator-facing explanation of a failure status.
func (s FlashStatus) Describe() string {
	switch s {
	case StatusOpenError:
		return "Flash failed to open!"
	case StatusNotBlank:
		return "Flash not blank"
	case StatusEraseError:
		return "Flash failed to erase!"
	case StatusWriteError:
		return "Flash failed to write!"
	case StatusCRCError:
		return "Flash received bad data CRC!"
	default:
		return "Unknown flash failure"
	}
}

// blockAccepted reports whether s means the device took the last block.
func (s FlashStatus) blockAccepted() bool {
	return s == StatusInProcess || s == StatusDone
}
