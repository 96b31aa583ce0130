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

import "github.com/sigurn/crc8"

// CRC-8, poly 0x07, init 0x00, no reflection, no final xor. The device checks
// both the legacy open header and every flash block with it.
var crcTable = crc8.MakeTable(crc8.CRC8)

// CRC8 computes the block checksum expected by the supervisor.
func CRC8(data []byte) uint8 {
	return crc8.Checksum(data, crcTable)
}
