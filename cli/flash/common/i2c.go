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
package common

import (
	"encoding/binary"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/juju/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	// StreamReadAttempts is how many times a raw stream read is tried. The
	// legacy micro NAKs reads while it is busy with flash.
	StreamReadAttempts = 10

	// The kernel caps one I2C message at 4k, two bytes go to the address.
	maxRegWrite = 4094
)

// I2CDevice is a supervisor at a fixed address on an I2C bus.
type I2CDevice struct {
	dev    i2c.Dev
	closer func() error
}

// OpenI2C opens I2C bus number bus and addresses the device at addr on it.
func OpenI2C(bus int, addr uint16) (*I2CDevice, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotatef(err, "failed to initialize host drivers")
	}
	b, err := i2creg.Open(strconv.Itoa(bus))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open I2C bus %d", bus)
	}
	glog.V(1).Infof("opened %s, device 0x%02x", b, addr)
	d := NewI2CDevice(b, addr)
	d.closer = b.Close
	return d, nil
}

// NewI2CDevice addresses addr on an already open bus. Close does not close b.
func NewI2CDevice(b i2c.Bus, addr uint16) *I2CDevice {
	return &I2CDevice{dev: i2c.Dev{Bus: b, Addr: addr}}
}

func (d *I2CDevice) String() string {
	return d.dev.String()
}

// ReadReg writes the little-endian register address, then reads len(buf)
// bytes in the same transaction.
func (d *I2CDevice) ReadReg(reg uint16, buf []byte) error {
	var a [2]byte
	binary.LittleEndian.PutUint16(a[:], reg)
	if err := d.dev.Tx(a[:], buf); err != nil {
		return errors.Annotatef(err, "read of %d bytes at 0x%04x", len(buf), reg)
	}
	glog.V(3).Infof("R 0x%04x: % x", reg, buf)
	return nil
}

// WriteReg writes the little-endian register address followed by data in one
// message.
func (d *I2CDevice) WriteReg(reg uint16, data []byte) error {
	if len(data) > maxRegWrite {
		return errors.Errorf("register write of %d bytes exceeds the %d byte limit", len(data), maxRegWrite)
	}
	w := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(w, reg)
	copy(w[2:], data)
	glog.V(3).Infof("W 0x%04x: % x", reg, data)
	if err := d.dev.Tx(w, nil); err != nil {
		return errors.Annotatef(err, "write of %d bytes at 0x%04x", len(data), reg)
	}
	return nil
}

// ReadStream reads len(buf) bytes with no address phase, retrying up to
// StreamReadAttempts times.
func (d *I2CDevice) ReadStream(buf []byte) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return d.dev.Tx(nil, buf)
	}, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, StreamReadAttempts-1))
	if err != nil {
		return errors.Annotatef(err, "stream read of %d bytes failed after %d attempts", len(buf), attempt)
	}
	if attempt > 1 {
		glog.V(1).Infof("stream read took %d attempts", attempt)
	}
	glog.V(3).Infof("R: % x", buf)
	return nil
}

// WriteStream writes data with no address phase.
func (d *I2CDevice) WriteStream(data []byte) error {
	glog.V(3).Infof("W: % x", data)
	if err := d.dev.Tx(data, nil); err != nil {
		return errors.Annotatef(err, "stream write of %d bytes", len(data))
	}
	return nil
}

// Close releases the bus if OpenI2C opened it.
func (d *I2CDevice) Close() error {
	if d.closer == nil {
		return nil
	}
	return errors.Trace(d.closer())
}
