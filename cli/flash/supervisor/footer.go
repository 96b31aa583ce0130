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
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	// BlockSize is the unit of transfer and of device-side CRC checking.
	BlockSize = 128
	// MaxImageSize is the largest payload the supervisor flash can stage.
	MaxImageSize = 128 * 1024
)

// FooterMagic terminates every update image.
var FooterMagic = []byte("TS_UC_RA4M2")

// FooterLayout is the byte offset table of one footer variant. Fields are
// always decoded at these offsets, never by overlaying a struct, so the
// layout does not depend on compiler packing.
type FooterLayout struct {
	Name string
	Size int

	binSizeOff  int
	modelOff    int // -1: no model field
	revisionOff int
	revisionLen int // 1 or 2 bytes
	flagsOff    int
	miscOff     int
	versionOff  int
	magicOff    int
}

var (
	// LegacyFooter is the 19-byte footer used by legacy profile images:
	// bin_size:4 revision:1 flags:1 misc:1 footer_version:1 magic:11.
	LegacyFooter = &FooterLayout{
		Name:        "legacy",
		Size:        19,
		binSizeOff:  0,
		modelOff:    -1,
		revisionOff: 4,
		revisionLen: 1,
		flagsOff:    5,
		miscOff:     6,
		versionOff:  7,
		magicOff:    8,
	}

	// ExtendedFooter is the 22-byte footer used by common profile images:
	// bin_size:4 model:2 revision:2 flags:1 misc:1 footer_version:1 magic:11.
	ExtendedFooter = &FooterLayout{
		Name:        "extended",
		Size:        22,
		binSizeOff:  0,
		modelOff:    4,
		revisionOff: 6,
		revisionLen: 2,
		flagsOff:    8,
		miscOff:     9,
		versionOff:  10,
		magicOff:    11,
	}
)

// HasModel reports whether the layout carries a target model number.
func (l *FooterLayout) HasModel() bool {
	return l.modelOff >= 0
}

// Footer is the decoded image trailer. All multi-byte fields are little-endian.
type Footer struct {
	BinSize  uint32
	Model    uint16
	HasModel bool
	Revision uint16
	Flags    uint8
	Misc     uint8
	Version  uint8
}

// Decode extracts footer fields from exactly l.Size bytes. Only the magic is
// checked here, size constraints are left to ParseFooter.
func (l *FooterLayout) Decode(data []byte) (*Footer, error) {
	if len(data) != l.Size {
		return nil, newError(KindInvalidFormat, PhaseFooter, "%s footer is %d bytes, got %d", l.Name, l.Size, len(data))
	}
	if !bytes.Equal(data[l.magicOff:l.magicOff+len(FooterMagic)], FooterMagic) {
		return nil, newError(KindInvalidFormat, PhaseFooter, "Invalid update file")
	}
	f := &Footer{
		BinSize: binary.LittleEndian.Uint32(data[l.binSizeOff:]),
		Flags:   data[l.flagsOff],
		Misc:    data[l.miscOff],
		Version: data[l.versionOff],
	}
	if l.revisionLen == 2 {
		f.Revision = binary.LittleEndian.Uint16(data[l.revisionOff:])
	} else {
		f.Revision = uint16(data[l.revisionOff])
	}
	if l.HasModel() {
		f.HasModel = true
		f.Model = binary.LittleEndian.Uint16(data[l.modelOff:])
	}
	return f, nil
}

// Encode serializes f in this layout, magic included. Fields the layout
// cannot represent (model, high revision byte) are dropped.
func (l *FooterLayout) Encode(f *Footer) []byte {
	data := make([]byte, l.Size)
	binary.LittleEndian.PutUint32(data[l.binSizeOff:], f.BinSize)
	if l.HasModel() {
		binary.LittleEndian.PutUint16(data[l.modelOff:], f.Model)
	}
	if l.revisionLen == 2 {
		binary.LittleEndian.PutUint16(data[l.revisionOff:], f.Revision)
	} else {
		data[l.revisionOff] = uint8(f.Revision)
	}
	data[l.flagsOff] = f.Flags
	data[l.miscOff] = f.Misc
	data[l.versionOff] = f.Version
	copy(data[l.magicOff:], FooterMagic)
	return data
}

// ParseFooter reads and validates the footer at the end of an image of the
// given total size. With strict set, the declared payload size must account
// for every byte before the footer.
func ParseFooter(r io.ReaderAt, size int64, l *FooterLayout, strict bool) (*Footer, error) {
	if size < int64(l.Size) {
		return nil, newError(KindInvalidFormat, PhaseFooter,
			"image is %d bytes, shorter than the %d byte %s footer", size, l.Size, l.Name)
	}
	data := make([]byte, l.Size)
	n, err := r.ReadAt(data, size-int64(l.Size))
	if n != l.Size {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, &Error{Kind: KindIO, Phase: PhaseFooter, Msg: "Did not read correct footer size", Err: err}
	}
	f, err := l.Decode(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(1).Infof("%s footer: size %d model 0x%04x rev %d flags 0x%02x misc 0x%02x ver %d",
		l.Name, f.BinSize, f.Model, f.Revision, f.Flags, f.Misc, f.Version)
	if f.BinSize == 0 || f.BinSize > MaxImageSize {
		return nil, newError(KindSizeOutOfRange, PhaseFooter,
			"Bin size is incorrect: %d not in (0, %d]", f.BinSize, MaxImageSize)
	}
	if f.BinSize%BlockSize != 0 {
		return nil, newError(KindMisalignedImage, PhaseFooter,
			"Update binary is not %d-byte aligned (%d bytes)", BlockSize, f.BinSize)
	}
	if strict && int64(f.BinSize) != size-int64(l.Size) {
		return nil, newError(KindSizeMismatch, PhaseFooter,
			"Bin size is incorrect: footer says %d, file holds %d", f.BinSize, size-int64(l.Size))
	}
	return f, nil
}

// Image is an update file opened for one update attempt. It is never written.
type Image struct {
	Footer *Footer

	r      io.ReaderAt
	closer io.Closer
}

// NewImage validates the footer of an in-memory or already opened image.
func NewImage(r io.ReaderAt, size int64, l *FooterLayout, strict bool) (*Image, error) {
	f, err := ParseFooter(r, size, l, strict)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Image{Footer: f, r: r}, nil
}

// OpenImage opens and validates an update file.
func OpenImage(path string, l *FooterLayout, strict bool) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Kind: KindIO, Phase: PhaseFooter, Msg: "Unable to open update file", Err: err}
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &Error{Kind: KindIO, Phase: PhaseFooter, Msg: "Unable to stat update file", Err: err}
	}
	im, err := NewImage(f, st.Size(), l, strict)
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "%s", path)
	}
	im.closer = f
	return im, nil
}

// Close releases the underlying file, if any.
func (im *Image) Close() error {
	if im.closer == nil {
		return nil
	}
	return im.closer.Close()
}

// Size returns the payload size declared by the footer.
func (im *Image) Size() int {
	return int(im.Footer.BinSize)
}

// NumBlocks returns the number of BlockSize blocks in the payload.
func (im *Image) NumBlocks() int {
	return im.Size() / BlockSize
}

// ReadBlock reads payload block i into buf, which must be BlockSize long.
// A short read is fatal: the file changed under us or lied about its size.
func (im *Image) ReadBlock(i int, buf []byte) error {
	n, err := im.r.ReadAt(buf[:BlockSize], int64(i)*BlockSize)
	if n != BlockSize {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return &Error{
			Kind: KindIO, Phase: PhaseBlock, Block: i,
			Msg: fmt.Sprintf("Short read from bin, got %d, expected %d", n, BlockSize),
			Err: err,
		}
	}
	return nil
}
