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
// Package board maps a platform identity to where its supervisor lives and
// how to talk to it.
package board

import (
	"bytes"
	"io/ioutil"
	"strings"

	"github.com/embeddedts/supervisor-update/cli/flash/supervisor"
	"github.com/golang/glog"
	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"
)

const DefaultCompatibleFile = "/sys/firmware/devicetree/base/compatible"

type Board struct {
	// Compatible is matched as a substring of the devicetree compatible list.
	Compatible string `yaml:"compatible"`
	Bus        int    `yaml:"bus"`
	Address    uint16 `yaml:"address"`
	Model      uint16 `yaml:"model"`
	// Profile is "legacy" or "common".
	Profile string `yaml:"profile"`
}

// ProfileType returns the parsed register profile of the board.
func (b *Board) ProfileType() (supervisor.ProfileType, error) {
	pt, err := supervisor.ParseProfileType(b.Profile)
	if err != nil {
		return 0, errors.Annotatef(err, "board %s", b.Compatible)
	}
	return pt, nil
}

func (b *Board) String() string {
	return b.Compatible
}

// Table is an ordered list of boards, the first match wins.
type Table struct {
	Boards []*Board `yaml:"boards"`
}

// Builtin returns the boards the tool knows about out of the box.
func Builtin() *Table {
	return &Table{Boards: []*Board{
		{Compatible: "technologic,imx6q-ts7970", Bus: 0, Address: 0x10, Model: 0x7970, Profile: "legacy"},
		{Compatible: "technologic,imx6dl-ts7970", Bus: 0, Address: 0x10, Model: 0x7970, Profile: "legacy"},
		{Compatible: "technologic,ts7250v3", Bus: 0, Address: 0x10, Model: 0x7250, Profile: "common"},
	}}
}

// Parse decodes a YAML board table and checks every entry.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return nil, errors.Trace(err)
	}
	for i, b := range t.Boards {
		if b.Compatible == "" {
			return nil, errors.Errorf("board %d: no compatible string", i)
		}
		if _, err := b.ProfileType(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return &t, nil
}

// LoadFile reads a YAML board table.
func LoadFile(path string) (*Table, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	return t, nil
}

// Merge returns a table with the entries of other ahead of those in t.
// Entries of t with the same compatible string as one in other are dropped.
func (t *Table) Merge(other *Table) *Table {
	res := &Table{}
	seen := map[string]bool{}
	for _, b := range other.Boards {
		res.Boards = append(res.Boards, b)
		seen[b.Compatible] = true
	}
	for _, b := range t.Boards {
		if !seen[b.Compatible] {
			res.Boards = append(res.Boards, b)
		}
	}
	return res
}

// Lookup returns the first board whose compatible string occurs in any of
// compatibles.
func (t *Table) Lookup(compatibles ...string) (*Board, error) {
	for _, b := range t.Boards {
		for _, c := range compatibles {
			if strings.Contains(c, b.Compatible) {
				glog.V(1).Infof("%q matches board %s", c, b)
				return b, nil
			}
		}
	}
	return nil, errors.Errorf("Unsupported board %s", strings.Join(compatibles, ", "))
}

// Detect reads the NUL separated devicetree compatible list at path and looks
// the platform up in t.
func (t *Table) Detect(path string) (*Board, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "Unable to read compatible string")
	}
	var compatibles []string
	for _, c := range bytes.Split(data, []byte{0}) {
		if s := strings.TrimSpace(string(c)); s != "" {
			compatibles = append(compatibles, s)
		}
	}
	if len(compatibles) == 0 {
		return nil, errors.Errorf("%s is empty", path)
	}
	return t.Lookup(compatibles...)
}
