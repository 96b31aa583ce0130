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
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/embeddedts/supervisor-update/cli/flags"
	"github.com/embeddedts/supervisor-update/version"
)

var (
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
)

func run() error {
	if err := flags.ParseEnv(); err != nil {
		return errors.Trace(err)
	}
	if err := flags.Validate(); err != nil {
		if errors.Cause(err) == flags.ErrNoAction {
			usage()
		}
		return errors.Trace(err)
	}
	return errors.Trace(runSupervisorUpdate())
}

func main() {
	initFlags()
	flag.Parse()
	defer glog.Flush()

	if *helpFull {
		unhideFlags()
		usage()
		return
	} else if *versionFlag {
		fmt.Printf("%s\n%s", "embeddedTS supervisory microcontroller update utility", version.String())
		return
	}

	if err := run(); err != nil {
		glog.Infof("Error: %+v", err)
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}
