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
	goflag "flag"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/embeddedts/supervisor-update/version"
)

var (
	hiddenFlags = []string{
		"alsologtostderr",
		"log_backtrace_at",
		"log_dir",
		"logbufsecs",
		"logtostderr",
		"stderrthreshold",
		"v",
		"vmodule",
	}
)

func initFlags() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	hideFlags()
	flag.Usage = usage
}

func hideFlags() {
	for _, f := range hiddenFlags {
		flag.CommandLine.MarkHidden(f)
	}
}

func unhideFlags() {
	for _, f := range hiddenFlags {
		f := flag.Lookup(f)
		if f != nil {
			f.Hidden = false
		}
	}
}

// hideFlagsWithPrefix adds flags registered so far whose name starts with
// prefix to hiddenFlags.
func hideFlagsWithPrefix(prefix string) {
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, prefix) {
			hiddenFlags = append(hiddenFlags, f.Name)
		}
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTION] ...\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "embeddedTS supervisory microcontroller update utility %s\n\n", version.Version)
	fmt.Fprint(os.Stderr, flag.CommandLine.FlagUsages())
	if !*helpFull {
		color.New(color.FgYellow).Fprintf(os.Stderr, "\nRun with --helpfull to show timing and logging flags.\n")
	}
}
