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
package flags

import (
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"
)

// EnvPrefix is prepended to upper-cased flag names to form the environment
// variable that can set them.
const EnvPrefix = "TSSUPERVISOR_"

// ParseEnvFlagSet sets every flag of fs that was not given on the command line
// from the environment variable EnvPrefix + NAME, where NAME is the flag name
// upper-cased with dashes turned into underscores. It must be called after
// fs.Parse.
func ParseEnvFlagSet(fs *flag.FlagSet, prefix string) error {
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Changed || err != nil {
			return
		}
		name := EnvName(f.Name, prefix)
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		if serr := fs.Set(f.Name, v); serr != nil {
			err = errors.Annotatef(serr, "invalid %s", name)
			return
		}
		glog.V(1).Infof("--%s=%q from %s", f.Name, v, name)
	})
	return err
}

// ParseEnv is ParseEnvFlagSet on the default flag set.
func ParseEnv() error {
	return ParseEnvFlagSet(flag.CommandLine, EnvPrefix)
}

func EnvName(flagName, prefix string) string {
	return prefix + strings.Replace(strings.ToUpper(flagName), "-", "_", -1)
}
