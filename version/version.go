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
package version

import (
	"fmt"
	"regexp"
	"runtime"

	"github.com/embeddedts/supervisor-update/cli/ourutil"
)

// Set at link time:
//   -ldflags "-X github.com/embeddedts/supervisor-update/version.Version=1.2 -X ...BuildId=1.2+abcdef0"
var (
	Version = "latest"
	BuildId = ""
)

var (
	regexpVersionNumber = regexp.MustCompile(`^\d+\.[0-9.]*$`)
	regexpBuildId       = regexp.MustCompile(`^(?P<version>[^+]+)\+(?P<hash>[0-9a-f]+)(?P<dirty>-dirty)?$`)
)

func LooksLikeVersionNumber(s string) bool {
	return regexpVersionNumber.MatchString(s)
}

// GitHash returns the commit the binary was built from, if the build id
// carries one.
func GitHash(buildId string) string {
	parts := ourutil.FindNamedSubmatches(regexpBuildId, buildId)
	if parts == nil {
		return ""
	}
	return parts["hash"]
}

// String is the --version output.
func String() string {
	v := Version
	if !LooksLikeVersionNumber(v) {
		v = "latest"
	}
	s := fmt.Sprintf("Version: %s\n", v)
	if h := GitHash(BuildId); h != "" {
		s += fmt.Sprintf("Build ID: %s (%s)\n", BuildId, h)
	} else if BuildId != "" {
		s += fmt.Sprintf("Build ID: %s\n", BuildId)
	}
	s += fmt.Sprintf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return s
}
