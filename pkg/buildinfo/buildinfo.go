/*
Copyright 2025 The Imageshelf Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package buildinfo reports the version of the running binary.
package buildinfo

import "runtime/debug"

// GitInfo is either the empty string (the default) or is set to the
// git hash of the most recent commit using the -X linker flag:
//
//	go install -ldflags="-X github.com/imageshelf/imageshelf/pkg/buildinfo.GitInfo=$(git rev-parse --short HEAD)" ./cmd/...
var GitInfo string

// Version returns the linker-injected git hash when present, else
// the module version the Go toolchain recorded, else "unknown".
func Version() string {
	if GitInfo != "" {
		return GitInfo
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return "unknown"
}
