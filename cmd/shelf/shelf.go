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

// The shelf command is the operator tool for an imageshelf
// deployment: it queues scans, rebuilds the navigation index, and
// inspects scheduled jobs. Connection settings come from the SHELF_*
// environment.
package main

import (
	"log"

	"github.com/imageshelf/imageshelf/pkg/cmdmain"
)

func init() {
	// So modes can simply use log.Printf and log.Fatalf.
	// For logging that depends on verbosity (cmdmain.FlagVerbose),
	// use cmdmain.Logf/Printf.
	log.SetOutput(cmdmain.Stderr)
}

func main() {
	cmdmain.Main()
}
