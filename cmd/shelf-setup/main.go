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

// The shelf-setup command declares the broker topology: the topic
// exchange, the work queues with their dead-letter wiring, and the
// retry queue. Declarations are idempotent; run it before the first
// worker, and again after changing queue parameters.
//
// Exit codes: 0 on success, 2 on unusable configuration, 3 when the
// broker stays unreachable.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/imageshelf/imageshelf/pkg/buildinfo"
	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/config"
)

var flagVersion = flag.Bool("version", false, "show version")

func main() {
	flag.Parse()
	if *flagVersion {
		fmt.Fprintf(os.Stderr, "shelf-setup version: %s\n", buildinfo.Version())
		return
	}
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shelf-setup: %v\n", err)
		return 2
	}
	conn, err := bus.Dial(bus.Config{
		URL:            cfg.BrokerURL,
		MessageTTL:     cfg.MessageTTL,
		QueueMaxLength: cfg.QueueMaxLength,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "shelf-setup: %v\n", err)
		return 3
	}
	defer conn.Close()

	if err := bus.Setup(conn); err != nil {
		fmt.Fprintf(os.Stderr, "shelf-setup: %v\n", err)
		return 1
	}
	for _, q := range bus.WorkQueues() {
		fmt.Printf("declared %s (key %s)\n", q.Name, q.Key)
	}
	fmt.Println("broker topology ready")
	return 0
}
