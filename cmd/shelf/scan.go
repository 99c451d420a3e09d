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

package main

import (
	"context"
	"flag"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/cmdmain"
	"github.com/imageshelf/imageshelf/pkg/config"
)

type scanCmd struct {
	overwrite bool
	force     bool
	library   bool
	create    bool
}

func init() {
	cmdmain.RegisterMode("scan", func(flags *flag.FlagSet) cmdmain.CommandRunner {
		cmd := new(scanCmd)
		flags.BoolVar(&cmd.overwrite, "overwrite", false, "Rescan collections that already hold images.")
		flags.BoolVar(&cmd.force, "force", false, "Regenerate thumbnails and cache renditions even when they exist.")
		flags.BoolVar(&cmd.library, "library", false, "Treat arguments as library ids and scan every member collection.")
		flags.BoolVar(&cmd.create, "create", false, "Register unknown paths as new collections before scanning.")
		return cmd
	})
}

func (c *scanCmd) Describe() string {
	return "Queue scans for collections or libraries."
}

func (c *scanCmd) Usage() {
	cmdmain.Errorf("Usage: shelf [globalopts] scan [scanopts] <path-or-id> [...]\n")
}

func (c *scanCmd) Examples() []string {
	return []string{
		"/srv/media/vacation-2024",
		"-overwrite -force 66b2f08a9c1d4e2a7b3c9d01",
		"-library 66b2f08a9c1d4e2a7b3c9d02",
	}
}

func (c *scanCmd) RunCommand(args []string) error {
	if len(args) == 0 {
		return cmdmain.UsageError("at least one collection path or id is required")
	}
	if c.library && c.create {
		return cmdmain.UsageError("-library and -create are mutually exclusive")
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	ctx := context.Background()
	conn, err := bus.Dial(bus.Config{
		URL:            cfg.BrokerURL,
		MessageTTL:     cfg.MessageTTL,
		QueueMaxLength: cfg.QueueMaxLength,
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	pub := bus.NewPublisher(conn, 1)

	for _, arg := range args {
		m, label, err := c.message(arg)
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, m); err != nil {
			return fmt.Errorf("queue %s: %w", label, err)
		}
		fmt.Fprintf(cmdmain.Stdout, "queued %s\n", label)
	}
	return nil
}

// message maps one argument to its queue message. Hex arguments are
// collection (or library) ids; anything else is a path.
func (c *scanCmd) message(arg string) (bus.Message, string, error) {
	if c.library {
		if _, err := primitive.ObjectIDFromHex(arg); err != nil {
			return nil, "", cmdmain.UsageError(fmt.Sprintf("library id %q: %v", arg, err))
		}
		return &bus.ScanLibrary{
			LibraryID:         arg,
			OverwriteExisting: c.overwrite,
			ForceRegenerate:   c.force,
		}, "library scan " + arg, nil
	}
	if _, err := primitive.ObjectIDFromHex(arg); err == nil {
		return &bus.ScanCollection{
			CollectionID:      arg,
			OverwriteExisting: c.overwrite,
			ForceRegenerate:   c.force,
		}, "scan " + arg, nil
	}
	if c.create {
		return &bus.CreateCollection{
			Path:              arg,
			ScanAfterCreate:   true,
			OverwriteExisting: c.overwrite,
		}, "creation " + arg, nil
	}
	return &bus.ScanCollection{
		Path:              arg,
		OverwriteExisting: c.overwrite,
		ForceRegenerate:   c.force,
	}, "scan " + arg, nil
}
