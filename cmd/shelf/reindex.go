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
	"time"

	"github.com/imageshelf/imageshelf/pkg/cmdmain"
	"github.com/imageshelf/imageshelf/pkg/config"
	"github.com/imageshelf/imageshelf/pkg/index"
	"github.com/imageshelf/imageshelf/pkg/store/mongostore"
)

type reindexCmd struct{}

func init() {
	cmdmain.RegisterMode("reindex", func(flags *flag.FlagSet) cmdmain.CommandRunner {
		return new(reindexCmd)
	})
}

func (c *reindexCmd) Describe() string {
	return "Rebuild the navigation index from the document store."
}

func (c *reindexCmd) Usage() {
	cmdmain.Errorf("Usage: shelf [globalopts] reindex\n")
}

func (c *reindexCmd) RunCommand(args []string) error {
	if len(args) != 0 {
		return cmdmain.ErrUsage
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := mongostore.New(ctx, cfg.DBURL, cfg.DBName)
	if err != nil {
		return err
	}
	defer st.Close(ctx)
	idx, err := index.Open(cfg.IndexURL, cfg.CacheExpiration)
	if err != nil {
		return err
	}

	start := time.Now()
	n, err := idx.Rebuild(ctx, st)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	fmt.Fprintf(cmdmain.Stdout, "reindexed %d collections in %v\n", n, time.Since(start).Round(time.Millisecond))
	return nil
}
