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

// The shelf-scheduler daemon runs cron-driven jobs from the job
// store: nightly library scans, index rebuilds, and cache cleanup.
// Job edits made by other processes are picked up on the periodic
// reload. Run exactly one instance per deployment.
//
// Configuration comes from the SHELF_* environment. Exit codes: 0 on
// clean shutdown, 2 on unusable configuration, 3 when the broker
// stays unreachable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/imageshelf/imageshelf/pkg/buildinfo"
	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/config"
	"github.com/imageshelf/imageshelf/pkg/index"
	"github.com/imageshelf/imageshelf/pkg/scheduler"
	"github.com/imageshelf/imageshelf/pkg/store/mongostore"
)

var (
	flagVersion = flag.Bool("version", false, "show version")
	flagLog     = flag.String("log-level", "", "log level (overrides SHELF_LOG_LEVEL)")
)

const (
	exitOK     = 0
	exitConfig = 2
	exitBroker = 3
)

func main() {
	flag.Parse()
	if *flagVersion {
		fmt.Fprintf(os.Stderr, "shelf-scheduler version: %s\n", buildinfo.Version())
		return
	}
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shelf-scheduler: %v\n", err)
		return exitConfig
	}
	if *flagLog != "" {
		cfg.LogLevel = *flagLog
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "shelf-scheduler: %v\n", err)
			return exitConfig
		}
	}
	cfg.InitLogging()
	log := logrus.WithField("component", "shelf-scheduler")
	log.WithField("version", buildinfo.Version()).Info("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := bus.Dial(bus.Config{
		URL:            cfg.BrokerURL,
		MessageTTL:     cfg.MessageTTL,
		QueueMaxLength: cfg.QueueMaxLength,
	})
	if err != nil {
		log.WithError(err).Error("broker unreachable")
		return exitBroker
	}
	defer conn.Close()

	st, err := mongostore.New(ctx, cfg.DBURL, cfg.DBName)
	if err != nil {
		log.WithError(err).Error("document store unreachable")
		return 1
	}
	defer st.Close(context.Background())

	idx, err := index.Open(cfg.IndexURL, cfg.CacheExpiration)
	if err != nil {
		log.WithError(err).Error("bad index URL")
		return exitConfig
	}

	pub := bus.NewPublisher(conn, 1)
	eng := scheduler.New(st)
	eng.RegisterHandler(collection.JobLibraryScan, scheduler.NewLibraryScanHandler(pub, st))
	eng.RegisterHandler(collection.JobIndexRebuild, scheduler.NewIndexRebuildHandler(idx, st))
	eng.RegisterHandler(collection.JobCacheCleanup, scheduler.NewCacheCleanupHandler(cfg.DataDir, cfg.CacheExpiration, st))

	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("scheduler failed to start")
		return 1
	}
	<-ctx.Done()
	eng.Stop()
	log.Info("clean shutdown")
	return exitOK
}
