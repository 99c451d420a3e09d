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

// The shelf-worker daemon consumes the work queues: it expands and
// runs scans, records discovered images, and renders thumbnail and
// cache files. Several instances may run against the same broker;
// the queues distribute the load.
//
// Configuration comes from the SHELF_* environment. Exit codes: 0 on
// clean shutdown, 2 on unusable configuration, 3 when the broker
// stays unreachable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/imageshelf/imageshelf/pkg/buildinfo"
	"github.com/imageshelf/imageshelf/pkg/bus"
	"github.com/imageshelf/imageshelf/pkg/config"
	"github.com/imageshelf/imageshelf/pkg/images"
	"github.com/imageshelf/imageshelf/pkg/index"
	"github.com/imageshelf/imageshelf/pkg/scanner"
	"github.com/imageshelf/imageshelf/pkg/store/mongostore"
	"github.com/imageshelf/imageshelf/pkg/worker"
)

var (
	flagVersion = flag.Bool("version", false, "show version")
	flagQueues  = flag.String("queues", "", "comma-separated queue subset to consume (default: all work queues)")
	flagWorkers = flag.Int("workers", 0, "consumers per queue (default: SHELF_WORKERS)")
	flagForce   = flag.Bool("force-regenerate", false, "regenerate renditions even when they exist")
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
		fmt.Fprintf(os.Stderr, "shelf-worker version: %s\n", buildinfo.Version())
		return
	}
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shelf-worker: %v\n", err)
		return exitConfig
	}
	if *flagLog != "" {
		cfg.LogLevel = *flagLog
	}
	if *flagWorkers > 0 {
		cfg.Workers = *flagWorkers
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "shelf-worker: %v\n", err)
		return exitConfig
	}
	cfg.InitLogging()
	log := logrus.WithField("component", "shelf-worker")
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

	codec, err := images.New(images.Options{
		ThumbQuality: cfg.ThumbQuality,
		CacheQuality: cfg.Quality,
	})
	if err != nil {
		log.WithError(err).Error("bad codec options")
		return exitConfig
	}

	pub := bus.NewPublisher(conn, cfg.Workers)
	w, err := worker.New(worker.Config{
		Store:           st,
		Publisher:       pub,
		Scanner:         scanner.New(codec),
		Codec:           codec,
		Index:           idx,
		QueueDepth:      conn.QueueDepth,
		DataDir:         cfg.DataDir,
		ThumbWidth:      cfg.ThumbWidth,
		ThumbHeight:     cfg.ThumbHeight,
		CacheSizes:      cfg.CacheSizes,
		ForceRegenerate: *flagForce,
	})
	if err != nil {
		log.WithError(err).Error("bad worker configuration")
		return exitConfig
	}

	var queues []string
	if *flagQueues != "" {
		for _, q := range strings.Split(*flagQueues, ",") {
			if q = strings.TrimSpace(q); q != "" {
				queues = append(queues, q)
			}
		}
	}
	runner, err := worker.NewRunner(bus.NewConsumer(conn, pub), w, queues, cfg.Workers)
	if err != nil {
		log.WithError(err).Error("bad queue selection")
		return exitConfig
	}

	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, bus.ErrBrokerUnavailable) {
			log.WithError(err).Error("broker connection lost")
			return exitBroker
		}
		log.WithError(err).Error("worker fleet failed")
		return 1
	}
	log.Info("clean shutdown")
	return exitOK
}
