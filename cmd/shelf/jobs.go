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
	"text/tabwriter"
	"time"

	"github.com/imageshelf/imageshelf/pkg/cmdmain"
	"github.com/imageshelf/imageshelf/pkg/config"
	"github.com/imageshelf/imageshelf/pkg/scheduler"
	"github.com/imageshelf/imageshelf/pkg/store/mongostore"
)

type jobsCmd struct {
	runs    int
	enabled bool
}

func init() {
	cmdmain.RegisterMode("jobs", func(flags *flag.FlagSet) cmdmain.CommandRunner {
		cmd := new(jobsCmd)
		flags.IntVar(&cmd.runs, "runs", 0, "Also list the N most recent runs of each job.")
		flags.BoolVar(&cmd.enabled, "enabled", false, "Only list enabled jobs.")
		return cmd
	})
}

func (c *jobsCmd) Describe() string {
	return "List scheduled jobs and their run history."
}

func (c *jobsCmd) Usage() {
	cmdmain.Errorf("Usage: shelf [globalopts] jobs [jobsopts]\n")
}

func (c *jobsCmd) Examples() []string {
	return []string{"", "-enabled -runs 5"}
}

func (c *jobsCmd) RunCommand(args []string) error {
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

	jobs, err := st.ListJobs(ctx, c.enabled)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmdmain.Stdout, "no jobs")
		return nil
	}

	tw := tabwriter.NewWriter(cmdmain.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSCHEDULE\tSTATE\tRUNS\tLAST RUN")
	for _, j := range jobs {
		state := "disabled"
		if j.Enabled {
			state = "enabled"
		}
		last := "never"
		if j.LastRunAt != nil {
			last = fmt.Sprintf("%s %s", j.LastRunStatus, j.LastRunAt.Local().Format(time.RFC3339))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s (%s)\t%s\t%d ok / %d failed\t%s\n",
			j.ID.Hex(), j.Name, j.JobType,
			j.CronExpression, scheduler.Describe(j.CronExpression),
			state, j.SuccessCount, j.FailureCount, last)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if c.runs <= 0 {
		return nil
	}
	for _, j := range jobs {
		runs, err := st.ListRuns(ctx, j.ID, int64(c.runs))
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			continue
		}
		fmt.Fprintf(cmdmain.Stdout, "\n%s:\n", j.Name)
		for _, r := range runs {
			line := fmt.Sprintf("  %s  %s  %v",
				r.StartedAt.Local().Format(time.RFC3339), r.Status, r.Duration.Round(time.Millisecond))
			if r.Error != "" {
				line += "  " + r.Error
			}
			fmt.Fprintln(cmdmain.Stdout, line)
		}
	}
	return nil
}
