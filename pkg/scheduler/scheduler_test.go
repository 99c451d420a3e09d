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

package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/store/storetest"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		expr, want string
	}{
		{"0 2 * * *", "Daily at 2:00 AM"},
		{"30 14 * * *", "Daily at 2:30 PM"},
		{"0 0 * * *", "Daily at 12:00 AM"},
		{"15 12 * * *", "Daily at 12:15 PM"},
		{"0 * * * *", "Every hour"},
		{"*/30 * * * *", "Every 30 minutes"},
		{"*/1 * * * *", "Every minute"},
		{"0 */6 * * *", "Every 6 hours"},
		{"0 */1 * * *", "Every hour"},
		// Anything fancier is shown verbatim.
		{"0 2 * * 1", "0 2 * * 1"},
		{"0 2 1 * *", "0 2 1 * *"},
		{"5 4 3 2 1", "5 4 3 2 1"},
		{"not a cron", "not a cron"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Describe(tt.expr); got != tt.want {
			t.Errorf("Describe(%q) = %q; want %q", tt.expr, got, tt.want)
		}
	}
}

func newTestJob(t *testing.T, e *Engine, jobType string) *collection.ScheduledJob {
	t.Helper()
	j := &collection.ScheduledJob{
		Name:           "nightly " + jobType,
		JobType:        jobType,
		CronExpression: "0 2 * * *",
		Enabled:        true,
	}
	if err := e.CreateJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	return j
}

func TestRunRecordsHistory(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	e := New(mem)
	e.RegisterHandler(collection.JobLibraryScan, func(ctx context.Context, j *collection.ScheduledJob) (map[string]int64, error) {
		return map[string]int64{"published": 3}, nil
	})
	j := newTestJob(t, e, collection.JobLibraryScan)
	if j.NextRunAt == nil {
		t.Fatal("CreateJob did not stamp NextRunAt")
	}

	run, err := e.Run(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != collection.RunSucceeded {
		t.Errorf("run status = %q; want succeeded", run.Status)
	}
	if run.Stats["published"] != 3 {
		t.Errorf("run stats = %v; want published 3", run.Stats)
	}
	if run.FinishedAt == nil || run.Duration < 0 {
		t.Errorf("run not finished: %+v", run)
	}

	got, err := mem.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunCount != 1 || got.SuccessCount != 1 || got.FailureCount != 0 {
		t.Errorf("counters = %d/%d/%d; want 1/1/0", got.RunCount, got.SuccessCount, got.FailureCount)
	}
	if got.LastRunStatus != collection.RunSucceeded || got.LastRunAt == nil {
		t.Errorf("lastRun = %q at %v", got.LastRunStatus, got.LastRunAt)
	}
	if got.NextRunAt == nil {
		t.Error("NextRunAt not restamped after run")
	}

	runs, err := mem.ListRuns(ctx, j.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != collection.RunSucceeded {
		t.Errorf("history = %+v; want one succeeded run", runs)
	}
}

func TestRunFailure(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	e := New(mem)
	e.RegisterHandler(collection.JobIndexRebuild, func(ctx context.Context, j *collection.ScheduledJob) (map[string]int64, error) {
		return nil, errors.New("redis is down")
	})
	j := newTestJob(t, e, collection.JobIndexRebuild)

	run, err := e.Run(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != collection.RunFailed || run.Error != "redis is down" {
		t.Errorf("run = %q err %q; want failed/redis is down", run.Status, run.Error)
	}
	got, _ := mem.GetJob(ctx, j.ID)
	if got.FailureCount != 1 || got.LastRunStatus != collection.RunFailed {
		t.Errorf("job after failure = %d failures, status %q", got.FailureCount, got.LastRunStatus)
	}
}

func TestRunMissingHandler(t *testing.T) {
	mem := storetest.New()
	e := New(mem)
	j := newTestJob(t, e, "exotic-job")
	run, err := e.Run(context.Background(), j)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != collection.RunFailed || !strings.Contains(run.Error, "no handler") {
		t.Errorf("run = %q / %q; want failed with no-handler error", run.Status, run.Error)
	}
}

func TestRunPanicRecovered(t *testing.T) {
	mem := storetest.New()
	e := New(mem)
	e.RegisterHandler("boomy", func(ctx context.Context, j *collection.ScheduledJob) (map[string]int64, error) {
		panic("boom")
	})
	j := newTestJob(t, e, "boomy")
	run, err := e.Run(context.Background(), j)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != collection.RunFailed || !strings.Contains(run.Error, "boom") {
		t.Errorf("run = %q / %q; want recorded panic", run.Status, run.Error)
	}
}

func TestTrigger(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	e := New(mem)
	calls := 0
	e.RegisterHandler(collection.JobCacheCleanup, func(ctx context.Context, j *collection.ScheduledJob) (map[string]int64, error) {
		calls++
		return nil, nil
	})
	j := newTestJob(t, e, collection.JobCacheCleanup)

	if _, err := e.Trigger(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times; want 1", calls)
	}
	if _, err := e.Trigger(ctx, primitive.NewObjectID()); err == nil {
		t.Error("Trigger(unknown job) = nil error")
	}
}

func TestCreateJobValidation(t *testing.T) {
	e := New(storetest.New())
	err := e.CreateJob(context.Background(), &collection.ScheduledJob{
		Name:           "broken",
		JobType:        "library-scan",
		CronExpression: "every tuesday",
	})
	if err == nil {
		t.Error("CreateJob accepted a bad cron expression")
	}
	err = e.CreateJob(context.Background(), &collection.ScheduledJob{
		JobType:        "library-scan",
		CronExpression: "0 2 * * *",
	})
	if err == nil {
		t.Error("CreateJob accepted a nameless job")
	}
}

func scheduled(e *Engine, id primitive.ObjectID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[id]
	return ok
}

func TestEnableDisableScheduling(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	e := New(mem)
	e.ReloadEvery = -1
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	j := newTestJob(t, e, collection.JobLibraryScan)
	if !scheduled(e, j.ID) {
		t.Fatal("enabled job not scheduled after create")
	}

	if err := e.Disable(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if scheduled(e, j.ID) {
		t.Error("disabled job still scheduled")
	}
	got, _ := mem.GetJob(ctx, j.ID)
	if got.Enabled {
		t.Error("Disable did not persist")
	}

	if err := e.Enable(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if !scheduled(e, j.ID) {
		t.Error("enabled job not rescheduled")
	}

	if err := e.DeleteJob(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if scheduled(e, j.ID) {
		t.Error("deleted job still scheduled")
	}
}

func TestReloadPicksUpStoreEdits(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	e := New(mem)
	e.ReloadEvery = -1
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	// Another process writes a job directly to the store.
	j := &collection.ScheduledJob{
		Name:           "from elsewhere",
		JobType:        collection.JobLibraryScan,
		CronExpression: "0 3 * * *",
		Enabled:        true,
	}
	if err := mem.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if scheduled(e, j.ID) {
		t.Fatal("job scheduled before reload")
	}
	if err := e.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if !scheduled(e, j.ID) {
		t.Fatal("reload did not schedule new job")
	}

	// A cron edit reschedules.
	if _, err := mem.UpdateJob(ctx, j.ID, func(j *collection.ScheduledJob) error {
		j.CronExpression = "0 4 * * *"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	e.mu.Lock()
	expr := e.entries[j.ID].expr
	e.mu.Unlock()
	if expr != "0 4 * * *" {
		t.Errorf("entry expr = %q; want rescheduled to 0 4 * * *", expr)
	}

	// Disabling elsewhere unschedules on reload.
	if _, err := mem.UpdateJob(ctx, j.ID, func(j *collection.ScheduledJob) error {
		j.Enabled = false
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if scheduled(e, j.ID) {
		t.Error("reload kept a disabled job scheduled")
	}
}
