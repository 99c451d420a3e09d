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

package collection

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Job types known to the scheduler. Handlers are registered by name;
// a job whose type has no handler fails its runs with a recorded
// error rather than crashing the scheduler.
const (
	JobLibraryScan  = "library-scan"
	JobIndexRebuild = "index-rebuild"
	JobCacheCleanup = "cache-cleanup"
)

// ScheduledJob is a cron-driven unit of background work. Counters and
// the lastRun/nextRun fields are maintained by the scheduler on every
// run.
type ScheduledJob struct {
	ID             primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	Name           string              `bson:"name" json:"name"`
	JobType        string              `bson:"jobType" json:"jobType"`
	CronExpression string              `bson:"cronExpression" json:"cronExpression"`
	Enabled        bool                `bson:"enabled" json:"enabled"`
	LibraryID      *primitive.ObjectID `bson:"libraryId,omitempty" json:"libraryId,omitempty"`
	Parameters     map[string]string   `bson:"parameters,omitempty" json:"parameters,omitempty"`

	LastRunAt     *time.Time `bson:"lastRunAt,omitempty" json:"lastRunAt,omitempty"`
	LastRunStatus RunStatus  `bson:"lastRunStatus,omitempty" json:"lastRunStatus,omitempty"`
	NextRunAt     *time.Time `bson:"nextRunAt,omitempty" json:"nextRunAt,omitempty"`
	RunCount      int64      `bson:"runCount" json:"runCount"`
	SuccessCount  int64      `bson:"successCount" json:"successCount"`
	FailureCount  int64      `bson:"failureCount" json:"failureCount"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Validate reports the first structural problem with j, if any. Cron
// expression syntax is the scheduler's concern, not checked here.
func (j *ScheduledJob) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(j.JobType) == "" {
		return fmt.Errorf("job type is required")
	}
	if strings.TrimSpace(j.CronExpression) == "" {
		return fmt.Errorf("job cron expression is required")
	}
	return nil
}

// RunStatus is the lifecycle state of one job run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// JobRun is one execution of a ScheduledJob, recorded at start and
// completed (status, duration, counters) at the end. Runs are
// append-only history.
type JobRun struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	JobID      primitive.ObjectID `bson:"jobId" json:"jobId"`
	Status     RunStatus          `bson:"status" json:"status"`
	StartedAt  time.Time          `bson:"startedAt" json:"startedAt"`
	FinishedAt *time.Time         `bson:"finishedAt,omitempty" json:"finishedAt,omitempty"`
	Duration   time.Duration      `bson:"durationNs,omitempty" json:"durationNs,omitempty"`
	Error      string             `bson:"error,omitempty" json:"error,omitempty"`
	Stats      map[string]int64   `bson:"stats,omitempty" json:"stats,omitempty"`
}
