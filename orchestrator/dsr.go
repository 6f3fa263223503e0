// Copyright 2025 Pulse Health
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a DSR erasure job. Transitions
// are monotonic: pending moves to exactly one of completed or failed
// and never reverts.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"

	// JobStatusUnknown is reported for identifiers the registry has
	// never seen. Absence is a normal outcome, not an error.
	JobStatusUnknown JobStatus = "unknown"
)

// ErasureJob is a tracked data-subject erasure request. A job record is
// mutated exactly once, by its own background completion; every other
// caller only reads it. Records live in the in-memory registry for the
// process lifetime.
type ErasureJob struct {
	JobID      string
	UserID     string
	Status     JobStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Steps      *PurgeResult
	Error      string
}

// JobStatusView is the externally visible snapshot of a job.
type JobStatusView struct {
	JobID      string       `json:"job_id"`
	Status     JobStatus    `json:"status"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Steps      *PurgeResult `json:"steps,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// StartErasure creates a DSR erasure job for the given user and returns
// its identifier immediately; the purge work runs in a supervised
// background goroutine. The job is visible to ErasureStatus before this
// method returns.
func (o *Orchestrator) StartErasure(userID string) string {
	jobID := uuid.New().String()
	job := &ErasureJob{
		JobID:     jobID,
		UserID:    userID,
		Status:    JobStatusPending,
		StartedAt: time.Now().UTC(),
	}

	o.mu.Lock()
	o.jobs[jobID] = job
	o.mu.Unlock()

	promDSRJobsStarted.Inc()
	o.log.Info("", "", "Started DSR job", map[string]interface{}{
		"job_id":  jobID,
		"user_id": userID,
	})

	o.wg.Add(1)
	go o.completeErasure(jobID, userID)

	return jobID
}

// ErasureStatus reports the current state of a job. Unknown identifiers
// yield a view with status "unknown"; this method never fails.
func (o *Orchestrator) ErasureStatus(jobID string) JobStatusView {
	o.mu.RLock()
	defer o.mu.RUnlock()

	job, ok := o.jobs[jobID]
	if !ok {
		return JobStatusView{JobID: jobID, Status: JobStatusUnknown}
	}

	started := job.StartedAt
	view := JobStatusView{
		JobID:     job.JobID,
		Status:    job.Status,
		StartedAt: &started,
		Error:     job.Error,
	}
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		view.FinishedAt = &finished
	}
	if job.Steps != nil {
		steps := *job.Steps
		view.Steps = &steps
	}
	return view
}

// completeErasure runs the purge pipeline for one job and records its
// terminal state. Failures inside the continuation are folded into the
// job record rather than lost: any step error or panic marks the job
// failed with the cause attached.
func (o *Orchestrator) completeErasure(jobID, userID string) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), o.jobTimeout)
	defer cancel()

	var result *PurgeResult
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("purge panicked: %v", r)
			}
		}()
		result, err = o.purger.Execute(ctx, jobID, userID)
	}()

	finished := time.Now().UTC()

	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok || job.Status != JobStatusPending {
		// The registry has no eviction, so this only happens if the
		// process raced a duplicate completion; leave the record alone.
		return
	}

	job.FinishedAt = &finished
	job.Steps = result

	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
		promDSRJobsFailed.Inc()
		o.log.ErrorWithCode("", "", "DSR job failed", 0, err, map[string]interface{}{
			"job_id":  jobID,
			"user_id": userID,
		})
		return
	}

	job.Status = JobStatusCompleted
	promDSRJobsCompleted.Inc()
	o.log.Info("", "", "Completed DSR job", map[string]interface{}{
		"job_id":      jobID,
		"user_id":     userID,
		"duration_ms": finished.Sub(job.StartedAt).Milliseconds(),
	})
}
