package model

import (
	"time"
)

// GuestOwner is used when a submission carries no owner.
const GuestOwner = "guest"

// Timestamp records a single status transition.
type Timestamp struct {
	Status  Status    `json:"status"`
	Time    time.Time `json:"time"`
	Message string    `json:"message,omitempty"`
}

// Job is the persisted metadata record of one job.
// Timestamps are append-only and never empty for a stored job.
type Job struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Owner      string      `json:"owner"`
	Spec       string      `json:"spec"`
	Timestamps []Timestamp `json:"timestamps"`
}

// LatestStatus is the status of the last timestamp.
func (j Job) LatestStatus() Status {
	if len(j.Timestamps) == 0 {
		return ""
	}
	return j.Timestamps[len(j.Timestamps)-1].Status
}

// LatestTime is the time of the last timestamp, used for ordering.
func (j Job) LatestTime() time.Time {
	if len(j.Timestamps) == 0 {
		return time.Time{}
	}
	return j.Timestamps[len(j.Timestamps)-1].Time
}

// Clone returns a deep copy, so callers can't alias the timestamps slice.
func (j Job) Clone() Job {
	j.Timestamps = append([]Timestamp(nil), j.Timestamps...)
	return j
}

// Inputs are raw input values keyed by expected input id.
// Numbers are kept as json.Number by the store.
type Inputs map[string]any

// SubmitRequest is what a client asks for.
type SubmitRequest struct {
	Name   string `json:"name"`
	Spec   string `json:"spec"`
	Owner  string `json:"owner,omitempty"`
	Inputs Inputs `json:"inputs,omitempty"`
}

// Output describes a materialized artifact in a job's outputs area.
type Output struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// Files summarizes what a job has produced so far.
type Files struct {
	StdoutSize int64
	StderrSize int64
	Outputs    []Output
}

// View is a job plus predicates derived from its status and files.
// The predicates decide which affordances a client is offered.
type View struct {
	Job   Job
	Files Files
}

func NewView(job Job, files Files) View {
	return View{Job: job, Files: files}
}

func (v View) HasStdout() bool  { return v.Files.StdoutSize > 0 }
func (v View) HasStderr() bool  { return v.Files.StderrSize > 0 }
func (v View) HasOutputs() bool { return len(v.Files.Outputs) > 0 }

// CanAbort is true only while the job is SUBMITTED or RUNNING.
func (v View) CanAbort() bool {
	s := v.Job.LatestStatus()
	return s != "" && !s.Terminal()
}

// Page is one page of a job listing.
type Page struct {
	Items    []Job
	Total    int
	Page     int
	PageSize int
}
