package entity

import (
	"time"

	"github.com/google/uuid"
)

type ApplyStatus string

const (
	ApplyStatusRunning   ApplyStatus = "running"
	ApplyStatusSucceeded ApplyStatus = "succeeded"
	ApplyStatusFailed    ApplyStatus = "failed"
	ApplyStatusTimedOut  ApplyStatus = "timed_out"
)

// ApplyRun is the audit record of one provisioning tool invocation.
type ApplyRun struct {
	ID         string      `json:"id" bson:"id"`
	Targets    []string    `json:"targets" bson:"targets"` // empty means whole stack
	Status     ApplyStatus `json:"status" bson:"status"`
	ExitCode   int         `json:"exit_code" bson:"exit_code"`
	Output     string      `json:"output,omitempty" bson:"output,omitempty"`
	Stderr     string      `json:"stderr,omitempty" bson:"stderr,omitempty"`
	StartedAt  time.Time   `json:"started_at" bson:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
}

func NewApplyRun(targets []string) *ApplyRun {
	t := make([]string, len(targets))
	copy(t, targets)
	return &ApplyRun{
		ID:        uuid.New().String(),
		Targets:   t,
		Status:    ApplyStatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Finish records the terminal state of the run.
func (r *ApplyRun) Finish(status ApplyStatus, exitCode int, stdout, stderr string) {
	now := time.Now().UTC()
	r.Status = status
	r.ExitCode = exitCode
	r.Output = stdout
	r.Stderr = stderr
	r.FinishedAt = &now
}

func (r *ApplyRun) IsFinished() bool {
	return r.Status != ApplyStatusRunning
}

type ApplyEventType string

const (
	ApplyEventStarted  ApplyEventType = "started"
	ApplyEventFinished ApplyEventType = "finished"
)

type ApplyEvent struct {
	Type ApplyEventType `json:"type"`
	Run  ApplyRun       `json:"run"`
}
