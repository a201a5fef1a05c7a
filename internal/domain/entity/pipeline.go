package entity

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// PipelineDefinition is the provider-defined pipeline document. Its shape
// (filter, processors, metadata) is owned by the provider and never
// validated locally.
type PipelineDefinition = json.RawMessage

// RemotePipeline is one row of the provider's pipeline listing.
type RemotePipeline struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var pipelineNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidatePipelineName rejects names that are unsafe as a file name or
// inside a target selector.
func ValidatePipelineName(name string) error {
	if !pipelineNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusSkipped SyncStatus = "skipped"
	SyncStatusFailed  SyncStatus = "failed"
)

const ReasonNotFoundRemotely = "not found remotely"

type SyncOutcome struct {
	Name   string     `json:"name"`
	Status SyncStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
	Err    error      `json:"-"`
}

func Synced(name string) SyncOutcome {
	return SyncOutcome{Name: name, Status: SyncStatusSynced}
}

func Skipped(name, reason string) SyncOutcome {
	return SyncOutcome{Name: name, Status: SyncStatusSkipped, Reason: reason}
}

func Failed(name string, err error) SyncOutcome {
	return SyncOutcome{Name: name, Status: SyncStatusFailed, Err: err}
}

// HasFailures reports whether any outcome failed. Skips do not count.
func HasFailures(outcomes []SyncOutcome) bool {
	for _, o := range outcomes {
		if o.Status == SyncStatusFailed {
			return true
		}
	}
	return false
}
