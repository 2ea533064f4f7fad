package engine

import (
	"fmt"
	"strings"
)

// Phase is a named stage of the deployment lifecycle that scopes which tasks may run.
type Phase string

const (
	// PhaseBootstrapping runs in the staging environment before the target disk is prepared.
	PhaseBootstrapping Phase = "Bootstrapping"

	// PhaseInstallation partitions the target disk, applies the image and configures boot.
	PhaseInstallation Phase = "Installation"

	// PhasePostInstallation runs inside the freshly installed system after the first reboot.
	PhasePostInstallation Phase = "PostInstallation"

	// PhaseCompleted marks a finished deployment. No tasks run in it.
	PhaseCompleted Phase = "Completed"
)

// Phases returns the executable phases in lifecycle order.
func Phases() []Phase {
	return []Phase{PhaseBootstrapping, PhaseInstallation, PhasePostInstallation}
}

// IsTerminal returns true if the phase ends the deployment.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted
}

// Next returns the phase that follows p in lifecycle order.
func (p Phase) Next() Phase {
	switch p {
	case PhaseBootstrapping:
		return PhaseInstallation
	case PhaseInstallation:
		return PhasePostInstallation
	default:
		return PhaseCompleted
	}
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseBootstrapping, PhaseInstallation, PhasePostInstallation, PhaseCompleted:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// ParsePhase converts a string into a Phase, accepting any letter case.
func ParsePhase(s string) (Phase, error) {
	for _, p := range append(Phases(), PhaseCompleted) {
		if strings.EqualFold(string(p), s) {
			return p, nil
		}
	}
	return "", fmt.Errorf("invalid phase: %s", s)
}

// RunStatus represents the overall status of a sequence run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every executed phase finished without a critical failure.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates the run finished but non-critical tasks failed.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates a critical task failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run context was cancelled.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusRebootPending indicates the run stopped to hand off to a successor process after a reboot.
	RunStatusRebootPending RunStatus = "reboot_pending"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial,
		RunStatusFailed, RunStatusCancelled, RunStatusRebootPending:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// TaskOutcome is the recorded result of a single task execution.
type TaskOutcome string

const (
	// TaskOutcomeSucceeded indicates Execute returned nil.
	TaskOutcomeSucceeded TaskOutcome = "succeeded"

	// TaskOutcomeFailed indicates a critical task failed and aborted the phase.
	TaskOutcomeFailed TaskOutcome = "failed"

	// TaskOutcomeSkipped indicates a non-critical task failed and the phase continued.
	TaskOutcomeSkipped TaskOutcome = "skipped"
)
