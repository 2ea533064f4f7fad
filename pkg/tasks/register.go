// Package tasks implements the deployment tasks that sequences are built from.
//
// Every task talks to the platform through the collaborator interfaces of the
// engine package, so the same sequence runs against real services or the
// dry-run implementations in pkg/collaborators.
package tasks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/telemetry"
)

// Registered task type names.
const (
	TypeSetPhase      = "SetPhase"
	TypeSetState      = "SetState"
	TypeRequestReboot = "RequestReboot"
	TypeSelectDisk    = "SelectDisk"
	TypeApplyImage    = "ApplyImage"
	TypeConfigureBoot = "ConfigureBoot"
	TypeJoinDomain    = "JoinDomain"
	TypePromptValue   = "PromptValue"
)

// Dependencies are the collaborators handed to task factories.
// A nil collaborator makes the tasks that need it fail when they execute.
type Dependencies struct {
	Disks   engine.DiskEnumerator
	Images  engine.ImageServicer
	Boot    engine.BootConfigurator
	Domain  engine.DomainJoiner
	Console engine.ConsoleInput
	Files   engine.FileCopier
	Logger  zerolog.Logger
}

// Register installs every task type into reg.
func Register(reg *engine.Registry, deps Dependencies) error {
	factories := map[string]engine.Factory{
		TypeSetPhase:      func() engine.Task { return NewSetPhase(deps.Files, deps.Logger) },
		TypeSetState:      func() engine.Task { return NewSetState(deps.Logger) },
		TypeRequestReboot: func() engine.Task { return NewRequestReboot(deps.Logger) },
		TypeSelectDisk:    func() engine.Task { return NewSelectDisk(deps.Disks, deps.Logger) },
		TypeApplyImage:    func() engine.Task { return NewApplyImage(deps.Images, deps.Logger) },
		TypeConfigureBoot: func() engine.Task { return NewConfigureBoot(deps.Boot, deps.Logger) },
		TypeJoinDomain:    func() engine.Task { return NewJoinDomain(deps.Domain, deps.Logger) },
		TypePromptValue:   func() engine.Task { return NewPromptValue(deps.Console, deps.Logger) },
	}
	for name, factory := range factories {
		if err := reg.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}

// call runs a collaborator operation inside a telemetry span and classifies its failure.
func call(ctx context.Context, service, operation string, fn func(ctx context.Context) error) error {
	if err := telemetry.RecordCollaboratorCall(ctx, service, operation, fn); err != nil {
		return engine.CollaboratorFailure(service, operation, err)
	}
	return nil
}

func missing(service string) error {
	return engine.CollaboratorFailure(service, "resolve", nil).
		WithCode(engine.ErrCodeNotFound).
		WithDetail("reason", "no implementation configured")
}

func taskLogger(logger zerolog.Logger, typeName string) zerolog.Logger {
	return logger.With().Str("component", "task").Str("type", typeName).Logger()
}
