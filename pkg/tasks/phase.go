package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// BootstrapDir is the directory on the target volume that receives the bootstrap executable.
const BootstrapDir = "osdeploy"

// SetPhase moves the deployment to another phase. It can stage the bootstrap
// executable on the target volume and request a reboot so that a successor
// process resumes in the new phase.
type SetPhase struct {
	engine.BaseTask

	Target        engine.Phase
	CopyBootstrap bool
	Reboot        bool
	Executable    string
	Volume        engine.Volume

	files  engine.FileCopier
	logger zerolog.Logger
}

// NewSetPhase creates a SetPhase task. files may be nil when no copy is requested.
func NewSetPhase(files engine.FileCopier, logger zerolog.Logger) *SetPhase {
	return &SetPhase{
		BaseTask: engine.BaseTask{TypeName: TypeSetPhase, Critical: true},
		files:    files,
		logger:   taskLogger(logger, TypeSetPhase),
	}
}

// Properties implements engine.Task.
func (t *SetPhase) Properties() []*engine.Property {
	return []*engine.Property{
		engine.PhaseProperty("phase", &t.Target).Required(),
		engine.BoolProperty("copyBootstrap", &t.CopyBootstrap),
		engine.BoolProperty("reboot", &t.Reboot),
		engine.StringProperty("bootstrapExecutable", &t.Executable).
			FromState(engine.KeyBootstrapExecutable).
			FromEnv().
			Validate("omitempty,file"),
		engine.VolumeProperty("targetVolume", &t.Volume).FromState(engine.KeySystemVolume),
	}
}

// Execute implements engine.Task.
func (t *SetPhase) Execute(ctx context.Context, state *engine.State) error {
	if t.CopyBootstrap {
		if err := t.stage(ctx, state); err != nil {
			return err
		}
	}

	// The phase changes only after the hand-off files are in place.
	if err := ctx.Err(); err != nil {
		return err
	}

	from := state.Phase()
	state.SetPhase(t.Target)
	if t.Reboot {
		state.Set(engine.KeyRebootPending, true)
	}

	t.logger.Info().
		Str("from", string(from)).
		Str("to", string(t.Target)).
		Bool("reboot", t.Reboot).
		Msg("Phase changed")
	return nil
}

func (t *SetPhase) stage(ctx context.Context, state *engine.State) error {
	if t.Executable == "" {
		return engine.NewValidationError("bootstrapExecutable", "required to copy the bootstrap executable", nil).
			WithCode(engine.ErrCodeRequired)
	}
	if t.Volume.Path == "" {
		return engine.NewValidationError("targetVolume", "required to copy the bootstrap executable", nil).
			WithCode(engine.ErrCodeRequired)
	}
	if t.files == nil {
		return missing("files")
	}

	dst := filepath.Join(t.Volume.Path, BootstrapDir, filepath.Base(t.Executable))
	err := call(ctx, "files", "copy", func(ctx context.Context) error {
		return t.files.Copy(ctx, t.Executable, dst)
	})
	if err != nil {
		return err
	}

	// The successor process starts from the staged copy.
	state.Set(engine.KeyBootstrapExecutable, dst)
	t.logger.Info().Str("src", t.Executable).Str("dst", dst).Msg("Staged bootstrap executable")
	return nil
}

// RequestReboot asks the host to stop after the current phase and reboot.
type RequestReboot struct {
	engine.BaseTask

	Reason string

	logger zerolog.Logger
}

// NewRequestReboot creates a RequestReboot task.
func NewRequestReboot(logger zerolog.Logger) *RequestReboot {
	return &RequestReboot{
		BaseTask: engine.BaseTask{TypeName: TypeRequestReboot, Critical: true},
		logger:   taskLogger(logger, TypeRequestReboot),
	}
}

// Properties implements engine.Task.
func (t *RequestReboot) Properties() []*engine.Property {
	return []*engine.Property{engine.StringProperty("reason", &t.Reason)}
}

// Execute implements engine.Task.
func (t *RequestReboot) Execute(_ context.Context, state *engine.State) error {
	state.Set(engine.KeyRebootPending, true)
	t.logger.Info().Str("reason", t.Reason).Msg("Reboot requested")
	return nil
}

// SetState writes string values into the state.
// Existing keys are kept unless Overwrite is set.
type SetState struct {
	engine.BaseTask

	Values    map[string]string
	Overwrite bool

	logger zerolog.Logger
}

// NewSetState creates a SetState task.
func NewSetState(logger zerolog.Logger) *SetState {
	return &SetState{
		BaseTask: engine.BaseTask{TypeName: TypeSetState},
		logger:   taskLogger(logger, TypeSetState),
	}
}

// Properties implements engine.Task.
func (t *SetState) Properties() []*engine.Property {
	return []*engine.Property{
		engine.StringMapProperty("values", &t.Values).Required().Rule(noPhaseKey),
		engine.BoolProperty("overwrite", &t.Overwrite),
	}
}

// Execute implements engine.Task.
func (t *SetState) Execute(_ context.Context, state *engine.State) error {
	keys := make([]string, 0, len(t.Values))
	for k := range t.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := engine.Key(k)
		if t.Overwrite {
			state.Set(key, t.Values[k])
			continue
		}
		if !state.TrySet(key, t.Values[k]) {
			t.logger.Debug().Str("key", k).Msg("Key already set, keeping value")
		}
	}
	return nil
}

// noPhaseKey rejects writes to the phase key.
func noPhaseKey(v any) error {
	if m, ok := v.(map[string]string); ok {
		if _, ok := m[string(engine.KeyPhase)]; ok {
			return fmt.Errorf("%s can only be changed by %s", engine.KeyPhase, TypeSetPhase)
		}
	}
	return nil
}
