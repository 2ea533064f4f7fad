package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/telemetry"
)

// Runner hosts a task sequence: it executes the phase stored in the state,
// follows phase transitions and checkpoints the state after every phase.
// It stops when a reboot is requested, the terminal phase is reached or a
// critical task fails.
type Runner struct {
	executor  *Executor
	journal   RunJournal
	statePath string
	logger    zerolog.Logger
}

// NewRunner creates a runner on top of executor.
func NewRunner(executor *Executor, logger zerolog.Logger) *Runner {
	return &Runner{
		executor: executor,
		logger:   logger.With().Str("component", "runner").Logger(),
	}
}

// WithJournal records runs in journal.
func (r *Runner) WithJournal(journal RunJournal) *Runner {
	r.journal = journal
	r.executor.WithJournal(journal)
	return r
}

// WithCheckpoint saves the state to path after every phase.
func (r *Runner) WithCheckpoint(path string) *Runner {
	r.statePath = path
	return r
}

// Run executes seq starting at the phase stored in state.
// A phase whose tasks did not move the phase key advances to the next phase.
func (r *Runner) Run(ctx context.Context, seq *TaskSequence, state *State) (*RunReport, error) {
	report := &RunReport{Run: Run{
		ID:         uuid.New().String(),
		SequenceID: seq.ID,
		Status:     RunStatusRunning,
		StartPhase: state.Phase(),
		StartedAt:  time.Now().UTC(),
	}}
	run := &report.Run

	state.Set(KeyRunID, run.ID)
	state.Set(KeySequenceID, seq.ID)
	state.Delete(KeyRebootPending)

	ctx = telemetry.WithRunContext(ctx, run.ID, seq.ID)
	r.saveRun(ctx, run)

	log := r.logger.With().Str("run_id", run.ID).Str("sequence", seq.ID).Logger()
	log.Info().Str("phase", string(run.StartPhase)).Msg("Starting run")

	runErr := r.loop(ctx, seq, state, report, log)

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.EndPhase = state.Phase()
	if runErr != nil {
		run.Error = runErr.Error()
	}

	// Persist the final state even when the run failed so a successor can inspect it.
	if cpErr := r.checkpoint(ctx, state); cpErr != nil && runErr == nil {
		runErr = cpErr
		run.Status = RunStatusFailed
		run.Error = cpErr.Error()
	}

	r.saveRun(ctx, run)
	telemetry.EndRunContext(ctx, run.ID, string(run.Status), completed.Sub(run.StartedAt), runErr)

	log.Info().
		Str("status", string(run.Status)).
		Str("end_phase", string(run.EndPhase)).
		Msg("Run finished")
	return report, runErr
}

func (r *Runner) loop(ctx context.Context, seq *TaskSequence, state *State, report *RunReport, log zerolog.Logger) error {
	run := &report.Run
	partial := false
	ran := make(map[Phase]bool)

	for {
		phase := state.Phase()
		if phase.IsTerminal() {
			run.Status = RunStatusSucceeded
			if partial {
				run.Status = RunStatusPartial
			}
			return nil
		}

		ran[phase] = true
		res, err := r.executor.ExecutePhase(ctx, seq, phase, state)
		report.Phases = append(report.Phases, res)
		if len(res.Failures()) > 0 {
			partial = true
		}

		if err != nil {
			run.Status = RunStatusFailed
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				run.Status = RunStatusCancelled
			}
			return err
		}

		if state.Phase() == phase {
			state.SetPhase(phase.Next())
		}

		// A phase runs at most once per run. Going back is only allowed across a reboot.
		pending, _ := StateValue[bool](state, KeyRebootPending)
		if next := state.Phase(); ran[next] && !pending {
			state.SetPhase(phase)
			run.Status = RunStatusFailed
			return NewResolutionError("phase "+string(next)+" already ran in this run", nil).
				WithCode(ErrCodeUnsupportedPhase).
				WithPhase(phase).
				WithDetail("next_phase", string(next))
		}

		if err := r.checkpoint(ctx, state); err != nil {
			run.Status = RunStatusFailed
			return err
		}

		if pending {
			log.Info().Str("next_phase", string(state.Phase())).Msg("Reboot requested, handing off")
			run.Status = RunStatusRebootPending
			return nil
		}
	}
}

func (r *Runner) checkpoint(ctx context.Context, state *State) error {
	if r.statePath == "" {
		return nil
	}
	return state.Save(context.WithoutCancel(ctx), r.statePath)
}

func (r *Runner) saveRun(ctx context.Context, run *Run) {
	if r.journal == nil {
		return
	}
	if err := r.journal.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to save run")
	}
}
