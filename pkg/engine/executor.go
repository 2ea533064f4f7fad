package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/telemetry"
)

// Executor runs the tasks of one phase strictly in order.
//
// Each task is bound and validated immediately before it executes. A failing
// critical task aborts the phase and its error is returned; a failing
// non-critical task is logged and the next task runs. There is no retry.
type Executor struct {
	logger    zerolog.Logger
	journal   RunJournal
	lookupEnv func(string) (string, bool)
}

// NewExecutor creates a new executor.
func NewExecutor(logger zerolog.Logger) *Executor {
	return &Executor{
		logger:    logger.With().Str("component", "executor").Logger(),
		lookupEnv: os.LookupEnv,
	}
}

// WithJournal records every task outcome in journal.
func (e *Executor) WithJournal(journal RunJournal) *Executor {
	e.journal = journal
	return e
}

// WithLookupEnv replaces the environment lookup used for property binding.
func (e *Executor) WithLookupEnv(fn func(string) (string, bool)) *Executor {
	e.lookupEnv = fn
	return e
}

// ExecutePhase runs the tasks seq holds for phase against state.
// The returned result lists every task that ran, including the one that failed.
func (e *Executor) ExecutePhase(ctx context.Context, seq *TaskSequence, phase Phase, state *State) (*PhaseResult, error) {
	runID, _ := StateValue[string](state, KeyRunID)
	tasks := seq.Tasks(phase)

	result := &PhaseResult{Phase: phase, Tasks: make([]TaskResult, 0, len(tasks))}
	start := time.Now()

	ctx = telemetry.WithPhaseContext(ctx, runID, string(phase), len(tasks))
	log := e.logger.With().Str("phase", string(phase)).Str("sequence", seq.ID).Logger()
	log.Info().Int("tasks", len(tasks)).Msg("Executing phase")

	err := e.executeTasks(ctx, tasks, phase, state, runID, result, log)

	result.Duration = time.Since(start)
	telemetry.EndPhaseContext(ctx, runID, string(phase), phaseStatus(result, err), err)

	if err != nil {
		return result, err
	}
	log.Info().
		Int("failed", len(result.Failures())).
		Dur("duration", result.Duration).
		Msg("Phase completed")
	return result, nil
}

func (e *Executor) executeTasks(
	ctx context.Context,
	tasks []Task,
	phase Phase,
	state *State,
	runID string,
	result *PhaseResult,
	log zerolog.Logger,
) error {
	binder := NewBinder(state, log).WithLookupEnv(e.lookupEnv)

	for i, task := range tasks {
		// Cancellation is checked between tasks; running tasks observe ctx themselves.
		if err := ctx.Err(); err != nil {
			return NewTaskFailure(task, phase, err).
				WithCode(ErrCodeCancelled).
				WithDetail("position", i)
		}

		tr := e.runTask(ctx, binder, task, phase, state, runID, i)
		result.Tasks = append(result.Tasks, tr.TaskResult)
		e.record(ctx, &tr.TaskResult, log)

		if tr.err == nil {
			continue
		}

		if task.IsCritical() || ctx.Err() != nil {
			log.Error().
				Err(tr.err).
				Str("task", task.Name()).
				Str("type", task.Type()).
				Msg("Critical task failed, aborting phase")
			return tr.err
		}

		log.Warn().
			Err(tr.err).
			Str("task", task.Name()).
			Str("type", task.Type()).
			Msg("Non-critical task failed, continuing")
	}
	return nil
}

type taskRun struct {
	TaskResult
	err error
}

func (e *Executor) runTask(
	ctx context.Context,
	binder *Binder,
	task Task,
	phase Phase,
	state *State,
	runID string,
	position int,
) taskRun {
	tr := taskRun{TaskResult: TaskResult{
		RunID:     runID,
		Phase:     phase,
		Position:  position,
		Task:      task.Name(),
		Type:      task.Type(),
		Critical:  task.IsCritical(),
		StartedAt: time.Now().UTC(),
	}}

	tctx := telemetry.WithTaskContext(ctx, runID, string(phase), task.Name(), task.Type())

	err := binder.Bind(task)
	if err == nil {
		e.logger.Debug().Str("task", task.Name()).Str("phase", string(phase)).Msg("Executing task")
		err = task.Execute(tctx, state)
	}

	tr.Duration = time.Since(tr.StartedAt)
	switch {
	case err == nil:
		tr.Outcome = TaskOutcomeSucceeded
	case task.IsCritical():
		tr.Outcome = TaskOutcomeFailed
	default:
		tr.Outcome = TaskOutcomeSkipped
	}

	if err != nil {
		var inner *EngineError
		if errors.As(err, &inner) {
			inner.withContext(task.Name(), phase)
		}
		tr.err = NewTaskFailure(task, phase, err)
		tr.Error = tr.err.Error()
	}

	telemetry.EndTaskContext(tctx, runID, string(phase), task.Name(), task.Type(), string(tr.Outcome), tr.Duration, err)
	return tr
}

func (e *Executor) record(ctx context.Context, tr *TaskResult, log zerolog.Logger) {
	if e.journal == nil || tr.RunID == "" {
		return
	}
	// Journal failures never change the task outcome.
	if err := e.journal.RecordTask(context.WithoutCancel(ctx), tr); err != nil {
		log.Warn().Err(err).Str("task", tr.Task).Msg("Failed to record task result")
	}
}

func phaseStatus(result *PhaseResult, err error) string {
	switch {
	case err != nil:
		return string(RunStatusFailed)
	case len(result.Failures()) > 0:
		return string(RunStatusPartial)
	default:
		return string(RunStatusSucceeded)
	}
}

// String implements fmt.Stringer for log output.
func (r *PhaseResult) String() string {
	return fmt.Sprintf("%s: %d task(s), %d failure(s) in %s", r.Phase, len(r.Tasks), len(r.Failures()), r.Duration)
}
