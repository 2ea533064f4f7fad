package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func buildSequence(t *testing.T, phase Phase, tasks ...Task) *TaskSequence {
	t.Helper()
	seq := NewTaskSequence("test", "Test")
	for _, task := range tasks {
		if err := seq.Append(phase, task); err != nil {
			t.Fatalf("Append(%s) error = %v", task.Name(), err)
		}
	}
	return seq
}

func TestExecutePhaseRunsInOrder(t *testing.T) {
	var trace []string
	seq := buildSequence(t, PhaseInstallation,
		newFake("partition", &trace),
		newFake("apply", &trace),
		newFake("boot", &trace),
	)
	// Tasks of other phases never run.
	if err := seq.Append(PhasePostInstallation, newFake("join", &trace)); err != nil {
		t.Fatal(err)
	}

	res, err := NewExecutor(testLogger).ExecutePhase(context.Background(), seq, PhaseInstallation, NewState())
	if err != nil {
		t.Fatalf("ExecutePhase() error = %v", err)
	}

	if want := []string{"partition", "apply", "boot"}; !reflect.DeepEqual(trace, want) {
		t.Errorf("trace = %v, want %v", trace, want)
	}
	if len(res.Tasks) != 3 || len(res.Failures()) != 0 {
		t.Errorf("result = %s", res)
	}
	for i, tr := range res.Tasks {
		if tr.Position != i || tr.Outcome != TaskOutcomeSucceeded {
			t.Errorf("task %d = %+v", i, tr)
		}
	}
}

func TestExecutePhaseNonCriticalFailureContinues(t *testing.T) {
	var trace []string
	seq := buildSequence(t, PhaseBootstrapping,
		newFake("first", &trace).failing("disk busy"),
		newFake("second", &trace),
	)

	res, err := NewExecutor(testLogger).ExecutePhase(context.Background(), seq, PhaseBootstrapping, NewState())
	if err != nil {
		t.Fatalf("ExecutePhase() error = %v", err)
	}
	if want := []string{"first", "second"}; !reflect.DeepEqual(trace, want) {
		t.Errorf("trace = %v, want %v", trace, want)
	}

	failures := res.Failures()
	if len(failures) != 1 || failures[0].Task != "first" || failures[0].Outcome != TaskOutcomeSkipped {
		t.Fatalf("failures = %+v", failures)
	}
	if !strings.Contains(failures[0].Error, "disk busy") {
		t.Errorf("failure error = %q", failures[0].Error)
	}
}

func TestExecutePhaseCriticalFailureAborts(t *testing.T) {
	var trace []string
	seq := buildSequence(t, PhaseInstallation,
		newFake("a", &trace).failing("soft"),
		newFake("b", &trace),
		newFake("c", &trace).critical().failing("hard"),
		newFake("d", &trace),
	)

	res, err := NewExecutor(testLogger).ExecutePhase(context.Background(), seq, PhaseInstallation, NewState())
	if err == nil {
		t.Fatal("ExecutePhase() succeeded, want error")
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(trace, want) {
		t.Errorf("trace = %v, want %v", trace, want)
	}
	if !IsTaskFailure(err) || !IsCriticalFailure(err) {
		t.Errorf("error = %v, want critical task failure", err)
	}

	var e *EngineError
	if !errors.As(err, &e) || e.Task != "c" || e.Phase != PhaseInstallation {
		t.Errorf("error context = %+v", e)
	}

	if len(res.Tasks) != 3 {
		t.Fatalf("recorded %d tasks, want 3", len(res.Tasks))
	}
	if got := res.Tasks[2].Outcome; got != TaskOutcomeFailed {
		t.Errorf("critical outcome = %s, want failed", got)
	}
}

func TestExecutePhaseValidationBlocksExecute(t *testing.T) {
	var trace []string
	var image string
	task := newFake("apply", &trace).critical()
	task.props = func(*fakeTask) []*Property {
		return []*Property{StringProperty("imagePath", &image).FromState(KeyImagePath).Required()}
	}

	seq := buildSequence(t, PhaseInstallation, task)
	_, err := NewExecutor(testLogger).
		WithLookupEnv(envMap(nil)).
		ExecutePhase(context.Background(), seq, PhaseInstallation, NewState())

	if !IsValidation(err) || !IsTaskFailure(err) {
		t.Fatalf("error = %v, want validation inside task failure", err)
	}
	if len(trace) != 0 {
		t.Errorf("Execute ran despite failed validation: %v", trace)
	}

	var inner *EngineError
	if e := errors.Unwrap(err); !errors.As(e, &inner) || inner.Phase != PhaseInstallation || inner.Task != "apply" {
		t.Errorf("inner validation error lacks context: %+v", inner)
	}
}

func TestExecutePhaseBindsLateState(t *testing.T) {
	var image string
	producer := newFake("producer", nil)
	producer.execute = func(_ context.Context, s *State) error {
		s.Set(KeyImagePath, "D:\\sources\\install.wim")
		return nil
	}
	consumer := newFake("consumer", nil)
	consumer.props = func(*fakeTask) []*Property {
		return []*Property{StringProperty("imagePath", &image).FromState(KeyImagePath).Required()}
	}

	seq := buildSequence(t, PhaseInstallation, producer, consumer)
	if _, err := NewExecutor(testLogger).ExecutePhase(context.Background(), seq, PhaseInstallation, NewState()); err != nil {
		t.Fatalf("ExecutePhase() error = %v", err)
	}
	if image != "D:\\sources\\install.wim" {
		t.Errorf("consumer bound %q", image)
	}
}

func TestExecutePhaseCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var trace []string
	first := newFake("first", &trace)
	first.execute = func(context.Context, *State) error {
		cancel()
		return nil
	}
	seq := buildSequence(t, PhaseBootstrapping, first, newFake("second", &trace))

	_, err := NewExecutor(testLogger).ExecutePhase(ctx, seq, PhaseBootstrapping, NewState())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	var e *EngineError
	if !errors.As(err, &e) || e.Code != ErrCodeCancelled || e.Task != "second" {
		t.Errorf("error = %+v", e)
	}
	if want := []string{"first"}; !reflect.DeepEqual(trace, want) {
		t.Errorf("trace = %v, want %v", trace, want)
	}
}

func TestExecutePhaseNonCriticalAbortsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var trace []string
	first := newFake("first", &trace)
	first.execute = func(ctx context.Context, _ *State) error {
		cancel()
		return ctx.Err()
	}
	seq := buildSequence(t, PhaseBootstrapping, first, newFake("second", &trace))

	_, err := NewExecutor(testLogger).ExecutePhase(ctx, seq, PhaseBootstrapping, NewState())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(trace) != 1 {
		t.Errorf("trace = %v, want only first", trace)
	}
}

func TestExecutePhaseRecordsJournal(t *testing.T) {
	journal := newMemJournal()
	state := NewState()
	state.Set(KeyRunID, "run-1")

	seq := buildSequence(t, PhaseBootstrapping,
		newFake("ok", nil),
		newFake("soft", nil).failing("nope"),
	)

	if _, err := NewExecutor(testLogger).WithJournal(journal).ExecutePhase(context.Background(), seq, PhaseBootstrapping, state); err != nil {
		t.Fatalf("ExecutePhase() error = %v", err)
	}

	if len(journal.tasks) != 2 {
		t.Fatalf("journal has %d tasks, want 2", len(journal.tasks))
	}
	if journal.tasks[0].RunID != "run-1" || journal.tasks[1].Outcome != TaskOutcomeSkipped {
		t.Errorf("journal = %+v", journal.tasks)
	}
}

func TestExecutePhaseEmpty(t *testing.T) {
	res, err := NewExecutor(testLogger).ExecutePhase(context.Background(), NewTaskSequence("e", "E"), PhaseInstallation, NewState())
	if err != nil || len(res.Tasks) != 0 {
		t.Errorf("ExecutePhase(empty) = %v, %v", res, err)
	}
}
