package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

// fakeTask is a configurable task used across the engine tests.
type fakeTask struct {
	BaseTask

	Path  string
	Count int
	Mode  string

	trace   *[]string
	err     error
	execute func(ctx context.Context, state *State) error
	props   func(t *fakeTask) []*Property
}

func newFake(name string, trace *[]string) *fakeTask {
	return &fakeTask{
		BaseTask: BaseTask{TypeName: "Fake", DisplayName: name},
		trace:    trace,
	}
}

func (t *fakeTask) Properties() []*Property {
	if t.props != nil {
		return t.props(t)
	}
	return []*Property{
		StringProperty("path", &t.Path).FromState(KeyImagePath).FromEnv(),
		IntProperty("count", &t.Count),
		StringProperty("mode", &t.Mode).Validate("omitempty,oneof=fast slow"),
	}
}

func (t *fakeTask) Execute(ctx context.Context, state *State) error {
	if t.trace != nil {
		*t.trace = append(*t.trace, t.Name())
	}
	if t.execute != nil {
		return t.execute(ctx, state)
	}
	return t.err
}

func (t *fakeTask) critical() *fakeTask {
	t.Critical = true
	return t
}

func (t *fakeTask) failing(msg string) *fakeTask {
	t.err = errors.New(msg)
	return t
}

func newFakeRegistry() *Registry {
	reg := NewRegistry()
	reg.MustRegister("Fake", func() Task { return newFake("", nil) })
	reg.MustRegister("InstallOnly", func() Task {
		t := newFake("", nil)
		t.TypeName = "InstallOnly"
		t.Phases = []Phase{PhaseInstallation}
		return t
	})
	return reg
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

// memJournal is an in-memory RunJournal.
type memJournal struct {
	mu    sync.Mutex
	runs  map[string]Run
	tasks []TaskResult
}

func newMemJournal() *memJournal {
	return &memJournal{runs: make(map[string]Run)}
}

func (j *memJournal) SaveRun(_ context.Context, run *Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs[run.ID] = *run
	return nil
}

func (j *memJournal) RecordTask(_ context.Context, result *TaskResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tasks = append(j.tasks, *result)
	return nil
}

// memCatalog is an in-memory SequenceCatalog.
type memCatalog struct {
	records map[string]*SequenceRecord
}

func (c *memCatalog) SaveSequence(_ context.Context, desc *Description, source string) error {
	if c.records == nil {
		c.records = make(map[string]*SequenceRecord)
	}
	c.records[desc.ID] = &SequenceRecord{Description: *desc, Source: source}
	return nil
}

func (c *memCatalog) GetSequence(_ context.Context, id string) (*SequenceRecord, error) {
	rec, ok := c.records[id]
	if !ok {
		return nil, NewResolutionError("sequence not found", nil).WithCode(ErrCodeNotFound)
	}
	return rec, nil
}

func (c *memCatalog) ListSequences(context.Context) ([]*SequenceRecord, error) {
	var out []*SequenceRecord
	for _, r := range c.records {
		out = append(out, r)
	}
	return out, nil
}

func (c *memCatalog) DeleteSequence(_ context.Context, id string) error {
	delete(c.records, id)
	return nil
}

type policyFunc func(desc *Description) []PolicyViolation

func (f policyFunc) Evaluate(_ context.Context, desc *Description) ([]PolicyViolation, error) {
	return f(desc), nil
}
