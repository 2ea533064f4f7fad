package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

var testLogger = zerolog.Nop()

type fakeDisks struct {
	disks []engine.Disk
	err   error
}

func (f *fakeDisks) GetCandidates(context.Context) ([]engine.Disk, error) {
	return f.disks, f.err
}

type fakeImages struct {
	session *fakeSession
	openErr error
	opened  []string
}

func (f *fakeImages) Open(_ context.Context, path string, index int, mountDir string) (engine.ImageSession, error) {
	f.opened = append(f.opened, path)
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.session.mount = engine.ImageMount{ImagePath: path, Index: index, MountDir: mountDir}
	return f.session, nil
}

type fakeSession struct {
	mount     engine.ImageMount
	applyErr  error
	commitErr error
	onApply   func()

	applied     []engine.Volume
	committed   bool
	rolledBack  bool
	rollbackCtx context.Context
}

func (s *fakeSession) Mount() engine.ImageMount { return s.mount }

func (s *fakeSession) Apply(_ context.Context, target engine.Volume) error {
	s.applied = append(s.applied, target)
	if s.onApply != nil {
		s.onApply()
	}
	return s.applyErr
}

func (s *fakeSession) Commit(context.Context) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed = true
	return nil
}

func (s *fakeSession) Rollback(ctx context.Context) error {
	s.rolledBack = true
	s.rollbackCtx = ctx
	return nil
}

type fakeBoot struct {
	requests []engine.BootRequest
	err      error
}

func (f *fakeBoot) Configure(_ context.Context, req engine.BootRequest) error {
	f.requests = append(f.requests, req)
	return f.err
}

type fakeDomain struct {
	requests []engine.JoinRequest
	err      error
}

func (f *fakeDomain) Join(_ context.Context, req engine.JoinRequest) error {
	f.requests = append(f.requests, req)
	return f.err
}

type fakeConsole struct {
	answer  string
	prompts []string
	chosen  [][]string
}

func (f *fakeConsole) Prompt(_ context.Context, title, def string) (string, error) {
	f.prompts = append(f.prompts, title)
	if f.answer == "" {
		return def, nil
	}
	return f.answer, nil
}

func (f *fakeConsole) Confirm(context.Context, string, bool) (bool, error) {
	return false, errors.New("not used")
}

func (f *fakeConsole) Choose(_ context.Context, title string, options []string) (string, error) {
	f.prompts = append(f.prompts, title)
	f.chosen = append(f.chosen, options)
	return options[len(options)-1], nil
}

type fakeCopier struct {
	copies map[string]string
	err    error
}

func (f *fakeCopier) Copy(_ context.Context, src, dst string) error {
	if f.err != nil {
		return f.err
	}
	if f.copies == nil {
		f.copies = make(map[string]string)
	}
	f.copies[dst] = src
	return nil
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

// bindAndRun binds task against state and env and then executes it.
func bindAndRun(t *testing.T, ctx context.Context, task engine.Task, state *engine.State, env map[string]string) error {
	t.Helper()
	if err := engine.NewBinder(state, testLogger).WithLookupEnv(envMap(env)).Bind(task); err != nil {
		return err
	}
	return task.Execute(ctx, state)
}
