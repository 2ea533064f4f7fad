package tasks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// PromptValue asks the operator for a state value. A key that already holds
// a value is left alone unless Force is set.
type PromptValue struct {
	engine.BaseTask

	Key     string
	Title   string
	Default string
	Options []string
	Force   bool

	console engine.ConsoleInput
	logger  zerolog.Logger
}

// NewPromptValue creates a PromptValue task.
func NewPromptValue(console engine.ConsoleInput, logger zerolog.Logger) *PromptValue {
	return &PromptValue{
		BaseTask: engine.BaseTask{TypeName: TypePromptValue},
		console:  console,
		logger:   taskLogger(logger, TypePromptValue),
	}
}

// Properties implements engine.Task.
func (t *PromptValue) Properties() []*engine.Property {
	return []*engine.Property{
		engine.StringProperty("key", &t.Key).Required().Rule(noPhaseKeyName),
		engine.StringProperty("title", &t.Title),
		engine.StringProperty("default", &t.Default),
		engine.StringsProperty("options", &t.Options),
		engine.BoolProperty("force", &t.Force),
	}
}

// Execute implements engine.Task.
func (t *PromptValue) Execute(ctx context.Context, state *engine.State) error {
	key := engine.Key(t.Key)
	if v, ok := state.Get(key); ok && v != nil && v != "" && !t.Force {
		t.logger.Debug().Str("key", t.Key).Msg("Key already set, not prompting")
		return nil
	}
	if t.console == nil {
		return missing("console")
	}

	title := t.Title
	if title == "" {
		title = t.Key
	}

	var answer string
	err := call(ctx, "console", "prompt", func(ctx context.Context) error {
		var err error
		if len(t.Options) > 0 {
			answer, err = t.console.Choose(ctx, title, t.Options)
		} else {
			answer, err = t.console.Prompt(ctx, title, t.Default)
		}
		return err
	})
	if err != nil {
		return err
	}
	if answer == "" {
		answer = t.Default
	}

	state.Set(key, answer)
	t.logger.Info().Str("key", t.Key).Msg("Stored operator value")
	return nil
}

func noPhaseKeyName(v any) error {
	if s, ok := v.(string); ok && s == string(engine.KeyPhase) {
		return noPhaseKey(map[string]string{s: ""})
	}
	return nil
}
