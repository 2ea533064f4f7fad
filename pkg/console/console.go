// Package console asks the operator for values with huh forms.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/rs/zerolog"
)

// ErrNonInteractive is returned when an answer is needed but no operator is attached.
var ErrNonInteractive = errors.New("console is not interactive")

// Options configures a Prompter.
type Options struct {
	// Interactive enables forms. Without it defaults are returned and
	// questions without a default fail with ErrNonInteractive.
	Interactive bool

	// Accessible renders plain line-based prompts instead of the TUI.
	Accessible bool

	// Input and Output replace the terminal.
	Input  io.Reader
	Output io.Writer
}

// Prompter implements engine.ConsoleInput.
type Prompter struct {
	opts   Options
	logger zerolog.Logger
}

// NewPrompter creates a Prompter.
func NewPrompter(opts Options, logger zerolog.Logger) *Prompter {
	return &Prompter{opts: opts, logger: logger.With().Str("component", "console").Logger()}
}

// Prompt asks for free text.
func (p *Prompter) Prompt(ctx context.Context, title, def string) (string, error) {
	if !p.opts.Interactive {
		return p.fallback(title, def, def != "")
	}

	answer := def
	err := p.run(ctx, huh.NewInput().
		Title(title).
		Placeholder(def).
		Value(&answer))
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = def
	}
	return answer, nil
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(ctx context.Context, title string, def bool) (bool, error) {
	if !p.opts.Interactive {
		p.logger.Debug().Str("title", title).Bool("answer", def).Msg("Using default answer")
		return def, nil
	}

	answer := def
	if err := p.run(ctx, huh.NewConfirm().Title(title).Value(&answer)); err != nil {
		return false, err
	}
	return answer, nil
}

// Choose asks the operator to pick one of options.
func (p *Prompter) Choose(ctx context.Context, title string, options []string) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("%s: no options to choose from", title)
	}
	if !p.opts.Interactive {
		if len(options) == 1 {
			return p.fallback(title, options[0], true)
		}
		return p.fallback(title, "", false)
	}

	answer := options[0]
	err := p.run(ctx, huh.NewSelect[string]().
		Title(title).
		Options(huh.NewOptions(options...)...).
		Value(&answer))
	if err != nil {
		return "", err
	}
	return answer, nil
}

func (p *Prompter) run(ctx context.Context, field huh.Field) error {
	form := huh.NewForm(huh.NewGroup(field)).WithAccessible(p.opts.Accessible)
	if p.opts.Input != nil {
		form = form.WithInput(p.opts.Input)
	}
	if p.opts.Output != nil {
		form = form.WithOutput(p.opts.Output)
	}

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return fmt.Errorf("prompt aborted: %w", context.Canceled)
		}
		return err
	}
	return nil
}

func (p *Prompter) fallback(title, def string, ok bool) (string, error) {
	if !ok {
		return "", fmt.Errorf("%s: %w", title, ErrNonInteractive)
	}
	p.logger.Debug().Str("title", title).Str("answer", def).Msg("Using default answer")
	return def, nil
}
