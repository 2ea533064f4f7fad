package selection

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Pipeline applies an ordered list of steps to a candidate set.
type Pipeline struct {
	steps      []Step
	evaluator  Evaluator
	logger     zerolog.Logger
	onFallback func(step Step, kept int)
}

// StepResult records how one step transformed its input.
type StepResult struct {
	// Step is the applied step.
	Step Step `json:"step"`

	// Input holds the IDs entering the step.
	Input []string `json:"input"`

	// Matched holds the IDs satisfying the condition.
	Matched []string `json:"matched"`

	// Output holds the IDs leaving the step.
	Output []string `json:"output"`

	// FellBack is set when the step's filtered result was empty and the input was kept.
	FellBack bool `json:"fell_back"`
}

// Result is the outcome of a full pipeline run.
type Result struct {
	// Selected is the first remaining candidate.
	Selected Candidate `json:"-"`

	// Remaining holds every candidate left after the last step, in input order.
	Remaining []Candidate `json:"-"`

	// Steps records each applied step in order.
	Steps []StepResult `json:"steps"`
}

// NewPipeline creates a pipeline over steps using the Starlark evaluator.
func NewPipeline(logger zerolog.Logger, steps ...Step) *Pipeline {
	return &Pipeline{
		steps:     steps,
		evaluator: NewStarlarkEvaluator(0),
		logger:    logger.With().Str("component", "selection").Logger(),
	}
}

// WithEvaluator replaces the expression evaluator.
func (p *Pipeline) WithEvaluator(e Evaluator) *Pipeline {
	p.evaluator = e
	return p
}

// OnFallback registers a hook called whenever a step falls back to its input.
// kept is the size of the retained input.
func (p *Pipeline) OnFallback(fn func(step Step, kept int)) *Pipeline {
	p.onFallback = fn
	return p
}

// Steps returns a copy of the configured steps.
func (p *Pipeline) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Validate checks every configured step.
func (p *Pipeline) Validate() error {
	for i, s := range p.steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, s.Label(), err)
		}
	}
	return nil
}

// Apply runs a single step over candidates.
// The result is never empty unless candidates is empty, and input order is preserved.
func (p *Pipeline) Apply(ctx context.Context, candidates []Candidate, step Step) ([]Candidate, error) {
	if err := checkIDs(candidates); err != nil {
		return nil, err
	}
	out, _, err := p.apply(ctx, candidates, step)
	return out, err
}

func (p *Pipeline) apply(ctx context.Context, candidates []Candidate, step Step) ([]Candidate, StepResult, error) {
	res := StepResult{Step: step, Input: ids(candidates)}

	if step.Action == ActionNone || len(candidates) == 0 {
		res.Output = res.Input
		return candidates, res, nil
	}
	if err := step.Validate(); err != nil {
		return nil, res, fmt.Errorf("step %s: %w", step.Label(), err)
	}

	matches, err := p.matches(ctx, candidates, step.Condition)
	if err != nil {
		return nil, res, fmt.Errorf("step %s: %w", step.Label(), err)
	}
	res.Matched = ids(matches)

	var out []Candidate
	switch step.Action {
	case ActionInclude:
		out = matches
	case ActionExclude:
		matched := make(map[string]struct{}, len(matches))
		for _, m := range matches {
			matched[m.ID()] = struct{}{}
		}
		out = filter(candidates, func(c Candidate) bool {
			_, ok := matched[c.ID()]
			return !ok
		})
	}

	if len(out) == 0 {
		p.logger.Warn().
			Str("step", step.Label()).
			Str("action", string(step.Action)).
			Int("candidates", len(candidates)).
			Msg("Selection step would leave no candidates, keeping input")
		if p.onFallback != nil {
			p.onFallback(step, len(candidates))
		}
		res.FellBack = true
		out = candidates
	}

	res.Output = ids(out)
	return out, res, nil
}

func (p *Pipeline) matches(ctx context.Context, candidates []Candidate, c Condition) ([]Candidate, error) {
	switch {
	case c.Builtin != "":
		return evalBuiltin(c.Builtin, candidates)
	case c.Match != nil:
		return filter(candidates, c.Match), nil
	default:
		var out []Candidate
		for _, cand := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ok, err := p.evaluator.Match(ctx, c.Expression, cand)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, cand)
			}
		}
		return out, nil
	}
}

// Explain runs every step in order and records the intermediate sets.
func (p *Pipeline) Explain(ctx context.Context, candidates []Candidate) (*Result, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if err := checkIDs(candidates); err != nil {
		return nil, err
	}

	result := &Result{Steps: make([]StepResult, 0, len(p.steps))}
	current := candidates
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, res, err := p.apply(ctx, current, step)
		if err != nil {
			return nil, err
		}
		p.logger.Debug().
			Str("step", step.Label()).
			Strs("input", res.Input).
			Strs("output", res.Output).
			Bool("fell_back", res.FellBack).
			Msg("Applied selection step")
		result.Steps = append(result.Steps, res)
		current = next
	}

	result.Remaining = current
	result.Selected = current[0]
	return result, nil
}

// Run applies every step and returns the remaining candidates.
func (p *Pipeline) Run(ctx context.Context, candidates []Candidate) ([]Candidate, error) {
	res, err := p.Explain(ctx, candidates)
	if err != nil {
		return nil, err
	}
	return res.Remaining, nil
}

// Select applies every step and returns the first remaining candidate.
func (p *Pipeline) Select(ctx context.Context, candidates []Candidate) (Candidate, error) {
	res, err := p.Explain(ctx, candidates)
	if err != nil {
		return nil, err
	}
	return res.Selected, nil
}

// SelectFrom runs the pipeline over a typed slice and returns the chosen element.
func SelectFrom[T Candidate](ctx context.Context, p *Pipeline, items []T) (T, error) {
	var zero T
	candidates := make([]Candidate, len(items))
	for i, it := range items {
		candidates[i] = it
	}
	chosen, err := p.Select(ctx, candidates)
	if err != nil {
		return zero, err
	}
	t, ok := chosen.(T)
	if !ok {
		return zero, fmt.Errorf("selected candidate %s has unexpected type %T", chosen.ID(), chosen)
	}
	return t, nil
}

func ids(candidates []Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.ID()
	}
	return out
}

func checkIDs(candidates []Candidate) error {
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.ID()]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateCandidate, c.ID())
		}
		seen[c.ID()] = struct{}{}
	}
	return nil
}
