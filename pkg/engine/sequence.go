package engine

// TaskSequence is an ordered, phase-partitioned collection of tasks.
// Execution order within a phase is exactly the order tasks were added.
type TaskSequence struct {
	ID          string
	Name        string
	Description string

	tasks map[Phase][]Task
}

// NewTaskSequence creates an empty sequence.
func NewTaskSequence(id, name string) *TaskSequence {
	return &TaskSequence{
		ID:    id,
		Name:  name,
		tasks: make(map[Phase][]Task),
	}
}

// Append adds task at the end of phase.
func (s *TaskSequence) Append(phase Phase, task Task) error {
	if err := phase.Validate(); err != nil || phase.IsTerminal() {
		return NewResolutionError("cannot add task to phase", err).
			WithCode(ErrCodeUnsupportedPhase).
			WithTask(task.Name()).
			WithPhase(phase)
	}
	if !task.SupportsPhase(phase) {
		return NewResolutionError("task does not support phase", nil).
			WithCode(ErrCodeUnsupportedPhase).
			WithTask(task.Name()).
			WithPhase(phase).
			WithDetail("type", task.Type())
	}
	s.tasks[phase] = append(s.tasks[phase], task)
	return nil
}

// Tasks returns the tasks of phase in execution order.
func (s *TaskSequence) Tasks(phase Phase) []Task {
	out := make([]Task, len(s.tasks[phase]))
	copy(out, s.tasks[phase])
	return out
}

// Phases returns the phases that have tasks, in lifecycle order.
func (s *TaskSequence) Phases() []Phase {
	var out []Phase
	for _, p := range Phases() {
		if len(s.tasks[p]) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the total number of tasks.
func (s *TaskSequence) Len() int {
	n := 0
	for _, ts := range s.tasks {
		n += len(ts)
	}
	return n
}

// Describe returns the serializable form of the sequence with the currently assigned property values.
func (s *TaskSequence) Describe() Description {
	d := Description{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Steps:       make(map[Phase][]StepDescription),
	}
	for _, phase := range s.Phases() {
		for _, t := range s.tasks[phase] {
			critical := t.IsCritical()
			step := StepDescription{
				Type:       t.Type(),
				Critical:   &critical,
				Properties: Snapshot(t),
			}
			if t.Name() != t.Type() {
				step.Name = t.Name()
			}
			d.Steps[phase] = append(d.Steps[phase], step)
		}
	}
	return d
}
