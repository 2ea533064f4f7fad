package engine

import (
	"context"
)

// DiskEnumerator reports the physical disks available as installation targets.
type DiskEnumerator interface {
	// GetCandidates returns the disks in a stable order.
	GetCandidates(ctx context.Context) ([]Disk, error)
}

// ImageServicer opens images for servicing.
type ImageServicer interface {
	// Open mounts image index of imagePath in mountDir.
	Open(ctx context.Context, imagePath string, index int, mountDir string) (ImageSession, error)
}

// ImageSession is an open image. Exactly one of Commit or Rollback ends it.
type ImageSession interface {
	// Mount describes the open image.
	Mount() ImageMount

	// Apply expands the image onto the target volume.
	Apply(ctx context.Context, target Volume) error

	// Commit saves changes and closes the session.
	Commit(ctx context.Context) error

	// Rollback discards changes and closes the session.
	Rollback(ctx context.Context) error
}

// BootConfigurator writes the boot store for an installed system.
type BootConfigurator interface {
	Configure(ctx context.Context, req BootRequest) error
}

// DomainJoiner joins an offline system to a directory domain.
type DomainJoiner interface {
	Join(ctx context.Context, req JoinRequest) error
}

// ConsoleInput asks the operator for values.
type ConsoleInput interface {
	// Prompt asks for free text, returning def when the answer is empty.
	Prompt(ctx context.Context, title, def string) (string, error)

	// Confirm asks a yes/no question.
	Confirm(ctx context.Context, title string, def bool) (bool, error)

	// Choose asks the operator to pick one of options.
	Choose(ctx context.Context, title string, options []string) (string, error)
}

// FileCopier stages files, such as the bootstrap executable, onto a target volume.
type FileCopier interface {
	Copy(ctx context.Context, src, dst string) error
}

// SequenceCatalog stores task sequence descriptions.
type SequenceCatalog interface {
	// SaveSequence creates or replaces a stored description.
	SaveSequence(ctx context.Context, desc *Description, source string) error

	// GetSequence returns the stored description id or a resolution error.
	GetSequence(ctx context.Context, id string) (*SequenceRecord, error)

	// ListSequences returns every stored description ordered by id.
	ListSequences(ctx context.Context) ([]*SequenceRecord, error)

	// DeleteSequence removes a stored description.
	DeleteSequence(ctx context.Context, id string) error
}

// RunJournal records runs and task outcomes.
type RunJournal interface {
	// SaveRun creates or updates a run record.
	SaveRun(ctx context.Context, run *Run) error

	// RecordTask appends a task outcome.
	RecordTask(ctx context.Context, result *TaskResult) error
}

// PolicyViolation is a rule a description breaks.
type PolicyViolation struct {
	// Rule identifies the violated rule.
	Rule string `json:"rule"`

	// Message explains the violation.
	Message string `json:"message"`
}

// SequencePolicy checks descriptions before they are built.
type SequencePolicy interface {
	Evaluate(ctx context.Context, desc *Description) ([]PolicyViolation, error)
}
