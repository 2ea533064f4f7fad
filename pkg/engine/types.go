package engine

import (
	"fmt"
	"time"

	"github.com/openfroyo/osdeploy/pkg/selection"
)

// PartitionStyle is the partition table layout of a disk.
type PartitionStyle string

const (
	// PartitionStyleRaw indicates an uninitialized disk without a partition table.
	PartitionStyleRaw PartitionStyle = "RAW"

	// PartitionStyleMBR indicates a master boot record partition table.
	PartitionStyleMBR PartitionStyle = "MBR"

	// PartitionStyleGPT indicates a GUID partition table.
	PartitionStyleGPT PartitionStyle = "GPT"
)

// Disk is a physical disk reported by a DiskEnumerator.
// It is the candidate type of the installation-disk selection pipeline.
type Disk struct {
	// UniqueID is the stable identifier reported by the platform.
	UniqueID string `json:"id" yaml:"id"`

	// Number is the platform disk number. Candidates are ordered by it.
	Number int `json:"number" yaml:"number" validate:"min=0"`

	// FriendlyName is the model string shown to users.
	FriendlyName string `json:"friendly_name,omitempty" yaml:"friendly_name,omitempty"`

	// BusType is the attachment bus (NVMe, SATA, USB, ...).
	BusType string `json:"bus_type,omitempty" yaml:"bus_type,omitempty"`

	// Size is the capacity in bytes.
	Size uint64 `json:"size" yaml:"size"`

	// PartitionStyle is the partition table layout.
	PartitionStyle PartitionStyle `json:"partition_style,omitempty" yaml:"partition_style,omitempty" validate:"omitempty,oneof=RAW MBR GPT"`

	// IsReadOnly is set when the disk cannot be written.
	IsReadOnly bool `json:"read_only,omitempty" yaml:"read_only,omitempty"`

	// IsRemovable is set for removable media.
	IsRemovable bool `json:"removable,omitempty" yaml:"removable,omitempty"`

	// IsBoot is set when the disk holds the running system's boot partition.
	IsBoot bool `json:"boot,omitempty" yaml:"boot,omitempty"`

	// Partitions lists the existing partitions in on-disk order.
	Partitions []Partition `json:"partitions,omitempty" yaml:"partitions,omitempty" validate:"dive"`
}

// Partition describes an existing partition on a Disk.
type Partition struct {
	// Number is the partition number on its disk.
	Number int `json:"number" yaml:"number" validate:"min=1"`

	// Type is the partition or filesystem type (ntfs, fat32, linux, swap, ...).
	Type string `json:"type" yaml:"type" validate:"required"`

	// Size is the partition size in bytes.
	Size uint64 `json:"size" yaml:"size"`

	// Label is the volume label, if any.
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// ID implements selection.Candidate.
func (d Disk) ID() string {
	if d.UniqueID != "" {
		return d.UniqueID
	}
	return fmt.Sprintf("disk%d", d.Number)
}

// Attributes implements selection.Candidate.
func (d Disk) Attributes() map[string]any {
	types := make([]string, 0, len(d.Partitions))
	for _, p := range d.Partitions {
		types = append(types, p.Type)
	}
	return map[string]any{
		selection.AttrID:             d.ID(),
		"number":                     d.Number,
		"friendly_name":              d.FriendlyName,
		"bus_type":                   d.BusType,
		selection.AttrSize:           d.Size,
		selection.AttrPartitionCount: len(d.Partitions),
		selection.AttrPartitionStyle: string(d.PartitionStyle),
		selection.AttrReadOnly:       d.IsReadOnly,
		"removable":                  d.IsRemovable,
		"boot":                       d.IsBoot,
		"partition_types":            types,
	}
}

// HasPartitionType reports whether any partition has the given type.
func (d Disk) HasPartitionType(t string) bool {
	for _, p := range d.Partitions {
		if p.Type == t {
			return true
		}
	}
	return false
}

// ImageMount is an image opened for servicing in a mount directory.
type ImageMount struct {
	// ImagePath is the image file that was opened.
	ImagePath string `json:"image_path" validate:"required"`

	// Index is the image index inside a multi-image file.
	Index int `json:"index" validate:"min=0"`

	// MountDir is where the image contents are exposed.
	MountDir string `json:"mount_dir" validate:"required"`

	// ReadOnly is set when the session cannot commit.
	ReadOnly bool `json:"read_only,omitempty"`
}

// Volume is a formatted partition that tasks can write to.
type Volume struct {
	// DiskNumber is the disk holding the volume.
	DiskNumber int `json:"disk_number" validate:"min=0"`

	// PartitionNumber is the partition backing the volume.
	PartitionNumber int `json:"partition_number" validate:"min=0"`

	// Path is the mount point or drive path.
	Path string `json:"path"`

	// FileSystem is the filesystem format.
	FileSystem string `json:"file_system"`

	// Label is the volume label.
	Label string `json:"label,omitempty"`
}

// BootRequest configures the boot store for an installed system.
type BootRequest struct {
	// SystemVolume holds the installed operating system.
	SystemVolume Volume `json:"system_volume"`

	// BootVolume holds the boot loader files.
	BootVolume Volume `json:"boot_volume"`

	// Firmware is "uefi" or "bios".
	Firmware string `json:"firmware"`

	// Locale is the boot manager locale.
	Locale string `json:"locale,omitempty"`
}

// JoinRequest describes a directory domain join.
type JoinRequest struct {
	// Domain is the domain name to join.
	Domain string `json:"domain"`

	// OrganizationalUnit is the target container for the machine account.
	OrganizationalUnit string `json:"organizational_unit,omitempty"`

	// Account is the user that performs the join.
	Account string `json:"account"`

	// Password is passed through to the joiner and never persisted.
	Password string `json:"-"`

	// ComputerName is the machine account name.
	ComputerName string `json:"computer_name"`

	// SystemVolume is the offline system being joined.
	SystemVolume Volume `json:"system_volume"`
}

// SequenceRecord is a stored task sequence description.
type SequenceRecord struct {
	// Description is the stored sequence.
	Description Description `json:"description"`

	// Source is the file or origin the sequence was imported from.
	Source string `json:"source,omitempty"`

	// CreatedAt is when the sequence was first stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the sequence was last stored.
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is a recorded execution of a task sequence.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// SequenceID is the sequence being executed.
	SequenceID string `json:"sequence_id"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartPhase is the phase the run resumed from.
	StartPhase Phase `json:"start_phase"`

	// EndPhase is the phase stored in the state when the run stopped.
	EndPhase Phase `json:"end_phase,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run stopped.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error is the message of the error that stopped the run.
	Error string `json:"error,omitempty"`
}

// TaskResult is the recorded outcome of one task in a run.
type TaskResult struct {
	// RunID is the run the task belongs to.
	RunID string `json:"run_id"`

	// Phase is the phase the task ran in.
	Phase Phase `json:"phase"`

	// Position is the task's index within the phase.
	Position int `json:"position"`

	// Task is the task's display name.
	Task string `json:"task"`

	// Type is the task's registered type name.
	Type string `json:"type"`

	// Critical mirrors the task's criticality flag.
	Critical bool `json:"critical"`

	// Outcome is how the task ended.
	Outcome TaskOutcome `json:"outcome"`

	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`

	// StartedAt is when binding started.
	StartedAt time.Time `json:"started_at"`

	// Duration is the binding plus execution time.
	Duration time.Duration `json:"duration"`
}

// PhaseResult summarizes one ExecutePhase call.
type PhaseResult struct {
	// Phase is the executed phase.
	Phase Phase `json:"phase"`

	// Tasks holds one result per task that ran, in execution order.
	Tasks []TaskResult `json:"tasks"`

	// Duration is the wall time of the phase.
	Duration time.Duration `json:"duration"`
}

// Failures returns the results of tasks that did not succeed.
func (r *PhaseResult) Failures() []TaskResult {
	var out []TaskResult
	for _, t := range r.Tasks {
		if t.Outcome != TaskOutcomeSucceeded {
			out = append(out, t)
		}
	}
	return out
}

// RunReport is returned by Runner.Run.
type RunReport struct {
	// Run is the run record.
	Run Run `json:"run"`

	// Phases holds the result of every executed phase in order.
	Phases []*PhaseResult `json:"phases"`
}
