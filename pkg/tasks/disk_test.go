package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/selection"
)

func scenarioDisks() []engine.Disk {
	return []engine.Disk{
		{
			UniqueID: "D3", Number: 2, BusType: "SATA", Size: 1 * selection.TB, PartitionStyle: engine.PartitionStyleGPT,
			Partitions: []engine.Partition{{Number: 1, Type: "linux"}, {Number: 2, Type: "swap"}, {Number: 3, Type: "linux"}},
		},
		{
			UniqueID: "D1", Number: 0, BusType: "SATA", Size: 500 * selection.GB, PartitionStyle: engine.PartitionStyleGPT,
			IsReadOnly: true,
			Partitions: []engine.Partition{{Number: 1, Type: "ntfs"}, {Number: 2, Type: "ntfs"}},
		},
		{UniqueID: "D2", Number: 1, BusType: "NVMe", Size: 256 * selection.GB, PartitionStyle: engine.PartitionStyleRaw},
	}
}

func TestSelectDisk(t *testing.T) {
	tests := []struct {
		name  string
		steps []selection.Step
		want  string
	}{
		{
			name: "read-only, nvme and empty filters",
			steps: []selection.Step{
				selection.Exclude("not read-only", selection.Is(selection.BuiltinReadOnly)),
				selection.Include("nvme", selection.Expr(`bus_type == "NVMe"`)),
				selection.Include("empty", selection.Is(selection.BuiltinEmpty)),
			},
			want: "D2",
		},
		{
			name:  "no steps picks the lowest number",
			steps: nil,
			want:  "D1",
		},
		{
			name:  "largest",
			steps: []selection.Step{selection.Include("largest", selection.Is(selection.BuiltinLargest))},
			want:  "D3",
		},
		{
			name:  "include nothing falls back",
			steps: []selection.Step{selection.Include("usb", selection.Expr(`bus_type == "USB"`))},
			want:  "D1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := engine.NewState()
			if tt.steps != nil {
				state.Set(engine.KeyDiskSelectionSteps, tt.steps)
			}

			task := NewSelectDisk(&fakeDisks{disks: scenarioDisks()}, testLogger)
			if err := bindAndRun(t, context.Background(), task, state, nil); err != nil {
				t.Fatalf("SelectDisk error = %v", err)
			}

			disk, ok := engine.StateValue[engine.Disk](state, engine.KeyInstallationDisk)
			if !ok {
				t.Fatal("installation disk not stored")
			}
			if disk.ID() != tt.want {
				t.Errorf("selected %s, want %s", disk.ID(), tt.want)
			}
		})
	}
}

func TestSelectDiskFromEnvironment(t *testing.T) {
	state := engine.NewState()
	env := map[string]string{
		engine.EnvName("steps"): `[{"condition":{"builtin":"smallest"},"action":"include"}]`,
	}

	task := NewSelectDisk(&fakeDisks{disks: scenarioDisks()}, testLogger)
	if err := bindAndRun(t, context.Background(), task, state, env); err != nil {
		t.Fatalf("SelectDisk error = %v", err)
	}
	if disk, _ := engine.StateValue[engine.Disk](state, engine.KeyInstallationDisk); disk.ID() != "D2" {
		t.Errorf("selected %s, want D2", disk.ID())
	}
}

func TestSelectDiskFailures(t *testing.T) {
	t.Run("no disks", func(t *testing.T) {
		task := NewSelectDisk(&fakeDisks{}, testLogger)
		err := bindAndRun(t, context.Background(), task, engine.NewState(), nil)
		if !engine.IsSelectionExhausted(err) {
			t.Fatalf("error = %v, want selection exhausted", err)
		}
		if !errors.Is(err, selection.ErrNoCandidates) {
			t.Error("error does not wrap ErrNoCandidates")
		}
	})

	t.Run("enumeration fails", func(t *testing.T) {
		task := NewSelectDisk(&fakeDisks{err: errors.New("access denied")}, testLogger)
		err := bindAndRun(t, context.Background(), task, engine.NewState(), nil)
		if !engine.IsCollaborator(err) {
			t.Fatalf("error = %v, want collaborator failure", err)
		}
	})

	t.Run("no enumerator", func(t *testing.T) {
		task := NewSelectDisk(nil, testLogger)
		err := bindAndRun(t, context.Background(), task, engine.NewState(), nil)
		if !errors.Is(err, &engine.EngineError{Class: engine.ErrorClassCollaborator, Code: engine.ErrCodeNotFound}) {
			t.Fatalf("error = %v, want collaborator not found", err)
		}
	})

	t.Run("bad expression", func(t *testing.T) {
		state := engine.NewState()
		state.Set(engine.KeyDiskSelectionSteps, []selection.Step{
			selection.Include("broken", selection.Expr(`bus_type ==`)),
		})
		task := NewSelectDisk(&fakeDisks{disks: scenarioDisks()}, testLogger)
		err := bindAndRun(t, context.Background(), task, state, nil)
		if !engine.IsValidation(err) {
			t.Fatalf("error = %v, want validation", err)
		}
		if _, ok := state.Get(engine.KeyInstallationDisk); ok {
			t.Error("disk stored despite failure")
		}
	})
}

func TestChooseDiskKeepsInputOrder(t *testing.T) {
	p := selection.NewPipeline(testLogger)
	disks := []engine.Disk{{UniqueID: "B", Number: 5}, {UniqueID: "A", Number: 1}}

	got, err := ChooseDisk(context.Background(), p, disks)
	if err != nil {
		t.Fatalf("ChooseDisk() error = %v", err)
	}
	if got.ID() != "B" {
		t.Errorf("ChooseDisk() = %s, want the first input", got.ID())
	}
}

func TestChooseDiskRejectsSharedIDs(t *testing.T) {
	p := selection.NewPipeline(testLogger, selection.Exclude("read only", selection.Is(selection.BuiltinReadOnly)))
	disks := []engine.Disk{
		{UniqueID: "clone", Number: 0, IsReadOnly: true},
		{UniqueID: "clone", Number: 1},
	}

	_, err := ChooseDisk(context.Background(), p, disks)
	if !engine.IsValidation(err) {
		t.Fatalf("ChooseDisk() error = %v, want validation", err)
	}
	if !errors.Is(err, selection.ErrDuplicateCandidate) {
		t.Error("error does not wrap ErrDuplicateCandidate")
	}
}
