package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

func TestConfigureBoot(t *testing.T) {
	system := engine.Volume{Path: "/mnt/system", FileSystem: "ntfs"}
	esp := engine.Volume{Path: "/mnt/esp", FileSystem: "fat32"}

	tests := []struct {
		name  string
		setup func(state *engine.State)
		env   map[string]string
		want  engine.BootRequest
	}{
		{
			name:  "defaults",
			setup: func(state *engine.State) { state.Set(engine.KeySystemVolume, system) },
			want:  engine.BootRequest{SystemVolume: system, BootVolume: system, Firmware: FirmwareUEFI},
		},
		{
			name: "separate boot volume",
			setup: func(state *engine.State) {
				state.Set(engine.KeySystemVolume, system)
				state.Set(engine.KeyBootVolume, esp)
				state.Set(engine.KeyLocale, "de-DE")
			},
			want: engine.BootRequest{SystemVolume: system, BootVolume: esp, Firmware: FirmwareUEFI, Locale: "de-DE"},
		},
		{
			name:  "firmware from environment",
			setup: func(state *engine.State) { state.Set(engine.KeySystemVolume, system) },
			env:   map[string]string{"OSDEPLOY_FIRMWARE": "bios"},
			want:  engine.BootRequest{SystemVolume: system, BootVolume: system, Firmware: FirmwareBIOS},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := engine.NewState()
			tt.setup(state)
			boot := &fakeBoot{}

			if err := bindAndRun(t, context.Background(), NewConfigureBoot(boot, testLogger), state, tt.env); err != nil {
				t.Fatalf("ConfigureBoot error = %v", err)
			}
			if len(boot.requests) != 1 || boot.requests[0] != tt.want {
				t.Errorf("requests = %+v, want %+v", boot.requests, tt.want)
			}
		})
	}
}

func TestConfigureBootFailures(t *testing.T) {
	state := engine.NewState()
	state.Set(engine.KeySystemVolume, engine.Volume{Path: "/mnt/system"})

	task := NewConfigureBoot(&fakeBoot{}, testLogger)
	task.Firmware = "coreboot"
	if err := bindAndRun(t, context.Background(), task, state, nil); !engine.IsValidation(err) {
		t.Errorf("unknown firmware error = %v, want validation", err)
	}

	task = NewConfigureBoot(&fakeBoot{err: errors.New("bcd locked")}, testLogger)
	if err := bindAndRun(t, context.Background(), task, state, nil); !engine.IsCollaborator(err) {
		t.Errorf("configure error = %v, want collaborator", err)
	}

	if err := bindAndRun(t, context.Background(), NewConfigureBoot(&fakeBoot{}, testLogger), engine.NewState(), nil); !engine.IsValidation(err) {
		t.Errorf("missing volume error = %v, want validation", err)
	}
}
