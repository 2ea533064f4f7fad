package tasks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// Firmware types accepted by ConfigureBoot.
const (
	FirmwareUEFI = "uefi"
	FirmwareBIOS = "bios"
)

// ConfigureBoot writes the boot store for the installed system. The boot
// volume defaults to the system volume when no separate one is known.
type ConfigureBoot struct {
	engine.BaseTask

	SystemVolume engine.Volume
	BootVolume   engine.Volume
	Firmware     string
	Locale       string

	boot   engine.BootConfigurator
	logger zerolog.Logger
}

// NewConfigureBoot creates a ConfigureBoot task.
func NewConfigureBoot(boot engine.BootConfigurator, logger zerolog.Logger) *ConfigureBoot {
	return &ConfigureBoot{
		BaseTask: engine.BaseTask{
			TypeName: TypeConfigureBoot,
			Critical: true,
			Phases:   []engine.Phase{engine.PhaseInstallation},
		},
		boot:   boot,
		logger: taskLogger(logger, TypeConfigureBoot),
	}
}

// Properties implements engine.Task.
func (t *ConfigureBoot) Properties() []*engine.Property {
	return []*engine.Property{
		engine.VolumeProperty("systemVolume", &t.SystemVolume).
			FromState(engine.KeySystemVolume).
			Required(),
		engine.VolumeProperty("bootVolume", &t.BootVolume).
			FromState(engine.KeyBootVolume, engine.KeySystemVolume),
		engine.StringProperty("firmware", &t.Firmware).
			FromState(engine.KeyFirmware).
			FromEnv().
			Validate("omitempty,oneof=uefi bios"),
		engine.StringProperty("locale", &t.Locale).
			FromState(engine.KeyLocale).
			FromEnv(),
	}
}

// Execute implements engine.Task.
func (t *ConfigureBoot) Execute(ctx context.Context, _ *engine.State) error {
	if t.boot == nil {
		return missing("boot")
	}

	req := engine.BootRequest{
		SystemVolume: t.SystemVolume,
		BootVolume:   t.BootVolume,
		Firmware:     t.Firmware,
		Locale:       t.Locale,
	}
	if req.BootVolume.Path == "" {
		req.BootVolume = req.SystemVolume
	}
	if req.Firmware == "" {
		req.Firmware = FirmwareUEFI
	}

	if err := call(ctx, "boot", "configure", func(ctx context.Context) error {
		return t.boot.Configure(ctx, req)
	}); err != nil {
		return err
	}

	t.logger.Info().
		Str("system", req.SystemVolume.Path).
		Str("boot", req.BootVolume.Path).
		Str("firmware", req.Firmware).
		Msg("Boot store configured")
	return nil
}
