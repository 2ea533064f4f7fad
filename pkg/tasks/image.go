package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// DefaultImageIndex is applied when no image index is configured.
const DefaultImageIndex = 1

// ApplyImage opens an image, expands it onto the system volume and commits the
// servicing session. Any failure after the image is opened rolls the session back.
type ApplyImage struct {
	engine.BaseTask

	ImagePath string
	Index     int
	MountDir  string
	Target    engine.Volume

	images engine.ImageServicer
	logger zerolog.Logger
}

// NewApplyImage creates an ApplyImage task.
func NewApplyImage(images engine.ImageServicer, logger zerolog.Logger) *ApplyImage {
	return &ApplyImage{
		BaseTask: engine.BaseTask{
			TypeName: TypeApplyImage,
			Critical: true,
			Phases:   []engine.Phase{engine.PhaseInstallation},
		},
		images: images,
		logger: taskLogger(logger, TypeApplyImage),
	}
}

// Properties implements engine.Task.
func (t *ApplyImage) Properties() []*engine.Property {
	return []*engine.Property{
		engine.StringProperty("imagePath", &t.ImagePath).
			FromState(engine.KeyImagePath).
			FromEnv().
			Required().
			Validate("file"),
		engine.IntProperty("imageIndex", &t.Index).
			FromState(engine.KeyImageIndex).
			FromEnv().
			Validate("min=1"),
		engine.StringProperty("mountDir", &t.MountDir).
			FromEnv(),
		engine.VolumeProperty("targetVolume", &t.Target).
			FromState(engine.KeySystemVolume).
			Required(),
	}
}

// Execute implements engine.Task.
func (t *ApplyImage) Execute(ctx context.Context, state *engine.State) error {
	if t.images == nil {
		return missing("image")
	}

	index := t.Index
	if index == 0 {
		index = DefaultImageIndex
	}
	mountDir := t.MountDir
	if mountDir == "" {
		mountDir = t.defaultMountDir(state)
	}

	var session engine.ImageSession
	err := call(ctx, "image", "open", func(ctx context.Context) error {
		var err error
		session, err = t.images.Open(ctx, t.ImagePath, index, mountDir)
		return err
	})
	if err != nil {
		return err
	}

	mount := session.Mount()
	state.Set(engine.KeyImageMount, mount)
	log := t.logger.With().Str("image", t.ImagePath).Int("index", index).Str("target", t.Target.Path).Logger()
	log.Info().Str("mount_dir", mount.MountDir).Msg("Opened image")

	if err := t.apply(ctx, session); err != nil {
		t.rollback(ctx, session, log)
		state.Delete(engine.KeyImageMount)
		return err
	}

	state.Delete(engine.KeyImageMount)
	log.Info().Msg("Image applied")
	return nil
}

func (t *ApplyImage) apply(ctx context.Context, session engine.ImageSession) error {
	if err := call(ctx, "image", "apply", func(ctx context.Context) error {
		return session.Apply(ctx, t.Target)
	}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return call(ctx, "image", "commit", session.Commit)
}

func (t *ApplyImage) rollback(ctx context.Context, session engine.ImageSession, log zerolog.Logger) {
	// Rollback must run even when ctx was cancelled.
	err := call(context.WithoutCancel(ctx), "image", "rollback", session.Rollback)
	if err != nil {
		log.Error().Err(err).Msg("Failed to roll back image session")
		return
	}
	log.Warn().Msg("Image session rolled back")
}

func (t *ApplyImage) defaultMountDir(state *engine.State) string {
	if dir, ok := engine.StateValue[string](state, engine.KeyWorkingDir); ok && dir != "" {
		return filepath.Join(dir, "mount")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("osdeploy-mount-%d", os.Getpid()))
}
