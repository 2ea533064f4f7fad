package collaborators

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// DefaultWimlibTool is the wimlib command line tool.
const DefaultWimlibTool = "wimlib-imagex"

// WimlibServicer opens images by mounting them read-only with wimlib-imagex
// and applies them to a target volume.
type WimlibServicer struct {
	tool   string
	runner CommandRunner
	logger zerolog.Logger
}

// NewWimlibServicer creates a servicer running tool through runner.
// An empty tool selects DefaultWimlibTool.
func NewWimlibServicer(tool string, runner CommandRunner, logger zerolog.Logger) *WimlibServicer {
	if tool == "" {
		tool = DefaultWimlibTool
	}
	if runner == nil {
		runner = &ExecRunner{}
	}
	return &WimlibServicer{
		tool:   tool,
		runner: runner,
		logger: logger.With().Str("component", "wimlib").Logger(),
	}
}

// Open implements engine.ImageServicer.
func (w *WimlibServicer) Open(ctx context.Context, imagePath string, index int, mountDir string) (engine.ImageSession, error) {
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mount directory: %w", err)
	}

	idx := strconv.Itoa(index)
	if _, err := w.runner.Run(ctx, w.tool, "mount", imagePath, idx, mountDir); err != nil {
		return nil, err
	}
	w.logger.Debug().Str("image", imagePath).Int("index", index).Str("mount_dir", mountDir).Msg("Mounted image")

	return &wimlibSession{
		servicer: w,
		mount: engine.ImageMount{
			ImagePath: imagePath,
			Index:     index,
			MountDir:  mountDir,
			ReadOnly:  true,
		},
	}, nil
}

type wimlibSession struct {
	servicer *WimlibServicer
	mount    engine.ImageMount

	mu     sync.Mutex
	closed bool
}

func (s *wimlibSession) Mount() engine.ImageMount { return s.mount }

func (s *wimlibSession) Apply(ctx context.Context, target engine.Volume) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.servicer.runner.Run(ctx, s.servicer.tool, "apply",
		s.mount.ImagePath, strconv.Itoa(s.mount.Index), target.Path)
	if err != nil {
		return err
	}
	s.servicer.logger.Info().
		Str("image", s.mount.ImagePath).
		Str("target", target.Path).
		Dur("duration", res.Duration).
		Msg("Applied image")
	return nil
}

func (s *wimlibSession) Commit(ctx context.Context) error {
	return s.close(ctx)
}

func (s *wimlibSession) Rollback(ctx context.Context) error {
	return s.close(ctx, "--force")
}

func (s *wimlibSession) close(ctx context.Context, flags ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	args := append([]string{"unmount", s.mount.MountDir}, flags...)
	if _, err := s.servicer.runner.Run(ctx, s.servicer.tool, args...); err != nil {
		return err
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *wimlibSession) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("image session for %s is closed", s.mount.ImagePath)
	}
	return nil
}
