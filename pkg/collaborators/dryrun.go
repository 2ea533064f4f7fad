package collaborators

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// DryRunImageServicer records image operations without touching any volume.
type DryRunImageServicer struct {
	logger zerolog.Logger

	mu      sync.Mutex
	applied []engine.ImageMount
}

// NewDryRunImageServicer creates a DryRunImageServicer.
func NewDryRunImageServicer(logger zerolog.Logger) *DryRunImageServicer {
	return &DryRunImageServicer{logger: logger.With().Str("component", "dry-run").Str("service", "image").Logger()}
}

// Open implements engine.ImageServicer. The image file must exist.
func (d *DryRunImageServicer) Open(ctx context.Context, imagePath string, index int, mountDir string) (engine.ImageSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(imagePath); err != nil {
		return nil, err
	}
	mount := engine.ImageMount{ImagePath: imagePath, Index: index, MountDir: mountDir, ReadOnly: true}
	d.logger.Info().Str("image", imagePath).Int("index", index).Str("mount_dir", mountDir).Msg("Would mount image")
	return &dryRunSession{servicer: d, mount: mount}, nil
}

// Applied returns the images committed so far.
func (d *DryRunImageServicer) Applied() []engine.ImageMount {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]engine.ImageMount(nil), d.applied...)
}

type dryRunSession struct {
	servicer *DryRunImageServicer
	mount    engine.ImageMount
}

func (s *dryRunSession) Mount() engine.ImageMount { return s.mount }

func (s *dryRunSession) Apply(ctx context.Context, target engine.Volume) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.servicer.logger.Info().Str("image", s.mount.ImagePath).Str("target", target.Path).Msg("Would apply image")
	return nil
}

func (s *dryRunSession) Commit(context.Context) error {
	s.servicer.mu.Lock()
	s.servicer.applied = append(s.servicer.applied, s.mount)
	s.servicer.mu.Unlock()
	s.servicer.logger.Info().Str("mount_dir", s.mount.MountDir).Msg("Would unmount image")
	return nil
}

func (s *dryRunSession) Rollback(context.Context) error {
	s.servicer.logger.Warn().Str("mount_dir", s.mount.MountDir).Msg("Would discard image changes")
	return nil
}

// DryRunBootConfigurator logs boot store requests.
type DryRunBootConfigurator struct {
	logger zerolog.Logger

	mu       sync.Mutex
	requests []engine.BootRequest
}

// NewDryRunBootConfigurator creates a DryRunBootConfigurator.
func NewDryRunBootConfigurator(logger zerolog.Logger) *DryRunBootConfigurator {
	return &DryRunBootConfigurator{logger: logger.With().Str("component", "dry-run").Str("service", "boot").Logger()}
}

// Configure implements engine.BootConfigurator.
func (d *DryRunBootConfigurator) Configure(ctx context.Context, req engine.BootRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	d.logger.Info().
		Str("system", req.SystemVolume.Path).
		Str("boot", req.BootVolume.Path).
		Str("firmware", req.Firmware).
		Str("locale", req.Locale).
		Msg("Would write boot store")
	return nil
}

// Requests returns the requests received so far.
func (d *DryRunBootConfigurator) Requests() []engine.BootRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]engine.BootRequest(nil), d.requests...)
}

// DryRunDomainJoiner logs domain join requests. The password is never logged.
type DryRunDomainJoiner struct {
	logger zerolog.Logger

	mu       sync.Mutex
	requests []engine.JoinRequest
}

// NewDryRunDomainJoiner creates a DryRunDomainJoiner.
func NewDryRunDomainJoiner(logger zerolog.Logger) *DryRunDomainJoiner {
	return &DryRunDomainJoiner{logger: logger.With().Str("component", "dry-run").Str("service", "domain").Logger()}
}

// Join implements engine.DomainJoiner.
func (d *DryRunDomainJoiner) Join(ctx context.Context, req engine.JoinRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req.Password = ""
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	d.logger.Info().
		Str("domain", req.Domain).
		Str("ou", req.OrganizationalUnit).
		Str("account", req.Account).
		Str("computer", req.ComputerName).
		Msg("Would join domain")
	return nil
}

// Requests returns the requests received so far, without passwords.
func (d *DryRunDomainJoiner) Requests() []engine.JoinRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]engine.JoinRequest(nil), d.requests...)
}
