package tasks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// DomainPasswordEnv holds the join password. It is never read from the state
// so that it does not end up in a checkpoint.
const DomainPasswordEnv = "OSDEPLOY_DOMAIN_PASSWORD"

// JoinDomain joins the offline system to a directory domain.
// A failed join does not stop the deployment.
type JoinDomain struct {
	engine.BaseTask

	Domain       string
	OU           string
	Account      string
	Password     string
	ComputerName string
	SystemVolume engine.Volume

	domain engine.DomainJoiner
	logger zerolog.Logger
}

// NewJoinDomain creates a JoinDomain task.
func NewJoinDomain(domain engine.DomainJoiner, logger zerolog.Logger) *JoinDomain {
	return &JoinDomain{
		BaseTask: engine.BaseTask{
			TypeName: TypeJoinDomain,
			Phases:   []engine.Phase{engine.PhaseInstallation, engine.PhasePostInstallation},
		},
		domain: domain,
		logger: taskLogger(logger, TypeJoinDomain),
	}
}

// Properties implements engine.Task.
func (t *JoinDomain) Properties() []*engine.Property {
	return []*engine.Property{
		engine.StringProperty("domain", &t.Domain).
			FromState(engine.KeyDomain).
			FromEnv().
			Required().
			Validate("fqdn"),
		engine.StringProperty("ou", &t.OU).
			FromState(engine.KeyDomainOU).
			FromEnv(),
		engine.StringProperty("account", &t.Account).
			FromState(engine.KeyDomainAccount).
			FromEnv().
			Required(),
		engine.StringProperty("password", &t.Password).
			FromEnv(DomainPasswordEnv).
			Required(),
		engine.StringProperty("computerName", &t.ComputerName).
			FromState(engine.KeyComputerName).
			FromEnv().
			Required().
			Validate("max=15,hostname"),
		engine.VolumeProperty("systemVolume", &t.SystemVolume).
			FromState(engine.KeySystemVolume).
			Required(),
	}
}

// Execute implements engine.Task.
func (t *JoinDomain) Execute(ctx context.Context, _ *engine.State) error {
	if t.domain == nil {
		return missing("domain")
	}

	req := engine.JoinRequest{
		Domain:             t.Domain,
		OrganizationalUnit: t.OU,
		Account:            t.Account,
		Password:           t.Password,
		ComputerName:       t.ComputerName,
		SystemVolume:       t.SystemVolume,
	}
	if err := call(ctx, "domain", "join", func(ctx context.Context) error {
		return t.domain.Join(ctx, req)
	}); err != nil {
		return err
	}

	t.logger.Info().
		Str("domain", req.Domain).
		Str("computer", req.ComputerName).
		Str("ou", req.OrganizationalUnit).
		Msg("Joined domain")
	return nil
}
