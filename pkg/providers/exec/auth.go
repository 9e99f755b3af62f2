package exec

import (
	"context"
	"strings"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/nixmox/orchestrator/pkg/manifest"
	"github.com/rs/zerolog"
)

// AuthConfigurer shells out to an identity wiring command. Arguments
// may use {provider_host}, {provider_ip}, {service}, {application},
// {protocol}, and {redirect_uris} (comma-joined). The command must be
// idempotent: re-running it for an already wired service is a no-op.
type AuthConfigurer struct {
	adapter adapter
}

// NewAuthConfigurer builds an AuthConfigurer around the given command.
func NewAuthConfigurer(command string, args []string, logger zerolog.Logger) *AuthConfigurer {
	return &AuthConfigurer{adapter: adapter{
		command: command,
		args:    args,
		logger:  logger.With().Str("component", "auth").Logger(),
	}}
}

// Ensure wires svc into the identity provider at provider.
func (c *AuthConfigurer) Ensure(ctx context.Context, provider engine.Target, svc *manifest.ServiceSpec) error {
	auth := svc.Interface.Auth
	if auth == nil {
		return nil
	}

	application := auth.Application
	if application == "" {
		application = svc.Name
	}

	vars := map[string]string{
		"provider_host": provider.Host,
		"provider_ip":   provider.IP,
		"service":       svc.Name,
		"application":   application,
		"protocol":      auth.Protocol,
		"redirect_uris": strings.Join(auth.RedirectURIs, ","),
	}
	_, err := c.adapter.run(ctx, vars, nil)
	return err
}
