package manifest

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceKind distinguishes the fixed platform services from the
// application services deployed on top of them.
type ServiceKind string

const (
	// KindCore marks a platform service (database, reverse proxy,
	// identity provider). Core services are always roots of the
	// dependency graph and never declare depends_on.
	KindCore ServiceKind = "core"

	// KindApplication marks a regular application service.
	KindApplication ServiceKind = "application"
)

// Manifest is the validated, typed form of a deployment manifest.
type Manifest struct {
	// Network is the shared network block.
	Network NetworkSpec `yaml:"network"`

	// CoreServices maps core service names to their specs.
	CoreServices map[string]*ServiceSpec `yaml:"core_services"`

	// Services maps application service names to their specs.
	Services map[string]*ServiceSpec `yaml:"services"`
}

// NetworkSpec describes the deployment network.
type NetworkSpec struct {
	// Domain is the internal DNS domain (e.g., "nixmox.lan").
	Domain string `yaml:"domain" validate:"required"`

	// Gateway is the network gateway address.
	Gateway string `yaml:"gateway,omitempty" validate:"omitempty,ip"`

	// CIDR is the deployment subnet.
	CIDR string `yaml:"cidr,omitempty" validate:"omitempty,cidr"`
}

// ServiceSpec describes one service entry. Name and Kind are filled in
// from the enclosing map during parsing.
type ServiceSpec struct {
	// Name is the unique service name (the map key in the manifest).
	Name string `yaml:"-"`

	// Kind is core or application, derived from the enclosing map.
	Kind ServiceKind `yaml:"-"`

	// Enable gates whether this service participates in planning.
	Enable bool `yaml:"enable"`

	// IP is the service address on the deployment network.
	IP string `yaml:"ip" validate:"required,ip"`

	// Hostname is the short host name; the FQDN is Hostname + "." +
	// Network.Domain.
	Hostname string `yaml:"hostname" validate:"required,hostname_rfc1123"`

	// Interface carries the per-subsystem descriptors.
	Interface InterfaceSpec `yaml:"interface"`

	// DependsOn lists the service names this service depends on.
	// Empty for core services.
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// InterfaceSpec groups the per-subsystem descriptors of a service.
type InterfaceSpec struct {
	// Infra describes what the provisioner must create.
	Infra InfraSpec `yaml:"infra"`

	// Auth optionally wires the service into the identity provider.
	Auth *AuthSpec `yaml:"auth,omitempty"`

	// DB optionally declares a database requirement.
	DB *DBSpec `yaml:"db,omitempty"`

	// Proxy optionally declares ingress exposure.
	Proxy *ProxySpec `yaml:"proxy,omitempty"`

	// Health describes the health probe. Required for application
	// services (enforced by the policy gate).
	Health *HealthSpec `yaml:"health,omitempty"`
}

// InfraSpec is the provisioning descriptor handed to the
// InfraProvisioner. The orchestrator treats it as opaque apart from the
// workspace identity used for mutual exclusion.
type InfraSpec struct {
	// Workspace names the provisioner workspace (state scope). Two
	// services sharing a workspace are never provisioned concurrently.
	Workspace string `yaml:"workspace" validate:"required"`

	// Modules lists the infrastructure modules to instantiate.
	Modules []string `yaml:"modules,omitempty"`

	// Targets restricts provisioning to specific resource addresses.
	Targets []string `yaml:"targets,omitempty"`

	// Variables are free-form provisioner inputs.
	Variables map[string]string `yaml:"variables,omitempty"`
}

// AuthSpec wires a service into the identity provider.
type AuthSpec struct {
	// Provider marks the core service that hosts the identity
	// provider itself. Exactly one core service may set it.
	Provider bool `yaml:"provider,omitempty"`

	// Application is the application slug registered with the
	// identity provider (e.g., "vaultwarden").
	Application string `yaml:"application,omitempty"`

	// Protocol selects the wiring shape (oidc, ldap, radius,
	// forward-auth).
	Protocol string `yaml:"protocol,omitempty" validate:"omitempty,oneof=oidc ldap radius forward-auth"`

	// RedirectURIs are the OAuth redirect URIs for oidc wiring.
	RedirectURIs []string `yaml:"redirect_uris,omitempty"`
}

// DBSpec declares a database requirement.
type DBSpec struct {
	// Name is the database name to ensure.
	Name string `yaml:"name" validate:"required"`

	// Owner is the role owning the database.
	Owner string `yaml:"owner,omitempty"`
}

// ProxySpec declares ingress exposure through the reverse proxy.
type ProxySpec struct {
	// Host is the public virtual host (e.g., "vault").
	Host string `yaml:"host" validate:"required"`

	// Upstream is the backend address, defaulting to ip:port.
	Upstream string `yaml:"upstream,omitempty"`

	// TLS enables certificate provisioning for the virtual host.
	TLS bool `yaml:"tls,omitempty"`
}

// ProbeKind selects how a health probe is executed.
type ProbeKind string

const (
	// ProbeHTTP performs an HTTP GET against the target and treats
	// 2xx/3xx as healthy.
	ProbeHTTP ProbeKind = "http"

	// ProbeCommand runs a command on the target host and treats exit
	// code 0 as healthy.
	ProbeCommand ProbeKind = "command"
)

// HealthSpec describes the health probe for a service.
type HealthSpec struct {
	// Kind selects the probe runner.
	Kind ProbeKind `yaml:"kind" validate:"required,oneof=http command"`

	// Target is the probe argument: a URL path or full URL for http,
	// a command line for command probes.
	Target string `yaml:"target" validate:"required"`

	// Interval is the delay between probe attempts.
	Interval Duration `yaml:"interval,omitempty"`

	// Timeout bounds a single probe attempt.
	Timeout Duration `yaml:"timeout,omitempty"`

	// Retries is the number of additional attempts after the first.
	Retries int `yaml:"retries"`
}

// Duration is a time.Duration that decodes from Go duration strings
// ("30s", "2m") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// FQDN returns the fully qualified host name of the service within the
// manifest network.
func (s *ServiceSpec) FQDN(network NetworkSpec) string {
	if network.Domain == "" {
		return s.Hostname
	}
	return s.Hostname + "." + network.Domain
}

// All returns every enabled service, core first, each group sorted by
// name. Disabled services never reach the graph or the planner.
func (m *Manifest) All() []*ServiceSpec {
	out := make([]*ServiceSpec, 0, len(m.CoreServices)+len(m.Services))
	out = append(out, sortedEnabled(m.CoreServices)...)
	out = append(out, sortedEnabled(m.Services)...)
	return out
}

// Lookup returns the spec for name, searching core services first.
func (m *Manifest) Lookup(name string) (*ServiceSpec, bool) {
	if s, ok := m.CoreServices[name]; ok {
		return s, true
	}
	s, ok := m.Services[name]
	return s, ok
}

// IdentityProvider returns the core service that hosts the identity
// provider, or nil when the manifest declares none.
func (m *Manifest) IdentityProvider() *ServiceSpec {
	for _, s := range sortedEnabled(m.CoreServices) {
		if s.Interface.Auth != nil && s.Interface.Auth.Provider {
			return s
		}
	}
	return nil
}

func sortedEnabled(services map[string]*ServiceSpec) []*ServiceSpec {
	names := make([]string, 0, len(services))
	for name, s := range services {
		if s != nil && s.Enable {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]*ServiceSpec, 0, len(names))
	for _, name := range names {
		out = append(out, services[name])
	}
	return out
}
