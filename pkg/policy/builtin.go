package policy

// BuiltinPolicies returns the policies evaluated on every run.
func BuiltinPolicies() []Policy {
	return []Policy{
		applicationHealthPolicy(),
		authWithoutProxyPolicy(),
		databaseDependencyPolicy(),
	}
}

// applicationHealthPolicy requires a health probe on every application
// service. Without one the executor cannot verify convergence and the
// idempotency pre-check degrades to re-applying everything.
func applicationHealthPolicy() Policy {
	return Policy{
		Name:        "application-health-required",
		Description: "Application services must declare a health probe",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package nixmox.policies.health

import rego.v1

deny contains violation if {
	input.service.kind == "application"
	not input.service.has_health
	violation := {
		"message": sprintf("application service %s declares no health probe", [input.service.name]),
		"severity": "error",
		"service": input.service.name,
	}
}
`,
	}
}

// authWithoutProxyPolicy warns when a service registers with the
// identity provider but is not exposed through the proxy, which leaves
// the auth flow unreachable.
func authWithoutProxyPolicy() Policy {
	return Policy{
		Name:        "auth-without-proxy",
		Description: "Services wired into the identity provider should be proxied",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package nixmox.policies.auth

import rego.v1

deny contains violation if {
	input.service.kind == "application"
	input.service.has_auth
	not input.service.auth_provider
	not input.service.has_proxy
	violation := {
		"message": sprintf("service %s uses the identity provider but declares no proxy exposure", [input.service.name]),
		"severity": "warning",
		"service": input.service.name,
	}
}
`,
	}
}

// databaseDependencyPolicy warns when a service declares a database
// requirement but no dependency that could host it.
func databaseDependencyPolicy() Policy {
	return Policy{
		Name:        "database-dependency",
		Description: "Services declaring a database should depend on one",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package nixmox.policies.db

import rego.v1

deny contains violation if {
	input.service.has_db
	count(input.service.depends_on) == 0
	violation := {
		"message": sprintf("service %s declares a database but no dependencies", [input.service.name]),
		"severity": "warning",
		"service": input.service.name,
	}
}
`,
	}
}
