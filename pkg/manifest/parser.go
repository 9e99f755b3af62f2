package manifest

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ValidationError describes a single manifest defect. Parsing collects
// every defect instead of stopping at the first so operators can fix
// the manifest in one pass.
type ValidationError struct {
	// Service is the offending service name, empty for manifest-level
	// defects.
	Service string

	// Field is the manifest path of the defect (e.g.,
	// "interface.health.kind").
	Field string

	// Message explains the defect.
	Message string
}

func (e ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("manifest: ")
	if e.Service != "" {
		sb.WriteString(e.Service)
		sb.WriteString(": ")
	}
	if e.Field != "" {
		sb.WriteString(e.Field)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	return sb.String()
}

// Parser decodes and validates deployment manifests.
type Parser struct {
	validate *validator.Validate
}

// NewParser creates a manifest parser.
func NewParser() *Parser {
	return &Parser{validate: validator.New()}
}

// ParseFile reads and validates the manifest at path.
func (p *Parser) ParseFile(path string) (*Manifest, []ValidationError) {
	f, err := os.Open(path)
	if err != nil {
		return nil, []ValidationError{{Message: fmt.Sprintf("open manifest: %v", err)}}
	}
	defer f.Close()
	return p.Parse(f)
}

// Parse decodes the manifest from r and validates it. A nil error slice
// means the manifest is valid; a non-nil slice is fatal upstream and no
// external mutation may be attempted.
func (p *Parser) Parse(r io.Reader) (*Manifest, []ValidationError) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, []ValidationError{{Message: fmt.Sprintf("decode manifest: %v", err)}}
	}

	// Fill in names and kinds from the map keys before validating.
	for name, s := range m.CoreServices {
		if s == nil {
			s = &ServiceSpec{}
			m.CoreServices[name] = s
		}
		s.Name = name
		s.Kind = KindCore
	}
	for name, s := range m.Services {
		if s == nil {
			s = &ServiceSpec{}
			m.Services[name] = s
		}
		s.Name = name
		s.Kind = KindApplication
	}

	if errs := p.validateManifest(&m); len(errs) > 0 {
		return nil, errs
	}
	return &m, nil
}

func (p *Parser) validateManifest(m *Manifest) []ValidationError {
	var errs []ValidationError

	if err := p.validate.Struct(&m.Network); err != nil {
		errs = append(errs, structErrors("", "network", err)...)
	}

	if len(m.CoreServices)+len(m.Services) == 0 {
		errs = append(errs, ValidationError{Message: "manifest declares no services"})
		return errs
	}

	// Names must be unique across both maps. Within one map the YAML
	// decoder already rejects duplicate keys.
	for name := range m.Services {
		if _, clash := m.CoreServices[name]; clash {
			errs = append(errs, ValidationError{
				Service: name,
				Message: "declared both as core service and as application service",
			})
		}
	}

	for _, s := range m.All() {
		errs = append(errs, p.validateService(m, s)...)
	}

	errs = append(errs, p.validateAuthProvider(m)...)
	return errs
}

func (p *Parser) validateService(m *Manifest, s *ServiceSpec) []ValidationError {
	var errs []ValidationError

	if err := p.validate.Struct(s); err != nil {
		errs = append(errs, structErrors(s.Name, "", err)...)
	}

	if s.Kind == KindCore && len(s.DependsOn) > 0 {
		errs = append(errs, ValidationError{
			Service: s.Name,
			Field:   "depends_on",
			Message: "core services must not declare dependencies",
		})
	}

	seen := make(map[string]bool, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		if dep == s.Name {
			errs = append(errs, ValidationError{
				Service: s.Name,
				Field:   "depends_on",
				Message: "service depends on itself",
			})
			continue
		}
		if seen[dep] {
			errs = append(errs, ValidationError{
				Service: s.Name,
				Field:   "depends_on",
				Message: fmt.Sprintf("duplicate dependency %q", dep),
			})
			continue
		}
		seen[dep] = true

		target, ok := m.Lookup(dep)
		if !ok {
			errs = append(errs, ValidationError{
				Service: s.Name,
				Field:   "depends_on",
				Message: fmt.Sprintf("unknown service %q", dep),
			})
			continue
		}
		if !target.Enable {
			errs = append(errs, ValidationError{
				Service: s.Name,
				Field:   "depends_on",
				Message: fmt.Sprintf("dependency %q is disabled", dep),
			})
		}
	}

	if h := s.Interface.Health; h != nil {
		if h.Retries < 0 {
			errs = append(errs, ValidationError{
				Service: s.Name,
				Field:   "interface.health.retries",
				Message: "must be >= 0",
			})
		}
		if h.Interval < 0 || h.Timeout < 0 {
			errs = append(errs, ValidationError{
				Service: s.Name,
				Field:   "interface.health",
				Message: "interval and timeout must not be negative",
			})
		}
	}

	return errs
}

// validateAuthProvider enforces that auth wiring has somewhere to go:
// when any service declares an auth interface, exactly one enabled core
// service must mark itself as the identity provider.
func (p *Parser) validateAuthProvider(m *Manifest) []ValidationError {
	var providers []string
	var consumers bool

	for _, s := range m.All() {
		a := s.Interface.Auth
		if a == nil {
			continue
		}
		if a.Provider {
			if s.Kind != KindCore {
				return []ValidationError{{
					Service: s.Name,
					Field:   "interface.auth.provider",
					Message: "only a core service can host the identity provider",
				}}
			}
			providers = append(providers, s.Name)
		} else {
			consumers = true
		}
	}

	switch {
	case len(providers) > 1:
		return []ValidationError{{
			Field:   "interface.auth.provider",
			Message: fmt.Sprintf("multiple identity providers declared: %s", strings.Join(providers, ", ")),
		}}
	case consumers && len(providers) == 0:
		return []ValidationError{{
			Field:   "interface.auth",
			Message: "auth interfaces declared but no core service hosts the identity provider",
		}}
	}
	return nil
}

// structErrors converts go-playground validator errors into manifest
// validation errors with readable field paths.
func structErrors(service, prefix string, err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Service: service, Field: prefix, Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		field := fieldPath(fe.Namespace())
		if prefix != "" {
			field = prefix + "." + field
		}
		out = append(out, ValidationError{
			Service: service,
			Field:   field,
			Message: fmt.Sprintf("failed %q validation", fe.Tag()),
		})
	}
	return out
}

// fieldPath strips the root struct name from a validator namespace and
// lowercases the remaining segments to match manifest spelling.
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}
