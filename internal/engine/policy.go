package engine

import (
	"fmt"
)

// TenantCeiling is the administrative ceiling a tenant may never exceed,
// regardless of what an individual ExecutionRequest asks for.
type TenantCeiling struct {
	ResourceLimits       ResourceLimits
	AllowedIsolation     []IsolationType
	RequiredCapabilities []string
	BlockedCapabilities  []string
	MaxConcurrentWork    int
}

// CeilingProvider resolves a tenant's administrative ceiling; backed by
// the registry or a config-driven default in production.
type CeilingProvider interface {
	CeilingFor(tenantID TenantId) (TenantCeiling, error)
}

// Policy is the resource & security enforcer (C4): it validates a request
// against a tool's declared requirements and a tenant's ceiling, and
// produces the SandboxConfig a Backend.Create actually receives. Grounded
// on the componentwise-min "effective limits" rule in spec.md's invariant 7
// and the capability-gating note in §4.4.
type Policy struct {
	ceilings CeilingProvider
}

// NewPolicy builds a Policy backed by the given ceiling provider.
func NewPolicy(ceilings CeilingProvider) *Policy {
	return &Policy{ceilings: ceilings}
}

// Resolve validates req against tool and the tenant's ceiling, returning
// the SandboxConfig the worker should hand to a Backend.Create. It never
// mutates req; on rejection, the returned error's Kind is PermissionDenied
// (blocked capability or disallowed isolation) or ResourceLimitExceeded
// (a requested memory, CPU or execution-time limit is not positive).
// Positive limits above the ceiling are clamped to it, not rejected.
func (p *Policy) Resolve(tool Tool, req ExecutionRequest, isolation IsolationType) (SandboxConfig, error) {
	ceiling, err := p.ceilings.CeilingFor(req.Context.TenantID)
	if err != nil {
		return SandboxConfig{}, ErrInternalError("failed to resolve tenant ceiling", err)
	}

	if err := requireCapabilities(tool.RequiredCapabilities, ceiling); err != nil {
		return SandboxConfig{}, err
	}

	if !isolationAllowed(isolation, ceiling.AllowedIsolation) {
		return SandboxConfig{}, ErrPermissionDenied(fmt.Sprintf("isolation type %q is not permitted for this tenant", isolation))
	}

	if l := req.Options.ResourceLimits; (l.MemoryBytes != nil && *l.MemoryBytes <= 0) ||
		(l.CPUFraction != nil && *l.CPUFraction <= 0) ||
		(l.ExecutionTime != nil && *l.ExecutionTime <= 0) {
		return SandboxConfig{}, ErrResourceLimitExceeded("requested resource limits must be positive")
	}

	effective := clampLimits(req.Options.ResourceLimits, ceiling.ResourceLimits)

	return SandboxConfig{
		IsolationType:  isolation,
		ResourceLimits: effective,
		SecurityPolicy: securityPolicyFor(tool, ceiling),
		EnvVars:        req.Context.Environment,
	}, nil
}

// requireCapabilities rejects when the tool needs a capability the
// tenant's ceiling blocks; the ceiling's RequiredCapabilities is not checked.
func requireCapabilities(required []string, ceiling TenantCeiling) error {
	blocked := make(map[string]bool, len(ceiling.BlockedCapabilities))
	for _, c := range ceiling.BlockedCapabilities {
		blocked[c] = true
	}
	for _, c := range required {
		if blocked[c] {
			return ErrPermissionDenied(fmt.Sprintf("capability %q is blocked for this tenant", c))
		}
	}
	return nil
}

func isolationAllowed(t IsolationType, allowed []IsolationType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// securityPolicyFor derives the SecurityPolicy a sandbox should enforce
// from the tool's declared required capabilities plus the tenant ceiling's
// blocked capabilities, defaulting to the most restrictive posture.
func securityPolicyFor(tool Tool, ceiling TenantCeiling) SecurityPolicy {
	policy := SecurityPolicy{
		NetworkAccess:    false,
		FileSystemAccess: false,
		ProcessCreation:  false,
		ReadOnlyRoot:     true,
		NoNewPrivileges:  true,
		BlockedSyscalls:  ceiling.BlockedCapabilities,
	}
	for _, c := range tool.RequiredCapabilities {
		switch c {
		case "network":
			policy.NetworkAccess = true
		case "filesystem":
			policy.FileSystemAccess = true
		case "process":
			policy.ProcessCreation = true
		default:
			policy.Capabilities = append(policy.Capabilities, c)
		}
	}
	return policy
}

// StaticCeilingProvider is a CeilingProvider returning one fixed ceiling
// for every tenant — useful for single-tenant deployments and tests.
type StaticCeilingProvider struct {
	Ceiling TenantCeiling
}

func (s StaticCeilingProvider) CeilingFor(tenantID TenantId) (TenantCeiling, error) {
	return s.Ceiling, nil
}
