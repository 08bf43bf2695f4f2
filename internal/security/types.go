// Package security implements authentication, sessions, permission checks,
// repo policies, and the audit trail.
//
// Checks return results instead of errors: an ordinary denial is a value,
// not a failure. The role table is read-only at runtime; sessions, devices,
// and users live in memory and are owned by the Service.
package security

import (
	"time"
)

// Provider identifies an identity provider.
type Provider string

const (
	ProviderOIDC   Provider = "oidc"
	ProviderGitHub Provider = "github"
	ProviderGoogle Provider = "google"
	ProviderLocal  Provider = "local"
)

// ValidProvider reports whether p is in the closed provider set.
func ValidProvider(p Provider) bool {
	switch p {
	case ProviderOIDC, ProviderGitHub, ProviderGoogle, ProviderLocal:
		return true
	}
	return false
}

// DeviceType classifies a registered device.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceServer  DeviceType = "server"
	DeviceCI      DeviceType = "ci"
)

// TrustLevel orders device trust. New devices start untrusted; promotion is
// monotonic and never downgrades.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustVerified  TrustLevel = "verified"
	TrustTrusted   TrustLevel = "trusted"
)

// Rank maps a trust level to its position in the order.
func (t TrustLevel) Rank() int {
	switch t {
	case TrustVerified:
		return 1
	case TrustTrusted:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether t satisfies a minimum trust requirement.
func (t TrustLevel) AtLeast(min TrustLevel) bool {
	return t.Rank() >= min.Rank()
}

// Permission is one entry of the closed permission vocabulary.
type Permission string

const (
	PermTaskSubmit   Permission = "task:submit"
	PermTaskRead     Permission = "task:read"
	PermTaskCancel   Permission = "task:cancel"
	PermAgentInvoke  Permission = "agent:invoke"
	PermSkillExecute Permission = "skill:execute"
	PermConfigRead   Permission = "config:read"
	PermConfigWrite  Permission = "config:write"

	// PermAdminAll satisfies every permission check.
	PermAdminAll Permission = "admin:all"
)

// User is an authenticated identity.
type User struct {
	ID          string    `json:"id"`
	Provider    Provider  `json:"provider"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
}

// Device is a registered execution device.
type Device struct {
	ID       string     `json:"id"`
	Type     DeviceType `json:"type"`
	Trust    TrustLevel `json:"trust"`
	LastSeen time.Time  `json:"last_seen"`
}

// Session binds a user and device to a role list for a bounded time. Scopes,
// when present, confine the session to the listed repo paths.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	Roles     []string  `json:"roles"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes,omitempty"`
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Roles = append([]string(nil), s.Roles...)
	clone.Scopes = append([]string(nil), s.Scopes...)
	return &clone
}

// AgentPolicy restricts who may invoke one agent under a repo policy.
type AgentPolicy struct {
	AgentID       string     `json:"agent_id" yaml:"agent_id"`
	AllowedRoles  []string   `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	DeniedRoles   []string   `json:"denied_roles,omitempty" yaml:"denied_roles,omitempty"`
	RequiredTrust TrustLevel `json:"required_trust,omitempty" yaml:"required_trust,omitempty"`
}

// SkillPolicy restricts who may execute one skill under a repo policy.
type SkillPolicy struct {
	SkillID             string       `json:"skill_id" yaml:"skill_id"`
	RequiredPermissions []Permission `json:"required_permissions,omitempty" yaml:"required_permissions,omitempty"`
	AllowedRoles        []string     `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	RequiredTrust       TrustLevel   `json:"required_trust,omitempty" yaml:"required_trust,omitempty"`
	Dangerous           bool         `json:"dangerous,omitempty" yaml:"dangerous,omitempty"`
}

// RepoPolicy is the authorization policy for one repository path.
type RepoPolicy struct {
	RepoPath      string        `json:"repo_path" yaml:"repo_path"`
	EnforceTrust  bool          `json:"enforce_trust,omitempty" yaml:"enforce_trust,omitempty"`
	MinTrust      TrustLevel    `json:"min_trust,omitempty" yaml:"min_trust,omitempty"`
	AllowedRoles  []string      `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	AllowedUsers  []string      `json:"allowed_users,omitempty" yaml:"allowed_users,omitempty"`
	DeniedUsers   []string      `json:"denied_users,omitempty" yaml:"denied_users,omitempty"`
	AgentPolicies []AgentPolicy `json:"agent_policies,omitempty" yaml:"agent_policies,omitempty"`
	SkillPolicies []SkillPolicy `json:"skill_policies,omitempty" yaml:"skill_policies,omitempty"`
}

// Clone returns a deep copy of the policy.
func (p *RepoPolicy) Clone() *RepoPolicy {
	if p == nil {
		return nil
	}
	clone := *p
	clone.AllowedRoles = append([]string(nil), p.AllowedRoles...)
	clone.AllowedUsers = append([]string(nil), p.AllowedUsers...)
	clone.DeniedUsers = append([]string(nil), p.DeniedUsers...)
	if p.AgentPolicies != nil {
		clone.AgentPolicies = make([]AgentPolicy, len(p.AgentPolicies))
		for i, ap := range p.AgentPolicies {
			ap.AllowedRoles = append([]string(nil), ap.AllowedRoles...)
			ap.DeniedRoles = append([]string(nil), ap.DeniedRoles...)
			clone.AgentPolicies[i] = ap
		}
	}
	if p.SkillPolicies != nil {
		clone.SkillPolicies = make([]SkillPolicy, len(p.SkillPolicies))
		for i, sp := range p.SkillPolicies {
			sp.RequiredPermissions = append([]Permission(nil), sp.RequiredPermissions...)
			sp.AllowedRoles = append([]string(nil), sp.AllowedRoles...)
			clone.SkillPolicies[i] = sp
		}
	}
	return &clone
}

func (p *RepoPolicy) agentPolicy(agentID string) *AgentPolicy {
	for i := range p.AgentPolicies {
		if p.AgentPolicies[i].AgentID == agentID {
			return &p.AgentPolicies[i]
		}
	}
	return nil
}

func (p *RepoPolicy) skillPolicy(skillID string) *SkillPolicy {
	for i := range p.SkillPolicies {
		if p.SkillPolicies[i].SkillID == skillID {
			return &p.SkillPolicies[i]
		}
	}
	return nil
}

// CheckResult is the outcome of an authorization check.
type CheckResult struct {
	Allowed  bool         `json:"allowed"`
	Reason   string       `json:"reason,omitempty"`
	Required []Permission `json:"required,omitempty"`
	Missing  []Permission `json:"missing,omitempty"`
}

// ResourceType classifies the resource of an audit entry.
type ResourceType string

const (
	ResourceTask   ResourceType = "task"
	ResourceAgent  ResourceType = "agent"
	ResourceSkill  ResourceType = "skill"
	ResourceConfig ResourceType = "config"
)

// AuditResult classifies the outcome recorded by an audit entry.
type AuditResult string

const (
	AuditAllowed AuditResult = "allowed"
	AuditDenied  AuditResult = "denied"
	AuditError   AuditResult = "error"
)

// AuditEntry is one append-only record of an authorization decision. Seq is
// assigned by the service and increases monotonically.
type AuditEntry struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	UserID       string         `json:"user_id,omitempty"`
	DeviceID     string         `json:"device_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	ResourceType ResourceType   `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Result       AuditResult    `json:"result"`
	Reason       string         `json:"reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *AuditEntry) Clone() *AuditEntry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Metadata != nil {
		clone.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// AuditFilter narrows GetAuditLog results. Set fields combine conjunctively.
type AuditFilter struct {
	UserID string
	Action string
	Since  *time.Time
}

// Matches reports whether the entry satisfies the filter.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}
