package security

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidPolicy is returned for a repo policy without a repo path.
var ErrInvalidPolicy = errors.New("repo policy missing repo path")

// SetRepoPolicy stores the policy under its repo path, replacing any previous
// policy for that path. The policy is cloned on the way in.
func (s *Service) SetRepoPolicy(ctx context.Context, policy *RepoPolicy) error {
	if policy == nil || policy.RepoPath == "" {
		return ErrInvalidPolicy
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies[policy.RepoPath] = policy.Clone()
	s.auditLocked(&AuditEntry{
		Action:       "policy.set",
		ResourceType: ResourceConfig,
		ResourceID:   policy.RepoPath,
		Result:       AuditAllowed,
	})
	s.logger.Info("Stored repo policy",
		zap.String("repo_path", policy.RepoPath),
		zap.Int("agent_policies", len(policy.AgentPolicies)),
		zap.Int("skill_policies", len(policy.SkillPolicies)))
	return nil
}

// GetRepoPolicy returns the policy stored for the repo path, or nil if none
// exists.
func (s *Service) GetRepoPolicy(ctx context.Context, repoPath string) *RepoPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[repoPath].Clone()
}

// CheckAgentAccess evaluates whether the session may invoke the agent.
//
// The layers apply in order: the agent:invoke permission, the repo policy for
// the session's first scope entry, the agent-specific policy inside it (role
// intersection, then required trust against the device). A session without
// scopes, or a scope without a policy, passes the policy layers. One audit
// entry records the final decision.
func (s *Service) CheckAgentAccess(ctx context.Context, sessionID, agentID string) *CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, session := s.evaluatePermissionLocked(sessionID, PermAgentInvoke)
	if result.Allowed {
		result = s.evaluateAgentPolicyLocked(session, agentID)
	}
	s.auditDecisionLocked(session, sessionID, "agent.access", ResourceAgent, agentID, result)
	return result
}

func (s *Service) evaluateAgentPolicyLocked(session *Session, agentID string) *CheckResult {
	allowed := &CheckResult{
		Allowed:  true,
		Reason:   "granted",
		Required: []Permission{PermAgentInvoke},
	}
	policy := s.scopePolicyLocked(session)
	if policy == nil {
		return allowed
	}
	if result := s.evaluateRepoGateLocked(session, policy); result != nil {
		return result
	}

	agentPolicy := policy.agentPolicy(agentID)
	if agentPolicy == nil {
		return allowed
	}
	for _, role := range session.Roles {
		for _, denied := range agentPolicy.DeniedRoles {
			if role == denied {
				return &CheckResult{
					Allowed:  false,
					Reason:   fmt.Sprintf("role %s is denied for agent %s", role, agentID),
					Required: []Permission{PermAgentInvoke},
				}
			}
		}
	}
	if len(agentPolicy.AllowedRoles) > 0 {
		if shared := intersectRoles(session.Roles, agentPolicy.AllowedRoles); len(shared) == 0 {
			return &CheckResult{
				Allowed:  false,
				Reason:   fmt.Sprintf("agent %s requires one of roles [%s]", agentID, strings.Join(agentPolicy.AllowedRoles, ", ")),
				Required: []Permission{PermAgentInvoke},
			}
		}
	}
	if agentPolicy.RequiredTrust != "" {
		trust := s.deviceTrustLocked(session.DeviceID)
		if !trust.AtLeast(agentPolicy.RequiredTrust) {
			return &CheckResult{
				Allowed:  false,
				Reason:   fmt.Sprintf("agent %s requires device trust %s, device is %s", agentID, agentPolicy.RequiredTrust, trust),
				Required: []Permission{PermAgentInvoke},
			}
		}
	}
	return allowed
}

// CheckSkillAccess evaluates whether the session may execute the skill.
//
// The layers apply in order: the skill:execute permission, the skill-specific
// policy from the repo policy for the session's first scope entry, each of the
// policy's required permissions individually, the role intersection, and last
// the dangerous gate: a dangerous skill is denied from an untrusted device no
// matter which roles the session holds. One audit entry records the final
// decision.
func (s *Service) CheckSkillAccess(ctx context.Context, sessionID, skillID string) *CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, session := s.evaluatePermissionLocked(sessionID, PermSkillExecute)
	if result.Allowed {
		result = s.evaluateSkillPolicyLocked(session, skillID)
	}
	s.auditDecisionLocked(session, sessionID, "skill.access", ResourceSkill, skillID, result)
	return result
}

func (s *Service) evaluateSkillPolicyLocked(session *Session, skillID string) *CheckResult {
	allowed := &CheckResult{
		Allowed:  true,
		Reason:   "granted",
		Required: []Permission{PermSkillExecute},
	}
	policy := s.scopePolicyLocked(session)
	if policy == nil {
		return allowed
	}
	if result := s.evaluateRepoGateLocked(session, policy); result != nil {
		return result
	}

	skillPolicy := policy.skillPolicy(skillID)
	if skillPolicy == nil {
		return allowed
	}

	required := []Permission{PermSkillExecute}
	var missing []Permission
	for _, perm := range skillPolicy.RequiredPermissions {
		if perm != PermSkillExecute {
			required = append(required, perm)
		}
		if sub, _ := s.evaluatePermissionLocked(session.ID, perm); !sub.Allowed {
			missing = append(missing, perm)
		}
	}
	if len(missing) > 0 {
		names := make([]string, len(missing))
		for i, perm := range missing {
			names[i] = string(perm)
		}
		return &CheckResult{
			Allowed:  false,
			Reason:   fmt.Sprintf("skill %s requires permission %s", skillID, strings.Join(names, ", ")),
			Required: required,
			Missing:  missing,
		}
	}
	if len(skillPolicy.AllowedRoles) > 0 {
		if shared := intersectRoles(session.Roles, skillPolicy.AllowedRoles); len(shared) == 0 {
			return &CheckResult{
				Allowed:  false,
				Reason:   fmt.Sprintf("skill %s requires one of roles [%s]", skillID, strings.Join(skillPolicy.AllowedRoles, ", ")),
				Required: required,
			}
		}
	}

	trust := s.deviceTrustLocked(session.DeviceID)
	if skillPolicy.Dangerous && trust == TrustUntrusted {
		return &CheckResult{
			Allowed:  false,
			Reason:   fmt.Sprintf("skill %s is dangerous and cannot run from an %s device", skillID, trust),
			Required: required,
		}
	}
	if skillPolicy.RequiredTrust != "" && !trust.AtLeast(skillPolicy.RequiredTrust) {
		return &CheckResult{
			Allowed:  false,
			Reason:   fmt.Sprintf("skill %s requires device trust %s, device is %s", skillID, skillPolicy.RequiredTrust, trust),
			Required: required,
		}
	}
	return &CheckResult{
		Allowed:  true,
		Reason:   "granted",
		Required: required,
	}
}

// scopePolicyLocked returns the repo policy for the session's first scope
// entry. Sessions without scopes, and scopes without a stored policy, yield
// nil.
func (s *Service) scopePolicyLocked(session *Session) *RepoPolicy {
	if session == nil || len(session.Scopes) == 0 {
		return nil
	}
	return s.policies[session.Scopes[0]]
}

// evaluateRepoGateLocked applies the repo-wide entries of a policy: denied
// and allowed user lists, the repo role list, and the minimum device trust
// when trust enforcement is on. A nil result means the gate passed.
func (s *Service) evaluateRepoGateLocked(session *Session, policy *RepoPolicy) *CheckResult {
	for _, denied := range policy.DeniedUsers {
		if session.UserID == denied {
			return &CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("user %s is denied for repo %s", session.UserID, policy.RepoPath),
			}
		}
	}
	if len(policy.AllowedUsers) > 0 {
		found := false
		for _, allowed := range policy.AllowedUsers {
			if session.UserID == allowed {
				found = true
				break
			}
		}
		if !found {
			return &CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("user %s is not in the allowed users for repo %s", session.UserID, policy.RepoPath),
			}
		}
	}
	if len(policy.AllowedRoles) > 0 {
		if shared := intersectRoles(session.Roles, policy.AllowedRoles); len(shared) == 0 {
			return &CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("repo %s requires one of roles [%s]", policy.RepoPath, strings.Join(policy.AllowedRoles, ", ")),
			}
		}
	}
	if policy.EnforceTrust && policy.MinTrust != "" {
		trust := s.deviceTrustLocked(session.DeviceID)
		if !trust.AtLeast(policy.MinTrust) {
			return &CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("repo %s requires device trust %s, device is %s", policy.RepoPath, policy.MinTrust, trust),
			}
		}
	}
	return nil
}

// deviceTrustLocked resolves a device's trust level, treating an unknown
// device as untrusted.
func (s *Service) deviceTrustLocked(deviceID string) TrustLevel {
	if device, ok := s.devices[deviceID]; ok {
		return device.Trust
	}
	return TrustUntrusted
}
