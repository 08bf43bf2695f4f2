package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return NewService(config.SecurityConfig{SessionTTL: 3600}, log, opts...)
}

// newSessionWithRoles authenticates a user, verifies a device, and grants a
// session carrying the given roles.
func newSessionWithRoles(t *testing.T, svc *Service, roles []string, scopes ...string) *Session {
	t.Helper()
	ctx := context.Background()
	user, err := svc.AuthenticateUser(ctx, ProviderLocal, map[string]string{"username": "dev"})
	if err != nil {
		t.Fatalf("AuthenticateUser failed: %v", err)
	}
	device, err := svc.VerifyDevice(ctx, "", DeviceDesktop)
	if err != nil {
		t.Fatalf("VerifyDevice failed: %v", err)
	}
	session, err := svc.CreateSession(ctx, user.ID, device.ID, roles, scopes...)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session
}

func TestAuthenticateUser_CreatesAndReuses(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	creds := map[string]string{"email": "ada@example.com", "name": "Ada"}
	first, err := svc.AuthenticateUser(ctx, ProviderGitHub, creds)
	if err != nil {
		t.Fatalf("AuthenticateUser failed: %v", err)
	}
	if first.ID == "" {
		t.Fatal("Expected a user ID")
	}
	if first.Provider != ProviderGitHub {
		t.Errorf("Expected provider github, got %s", first.Provider)
	}
	if !first.Verified {
		t.Error("Expected externally provided identity to be verified")
	}
	if first.DisplayName != "Ada" {
		t.Errorf("Expected display name Ada, got %q", first.DisplayName)
	}

	second, err := svc.AuthenticateUser(ctx, ProviderGitHub, creds)
	if err != nil {
		t.Fatalf("Second AuthenticateUser failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected the same identity, got %s and %s", first.ID, second.ID)
	}
}

func TestAuthenticateUser_LocalIsUnverified(t *testing.T) {
	svc := newTestService(t)

	user, err := svc.AuthenticateUser(context.Background(), ProviderLocal, map[string]string{"username": "dev"})
	if err != nil {
		t.Fatalf("AuthenticateUser failed: %v", err)
	}
	if user.Verified {
		t.Error("Expected local identity to be unverified")
	}
	if user.DisplayName != "dev" {
		t.Errorf("Expected display name to fall back to the subject, got %q", user.DisplayName)
	}
}

func TestAuthenticateUser_UnknownProvider(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AuthenticateUser(context.Background(), Provider("ldap"), map[string]string{"email": "x@example.com"})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Expected ErrUnknownProvider, got %v", err)
	}
}

func TestAuthenticateUser_MissingSubject(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AuthenticateUser(context.Background(), ProviderLocal, map[string]string{})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("Expected ErrMissingCredentials, got %v", err)
	}
}

func TestVerifyDevice_RegistersUnknownAsUntrusted(t *testing.T) {
	svc := newTestService(t)

	device, err := svc.VerifyDevice(context.Background(), "laptop-1", DeviceDesktop)
	if err != nil {
		t.Fatalf("VerifyDevice failed: %v", err)
	}
	if device.ID != "laptop-1" {
		t.Errorf("Expected device ID laptop-1, got %s", device.ID)
	}
	if device.Trust != TrustUntrusted {
		t.Errorf("Expected new device to be untrusted, got %s", device.Trust)
	}
	if device.LastSeen.IsZero() {
		t.Error("Expected last seen to be set")
	}
}

func TestVerifyDevice_KnownDeviceKeepsTrust(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := svc.VerifyDevice(ctx, "laptop-1", DeviceDesktop); err != nil {
		t.Fatalf("VerifyDevice failed: %v", err)
	}
	if _, err := svc.PromoteDevice(ctx, "laptop-1", TrustTrusted); err != nil {
		t.Fatalf("PromoteDevice failed: %v", err)
	}

	now = now.Add(time.Hour)
	device, err := svc.VerifyDevice(ctx, "laptop-1", DeviceMobile)
	if err != nil {
		t.Fatalf("Second VerifyDevice failed: %v", err)
	}
	if device.Trust != TrustTrusted {
		t.Errorf("Expected verification to keep trust, got %s", device.Trust)
	}
	if device.Type != DeviceDesktop {
		t.Errorf("Expected verification to keep the registered type, got %s", device.Type)
	}
	if !device.LastSeen.Equal(now) {
		t.Errorf("Expected last seen %v, got %v", now, device.LastSeen)
	}
}

func TestVerifyDevice_InvalidType(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.VerifyDevice(context.Background(), "x", DeviceType("toaster"))
	if !errors.Is(err, ErrInvalidDeviceType) {
		t.Fatalf("Expected ErrInvalidDeviceType, got %v", err)
	}
}

func TestPromoteDevice_Monotonic(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.VerifyDevice(ctx, "laptop-1", DeviceDesktop); err != nil {
		t.Fatalf("VerifyDevice failed: %v", err)
	}

	device, err := svc.PromoteDevice(ctx, "laptop-1", TrustVerified)
	if err != nil {
		t.Fatalf("PromoteDevice failed: %v", err)
	}
	if device.Trust != TrustVerified {
		t.Errorf("Expected verified, got %s", device.Trust)
	}

	// Same level is a no-op, not an error.
	if _, err := svc.PromoteDevice(ctx, "laptop-1", TrustVerified); err != nil {
		t.Fatalf("Promoting to the current level failed: %v", err)
	}

	_, err = svc.PromoteDevice(ctx, "laptop-1", TrustUntrusted)
	if !errors.Is(err, ErrTrustDowngrade) {
		t.Fatalf("Expected ErrTrustDowngrade, got %v", err)
	}

	_, err = svc.PromoteDevice(ctx, "missing", TrustTrusted)
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("Expected ErrUnknownDevice, got %v", err)
	}
}

func TestCreateSession_DefaultTTL(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(config.SecurityConfig{}, log, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	user, err := svc.AuthenticateUser(ctx, ProviderLocal, map[string]string{"username": "dev"})
	if err != nil {
		t.Fatalf("AuthenticateUser failed: %v", err)
	}
	device, err := svc.VerifyDevice(ctx, "", DeviceDesktop)
	if err != nil {
		t.Fatalf("VerifyDevice failed: %v", err)
	}
	session, err := svc.CreateSession(ctx, user.ID, device.ID, []string{RoleDeveloper})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if !session.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("Expected a 24h session, expires at %v", session.ExpiresAt)
	}
}

func TestCreateSession_RequiresKnownUserAndDevice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "ghost", "laptop-1", []string{RoleDeveloper})
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("Expected ErrUnknownUser, got %v", err)
	}

	user, err := svc.AuthenticateUser(ctx, ProviderLocal, map[string]string{"username": "dev"})
	if err != nil {
		t.Fatalf("AuthenticateUser failed: %v", err)
	}
	_, err = svc.CreateSession(ctx, user.ID, "missing", []string{RoleDeveloper})
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("Expected ErrUnknownDevice, got %v", err)
	}
}

func TestGetEffectivePermissions_UnionOverRoles(t *testing.T) {
	svc := newTestService(t)
	session := newSessionWithRoles(t, svc, []string{RoleReadonly, RoleOperator, "no-such-role"})

	perms := svc.GetEffectivePermissions(session)
	want := []Permission{PermConfigRead, PermConfigWrite, PermTaskCancel, PermTaskRead}
	if len(perms) != len(want) {
		t.Fatalf("Expected %d permissions, got %v", len(want), perms)
	}
	for i, perm := range want {
		if perms[i] != perm {
			t.Errorf("Expected %s at %d, got %s", perm, i, perms[i])
		}
	}
}

func TestCheckPermission_ReadonlyDeniedSubmit(t *testing.T) {
	svc := newTestService(t)
	session := newSessionWithRoles(t, svc, []string{RoleReadonly})

	result := svc.CheckPermission(context.Background(), session.ID, PermTaskSubmit, "")
	if result.Allowed {
		t.Fatal("Expected readonly session to be denied task:submit")
	}
	if !strings.Contains(result.Reason, "task:submit") {
		t.Errorf("Expected reason to name the missing permission, got %q", result.Reason)
	}
	if len(result.Missing) != 1 || result.Missing[0] != PermTaskSubmit {
		t.Errorf("Expected missing [task:submit], got %v", result.Missing)
	}
}

func TestCheckPermission_AdminBypass(t *testing.T) {
	svc := newTestService(t)
	session := newSessionWithRoles(t, svc, []string{RoleAdmin})

	for _, perm := range []Permission{PermTaskSubmit, PermConfigWrite, PermSkillExecute} {
		result := svc.CheckPermission(context.Background(), session.ID, perm, "")
		if !result.Allowed {
			t.Errorf("Expected admin to hold %s, denied: %s", perm, result.Reason)
		}
	}
}

func TestCheckPermission_ExpiredSession(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, WithClock(func() time.Time { return now }))
	session := newSessionWithRoles(t, svc, []string{RoleAdmin})

	now = now.Add(3601 * time.Second)
	result := svc.CheckPermission(context.Background(), session.ID, PermTaskRead, "")
	if result.Allowed {
		t.Fatal("Expected expired session to be denied")
	}
	if !strings.Contains(result.Reason, "session expired") {
		t.Errorf("Expected an expiry reason, got %q", result.Reason)
	}
}

func TestCheckPermission_UnknownSession(t *testing.T) {
	svc := newTestService(t)

	result := svc.CheckPermission(context.Background(), "no-such-session", PermTaskRead, "")
	if result.Allowed {
		t.Fatal("Expected unknown session to be denied")
	}
	if !strings.Contains(result.Reason, "unknown session") {
		t.Errorf("Expected the reason to say the session is unknown, got %q", result.Reason)
	}
}

func TestCheckPermission_AuditsEachDecision(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	session := newSessionWithRoles(t, svc, []string{RoleReadonly})

	before := len(svc.GetAuditLog(ctx, AuditFilter{Action: string(PermTaskSubmit)}))
	svc.CheckPermission(ctx, session.ID, PermTaskSubmit, "t-1")
	entries := svc.GetAuditLog(ctx, AuditFilter{Action: string(PermTaskSubmit)})
	if len(entries) != before+1 {
		t.Fatalf("Expected exactly one new audit entry, got %d", len(entries)-before)
	}

	entry := entries[len(entries)-1]
	if entry.Result != AuditDenied {
		t.Errorf("Expected a denied entry, got %s", entry.Result)
	}
	if entry.SessionID != session.ID {
		t.Errorf("Expected session %s on the entry, got %s", session.ID, entry.SessionID)
	}
	if entry.UserID != session.UserID {
		t.Errorf("Expected user %s on the entry, got %s", session.UserID, entry.UserID)
	}
	if entry.ResourceType != ResourceTask || entry.ResourceID != "t-1" {
		t.Errorf("Expected task/t-1 resource, got %s/%s", entry.ResourceType, entry.ResourceID)
	}
}

func TestGetAuditLog_Filters(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	session := newSessionWithRoles(t, svc, []string{RoleDeveloper})

	svc.CheckPermission(ctx, session.ID, PermTaskRead, "")
	cutoff := now.Add(time.Minute)
	now = now.Add(2 * time.Minute)
	svc.CheckPermission(ctx, session.ID, PermTaskSubmit, "")

	byUser := svc.GetAuditLog(ctx, AuditFilter{UserID: session.UserID})
	if len(byUser) == 0 {
		t.Fatal("Expected entries for the user")
	}
	for _, entry := range byUser {
		if entry.UserID != session.UserID {
			t.Errorf("Expected only entries for %s, got %s", session.UserID, entry.UserID)
		}
	}

	byAction := svc.GetAuditLog(ctx, AuditFilter{Action: string(PermTaskRead)})
	if len(byAction) != 1 {
		t.Fatalf("Expected one task:read entry, got %d", len(byAction))
	}

	since := svc.GetAuditLog(ctx, AuditFilter{Since: &cutoff})
	if len(since) != 1 || since[0].Action != string(PermTaskSubmit) {
		t.Fatalf("Expected only the entry after the cutoff, got %d", len(since))
	}

	both := svc.GetAuditLog(ctx, AuditFilter{UserID: session.UserID, Action: string(PermTaskSubmit), Since: &cutoff})
	if len(both) != 1 {
		t.Fatalf("Expected the conjunction to match one entry, got %d", len(both))
	}
}

func TestAudit_AppendsWithSequence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Audit(ctx, &AuditEntry{Action: "custom.action", Result: AuditAllowed})
	entries := svc.GetAuditLog(ctx, AuditFilter{Action: "custom.action"})
	if len(entries) != 1 {
		t.Fatalf("Expected one entry, got %d", len(entries))
	}
	if entries[0].ID == "" || entries[0].Timestamp.IsZero() || entries[0].Seq == 0 {
		t.Errorf("Expected ID, timestamp, and sequence to be filled in: %+v", entries[0])
	}
}

func TestAudit_CapDropsOldest(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	svc := NewService(config.SecurityConfig{SessionTTL: 3600, AuditMaxSize: 3}, log)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.Audit(ctx, &AuditEntry{Action: "tick", Result: AuditAllowed})
	}
	entries := svc.GetAuditLog(ctx, AuditFilter{Action: "tick"})
	if len(entries) != 3 {
		t.Fatalf("Expected the log to be capped at 3, got %d", len(entries))
	}
	if entries[0].Seq != 3 || entries[2].Seq != 5 {
		t.Errorf("Expected sequence numbers to keep counting, got %d..%d", entries[0].Seq, entries[2].Seq)
	}
}

func TestGetSession_UnknownIsNil(t *testing.T) {
	svc := newTestService(t)
	if session := svc.GetSession(context.Background(), "missing"); session != nil {
		t.Fatalf("Expected nil for an unknown session, got %+v", session)
	}
}
