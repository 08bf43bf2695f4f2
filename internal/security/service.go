package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/ident"
	"github.com/devflow/devflow/internal/common/logger"
)

var (
	// ErrUnknownProvider is returned when authenticating against a provider
	// outside the closed provider set.
	ErrUnknownProvider = errors.New("unknown identity provider")

	// ErrMissingCredentials is returned when credentials carry no usable
	// subject identity.
	ErrMissingCredentials = errors.New("credentials missing subject identity")

	// ErrUnknownUser is returned when an operation references a user that was
	// never authenticated.
	ErrUnknownUser = errors.New("unknown user")

	// ErrUnknownDevice is returned when an operation references a device that
	// was never verified.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrInvalidDeviceType is returned for a device type outside the closed
	// device type set.
	ErrInvalidDeviceType = errors.New("invalid device type")

	// ErrInvalidTrustLevel is returned for a trust level outside the closed
	// trust order.
	ErrInvalidTrustLevel = errors.New("invalid trust level")

	// ErrTrustDowngrade is returned when a promotion would lower a device's
	// trust. Trust moves upward only.
	ErrTrustDowngrade = errors.New("device trust cannot be downgraded")
)

const defaultSessionTTL = 24 * time.Hour

// Service owns users, devices, sessions, repo policies, and the audit log,
// and evaluates every authorization decision. All state is in memory.
type Service struct {
	logger     *logger.Logger
	clock      ident.Clock
	sessionTTL time.Duration
	auditMax   int
	roleTable  map[string][]Permission

	mu       sync.RWMutex
	users    map[string]*User
	subjects map[string]string // provider+subject -> user ID
	devices  map[string]*Device
	sessions map[string]*Session
	policies map[string]*RepoPolicy
	audit    []*AuditEntry
	auditSeq int64
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Tests use this to drive session
// expiry deterministically.
func WithClock(clock ident.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithRoleTable replaces the built-in role table. The table is cloned and
// read-only afterwards.
func WithRoleTable(table map[string][]Permission) Option {
	return func(s *Service) { s.roleTable = cloneRoleTable(table) }
}

// NewService creates a security service with the built-in role table.
func NewService(cfg config.SecurityConfig, log *logger.Logger, opts ...Option) *Service {
	ttl := cfg.SessionTTLDuration()
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	s := &Service{
		logger:     log.WithComponent("security-service"),
		clock:      ident.SystemClock,
		sessionTTL: ttl,
		auditMax:   cfg.AuditMaxSize,
		roleTable:  defaultRoleTable(),
		users:      make(map[string]*User),
		subjects:   make(map[string]string),
		devices:    make(map[string]*Device),
		sessions:   make(map[string]*Session),
		policies:   make(map[string]*RepoPolicy),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuthenticateUser resolves credentials against a provider and returns the
// user, creating it on first sight. Credentials are taken at face value;
// the subject comes from the "email" entry, falling back to "username".
// Identities from external providers are marked verified.
func (s *Service) AuthenticateUser(ctx context.Context, provider Provider, credentials map[string]string) (*User, error) {
	if !ValidProvider(provider) {
		s.recordAudit(&AuditEntry{
			Action: "user.authenticate",
			Result: AuditError,
			Reason: fmt.Sprintf("unknown provider %q", provider),
		})
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	subject := credentials["email"]
	if subject == "" {
		subject = credentials["username"]
	}
	if subject == "" {
		return nil, ErrMissingCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(provider) + "\x00" + subject
	if id, ok := s.subjects[key]; ok {
		user := s.users[id]
		s.auditLocked(&AuditEntry{
			Action: "user.authenticate",
			UserID: user.ID,
			Result: AuditAllowed,
			Reason: fmt.Sprintf("existing identity via %s", provider),
		})
		clone := *user
		return &clone, nil
	}

	user := &User{
		ID:          ident.NewUserID(),
		Provider:    provider,
		Email:       credentials["email"],
		DisplayName: credentials["name"],
		Verified:    provider != ProviderLocal,
		CreatedAt:   s.clock(),
	}
	if user.DisplayName == "" {
		user.DisplayName = subject
	}
	s.users[user.ID] = user
	s.subjects[key] = user.ID
	s.auditLocked(&AuditEntry{
		Action: "user.authenticate",
		UserID: user.ID,
		Result: AuditAllowed,
		Reason: fmt.Sprintf("new identity via %s", provider),
	})
	s.logger.Info("Authenticated user",
		zap.String("user_id", user.ID),
		zap.String("provider", string(provider)))

	clone := *user
	return &clone, nil
}

// GetUser returns the user with the given ID, or nil if none exists.
func (s *Service) GetUser(ctx context.Context, userID string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return nil
	}
	clone := *user
	return &clone
}

// VerifyDevice returns the device with the given ID, refreshing its last-seen
// time. An unknown device is registered as untrusted; an empty ID registers a
// fresh device. Verification never changes an existing device's trust.
func (s *Service) VerifyDevice(ctx context.Context, deviceID string, deviceType DeviceType) (*Device, error) {
	if deviceType != "" && !validDeviceType(deviceType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeviceType, deviceType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if device, ok := s.devices[deviceID]; ok {
		device.LastSeen = s.clock()
		clone := *device
		return &clone, nil
	}

	if deviceID == "" {
		deviceID = ident.NewDeviceID()
	}
	if deviceType == "" {
		deviceType = DeviceDesktop
	}
	device := &Device{
		ID:       deviceID,
		Type:     deviceType,
		Trust:    TrustUntrusted,
		LastSeen: s.clock(),
	}
	s.devices[deviceID] = device
	s.auditLocked(&AuditEntry{
		Action:   "device.register",
		DeviceID: device.ID,
		Result:   AuditAllowed,
		Reason:   fmt.Sprintf("registered %s device as untrusted", deviceType),
	})
	s.logger.Info("Registered device",
		zap.String("device_id", device.ID),
		zap.String("type", string(deviceType)))

	clone := *device
	return &clone, nil
}

// PromoteDevice raises a device's trust level. Promotion is monotonic: a
// level below the current one is rejected, the same level is a no-op.
func (s *Service) PromoteDevice(ctx context.Context, deviceID string, level TrustLevel) (*Device, error) {
	if !validTrustLevel(level) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTrustLevel, level)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if level.Rank() < device.Trust.Rank() {
		return nil, fmt.Errorf("%w: %s is already %s", ErrTrustDowngrade, deviceID, device.Trust)
	}
	if level != device.Trust {
		previous := device.Trust
		device.Trust = level
		s.auditLocked(&AuditEntry{
			Action:   "device.promote",
			DeviceID: deviceID,
			Result:   AuditAllowed,
			Reason:   fmt.Sprintf("trust raised from %s to %s", previous, level),
		})
		s.logger.Info("Promoted device",
			zap.String("device_id", deviceID),
			zap.String("trust", string(level)))
	}

	clone := *device
	return &clone, nil
}

// CreateSession grants the user a session on the device with the given roles.
// Scopes, when given, confine the session to those repo paths. The session
// expires after the configured TTL.
func (s *Service) CreateSession(ctx context.Context, userID, deviceID string, roles []string, scopes ...string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	device, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	now := s.clock()
	device.LastSeen = now
	session := &Session{
		ID:        ident.NewSessionID(),
		UserID:    userID,
		DeviceID:  deviceID,
		Roles:     append([]string(nil), roles...),
		GrantedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
		Scopes:    append([]string(nil), scopes...),
	}
	s.sessions[session.ID] = session
	s.auditLocked(&AuditEntry{
		Action:    "session.create",
		UserID:    userID,
		DeviceID:  deviceID,
		SessionID: session.ID,
		Result:    AuditAllowed,
		Reason:    fmt.Sprintf("roles [%s]", strings.Join(roles, ", ")),
	})
	s.logger.Info("Created session",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID),
		zap.Strings("roles", roles))

	return session.Clone(), nil
}

// GetSession returns the session with the given ID, or nil if none exists.
// Expired sessions are still returned; expiry is enforced by checks.
func (s *Service) GetSession(ctx context.Context, sessionID string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID].Clone()
}

// GetEffectivePermissions returns the union of the permissions granted by the
// session's roles, sorted. Unknown roles contribute nothing.
func (s *Service) GetEffectivePermissions(session *Session) []Permission {
	if session == nil {
		return nil
	}
	return permissionUnion(s.roleTable, session.Roles)
}

// CheckPermission evaluates whether the session holds the permission. Expiry
// is enforced here: an expired session is denied with a reason saying so.
// A denial names the missing permission. Every decision is audited.
func (s *Service) CheckPermission(ctx context.Context, sessionID string, perm Permission, resourceID string) *CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, session := s.evaluatePermissionLocked(sessionID, perm)
	s.auditDecisionLocked(session, sessionID, string(perm), resourceTypeFor(perm), resourceID, result)
	return result
}

// evaluatePermissionLocked runs the permission algorithm without auditing, so
// compound checks can fold several evaluations into one audit entry.
func (s *Service) evaluatePermissionLocked(sessionID string, perm Permission) (*CheckResult, *Session) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return &CheckResult{
			Allowed:  false,
			Reason:   fmt.Sprintf("unknown session %s", sessionID),
			Required: []Permission{perm},
			Missing:  []Permission{perm},
		}, nil
	}
	if session.Expired(s.clock()) {
		return &CheckResult{
			Allowed:  false,
			Reason:   fmt.Sprintf("session expired at %s", session.ExpiresAt.Format(time.RFC3339)),
			Required: []Permission{perm},
			Missing:  []Permission{perm},
		}, session
	}

	perms := permissionUnion(s.roleTable, session.Roles)
	if containsPermission(perms, PermAdminAll) {
		return &CheckResult{
			Allowed:  true,
			Reason:   "granted via admin:all",
			Required: []Permission{perm},
		}, session
	}
	if containsPermission(perms, perm) {
		return &CheckResult{
			Allowed:  true,
			Reason:   "granted",
			Required: []Permission{perm},
		}, session
	}
	return &CheckResult{
		Allowed:  false,
		Reason:   fmt.Sprintf("missing permission %s", perm),
		Required: []Permission{perm},
		Missing:  []Permission{perm},
	}, session
}

// auditDecisionLocked appends the single audit entry for one authorization
// decision.
func (s *Service) auditDecisionLocked(session *Session, sessionID, action string, resource ResourceType, resourceID string, result *CheckResult) {
	entry := &AuditEntry{
		Action:       action,
		SessionID:    sessionID,
		ResourceType: resource,
		ResourceID:   resourceID,
		Result:       AuditDenied,
		Reason:       result.Reason,
	}
	if session != nil {
		entry.UserID = session.UserID
		entry.DeviceID = session.DeviceID
	}
	if result.Allowed {
		entry.Result = AuditAllowed
	}
	s.auditLocked(entry)
}

func resourceTypeFor(perm Permission) ResourceType {
	prefix, _, _ := strings.Cut(string(perm), ":")
	switch prefix {
	case "task":
		return ResourceTask
	case "agent":
		return ResourceAgent
	case "skill":
		return ResourceSkill
	default:
		return ResourceConfig
	}
}

func validDeviceType(t DeviceType) bool {
	switch t {
	case DeviceDesktop, DeviceMobile, DeviceServer, DeviceCI:
		return true
	}
	return false
}

func validTrustLevel(t TrustLevel) bool {
	switch t {
	case TrustUntrusted, TrustVerified, TrustTrusted:
		return true
	}
	return false
}
