// Package ident produces the opaque identifiers and timestamps used across
// devflow. Identifiers are UUIDv4 strings (122 random bits); collisions are
// treated as impossible.
package ident

import (
	"time"

	"github.com/google/uuid"
)

// NewTaskID returns a fresh task identifier.
func NewTaskID() string { return uuid.NewString() }

// NewWorkflowID returns a fresh workflow identifier.
func NewWorkflowID() string { return uuid.NewString() }

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return uuid.NewString() }

// NewUserID returns a fresh user identifier.
func NewUserID() string { return uuid.NewString() }

// NewDeviceID returns a fresh device identifier.
func NewDeviceID() string { return uuid.NewString() }

// NewEventID returns a fresh event identifier.
func NewEventID() string { return uuid.NewString() }

// NewAuditID returns a fresh audit entry identifier.
func NewAuditID() string { return uuid.NewString() }

// NewRequestID returns a fresh HTTP request identifier.
func NewRequestID() string { return uuid.NewString() }

// Now returns the current UTC time. All persisted timestamps go through this
// so that journal ordering does not depend on the host timezone.
func Now() time.Time { return time.Now().UTC() }

// Clock supplies the current time. Services take a Clock so tests can drive
// session expiry and journal timestamps deterministically.
type Clock func() time.Time

// SystemClock is the default Clock backed by Now.
func SystemClock() time.Time { return Now() }
