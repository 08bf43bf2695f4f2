package security

import (
	"context"

	"github.com/devflow/devflow/internal/common/ident"
)

// Audit appends an entry to the audit log. Missing IDs and timestamps are
// filled in; the sequence number is always assigned by the service.
func (s *Service) Audit(ctx context.Context, entry *AuditEntry) {
	if entry == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLocked(entry.Clone())
}

// GetAuditLog returns the entries matching the filter in append order.
func (s *Service) GetAuditLog(ctx context.Context, filter AuditFilter) []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*AuditEntry
	for _, entry := range s.audit {
		if filter.Matches(entry) {
			entries = append(entries, entry.Clone())
		}
	}
	return entries
}

// auditLocked owns the append. When the log is capped, the oldest entries
// fall off; sequence numbers keep counting.
func (s *Service) auditLocked(entry *AuditEntry) {
	s.auditSeq++
	entry.Seq = s.auditSeq
	if entry.ID == "" {
		entry.ID = ident.NewAuditID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock()
	}
	s.audit = append(s.audit, entry)
	if s.auditMax > 0 && len(s.audit) > s.auditMax {
		overflow := len(s.audit) - s.auditMax
		s.audit = append([]*AuditEntry(nil), s.audit[overflow:]...)
	}
}

// recordAudit is auditLocked behind the service mutex, for paths that do not
// already hold it.
func (s *Service) recordAudit(entry *AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLocked(entry)
}
