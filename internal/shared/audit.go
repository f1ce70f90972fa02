package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry represents a record stored in audit_entries. Entries are
// append-only; nothing in the system updates or deletes them.
type AuditEntry struct {
	ID        string
	ActorID   string
	Subject   string
	Operation string
	Decision  string
	Path      string
	Method    string
	Module    string
	Roles     []string
	PolicyIDs []string
	Context   map[string]any
	Reason    string
	TTL       time.Duration
	ClientIP  string
	UserAgent string
	At        time.Time
}

// AuditRecorder is the sink accepted by services. Write failures must never
// abort the caller-visible result; callers log and continue.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// AuditLogger writes entries into audit_entries.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the audit entry.
func (l *AuditLogger) Record(ctx context.Context, entry AuditEntry) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if entry.ID == "" || entry.ActorID == "" || entry.Operation == "" {
		return errors.New("audit entry requires id/actor/operation")
	}
	details := entry.Context
	if details == nil {
		details = map[string]any{}
	}
	ctxJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	// Nil slices would encode as SQL NULL and trip the NOT NULL columns.
	roleNames := entry.Roles
	if roleNames == nil {
		roleNames = []string{}
	}
	policyIDs := entry.PolicyIDs
	if policyIDs == nil {
		policyIDs = []string{}
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_entries
(id, actor_id, subject, operation, decision, path, method, module, roles, policy_ids, context, reason, ttl_ms, client_ip, user_agent, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		entry.ID, entry.ActorID, entry.Subject, entry.Operation, entry.Decision,
		entry.Path, entry.Method, entry.Module, roleNames, policyIDs,
		ctxJSON, entry.Reason, entry.TTL.Milliseconds(), entry.ClientIP, entry.UserAgent, at)
	return err
}
