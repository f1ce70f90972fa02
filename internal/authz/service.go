package authz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-id/aegis/internal/shared"
)

// Decision reasons shared with audit entries.
const (
	ReasonAdminBypass     = "admin bypass"
	ReasonNoModuleRole    = "no role for module"
	ReasonEvaluationError = "evaluation_error"
	ReasonPolicyAllowed   = "policy allowed"
	ReasonDefaultAllow    = "no policy objected"
)

// Service orchestrates authorization decisions: cache lookup, role
// resolution, policy evaluation, permission check, audit, cache write.
type Service struct {
	store    Store
	cache    DecisionCache
	audit    shared.AuditRecorder
	logger   *slog.Logger
	ttl      time.Duration
	critical map[string]struct{}
}

// Config carries decision service tuning.
type Config struct {
	// DecisionTTL bounds cache staleness for decisions.
	DecisionTTL time.Duration
	// CriticalResources lists resource names that fail closed when
	// evaluation breaks (transfer/payment/withdraw-like operations).
	CriticalResources []string
}

// NewService constructs the decision service.
func NewService(store Store, cache DecisionCache, audit shared.AuditRecorder, logger *slog.Logger, cfg Config) *Service {
	ttl := cfg.DecisionTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	critical := make(map[string]struct{}, len(cfg.CriticalResources))
	for _, res := range cfg.CriticalResources {
		res = strings.ToLower(strings.TrimSpace(res))
		if res != "" {
			critical[res] = struct{}{}
		}
	}
	return &Service{store: store, cache: cache, audit: audit, logger: logger, ttl: ttl, critical: critical}
}

// Decide evaluates one authorization request. It never returns an error to
// the caller: infrastructure failures resolve through the fail-open or
// fail-closed policy and are visible in the audit trail.
func (s *Service) Decide(ctx context.Context, req DecisionRequest) Decision {
	if s.cache != nil {
		cached, hit, err := s.cache.Get(ctx, req)
		if err != nil {
			s.warn("decision cache read", req, err)
		} else if hit {
			cached.Cached = true
			return cached
		}
	}

	auditID := uuid.NewString()
	decision, roleNames, evalErr := s.evaluate(ctx, req, auditID)
	if evalErr != nil {
		decision = s.resolveFailure(req, auditID, evalErr)
	}

	s.writeAudit(ctx, req, decision, roleNames)

	if s.cache != nil && evalErr == nil {
		if err := s.cache.Set(ctx, req, decision, decision.TTL); err != nil {
			s.warn("decision cache write", req, err)
		}
	}
	return decision
}

func (s *Service) evaluate(ctx context.Context, req DecisionRequest, auditID string) (Decision, []string, error) {
	roles, err := s.effectiveRoles(ctx, req)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("resolve roles: %w", err)
	}
	roleNames := make([]string, 0, len(roles))
	for _, role := range roles {
		roleNames = append(roleNames, role.Name)
	}

	for _, role := range roles {
		if role.IsSuperAdmin {
			return Decision{
				Decision: DecisionAllow,
				TTL:      s.ttl,
				AuditID:  auditID,
				Reason:   ReasonAdminBypass,
			}, roleNames, nil
		}
	}

	action := ActionForMethod(req.Method)
	policies, err := s.store.ListEnabledPolicies(ctx, req.Module)
	if err != nil {
		return Decision{}, roleNames, fmt.Errorf("list policies: %w", err)
	}

	var applied []string
	for _, p := range policies {
		if !p.AppliesTo(req.Module, req.Path, action) {
			continue
		}
		if !EvaluateConditions(p.Conditions, req.Context) {
			continue
		}
		applied = append(applied, p.ID)
		if p.Effect == EffectDeny {
			return Decision{
				Decision:        DecisionDeny,
				TTL:             s.ttl,
				AuditID:         auditID,
				Reason:          fmt.Sprintf("denied by policy %s", p.Name),
				PoliciesApplied: applied,
			}, roleNames, nil
		}
	}

	moduleRoles := rolesForModule(roles, req.Module)
	if len(moduleRoles) == 0 {
		return Decision{
			Decision:        DecisionDeny,
			TTL:             s.ttl,
			AuditID:         auditID,
			Reason:          ReasonNoModuleRole,
			PoliciesApplied: applied,
		}, roleNames, nil
	}

	code := PermissionCode(req.Module, req.Path, req.Method)
	granted, err := s.store.UserPermissions(ctx, req.ActorID)
	if err != nil {
		return Decision{}, roleNames, fmt.Errorf("load permissions: %w", err)
	}
	if !holdsPermission(granted, code) {
		return Decision{
			Decision:        DecisionDeny,
			TTL:             s.ttl,
			AuditID:         auditID,
			Reason:          fmt.Sprintf("missing permission %s", code),
			PoliciesApplied: applied,
		}, roleNames, nil
	}

	reason := ReasonDefaultAllow
	if len(applied) > 0 {
		reason = ReasonPolicyAllowed
	}
	return Decision{
		Decision:        DecisionAllow,
		TTL:             s.ttl,
		AuditID:         auditID,
		Reason:          reason,
		PoliciesApplied: applied,
	}, roleNames, nil
}

func (s *Service) effectiveRoles(ctx context.Context, req DecisionRequest) ([]RoleRef, error) {
	if len(req.DeclaredRoles) > 0 {
		return s.store.RolesByNames(ctx, req.DeclaredRoles)
	}
	return s.store.ActiveRoles(ctx, req.ActorID)
}

// resolveFailure applies the fail-open/fail-closed asymmetry: critical
// resources deny on infrastructure failure, everything else allows.
func (s *Service) resolveFailure(req DecisionRequest, auditID string, evalErr error) Decision {
	verdict := DecisionAllow
	mode := "fail open"
	if s.isCritical(req.Path) {
		verdict = DecisionDeny
		mode = "fail closed"
	}
	if s.logger != nil {
		s.logger.Error("decision evaluation failed",
			slog.String("actor", req.ActorID),
			slog.String("path", req.Path),
			slog.String("mode", mode),
			slog.Any("error", evalErr))
	}
	return Decision{
		Decision: verdict,
		TTL:      s.ttl,
		AuditID:  auditID,
		Reason:   fmt.Sprintf("%s (%s)", ReasonEvaluationError, mode),
	}
}

func (s *Service) isCritical(path string) bool {
	_, ok := s.critical[strings.ToLower(lastSegment(path))]
	return ok
}

func (s *Service) writeAudit(ctx context.Context, req DecisionRequest, d Decision, roleNames []string) {
	if s.audit == nil {
		return
	}
	entry := shared.AuditEntry{
		ID:        d.AuditID,
		ActorID:   req.ActorID,
		Subject:   req.ActorID,
		Operation: "authz.decide",
		Decision:  d.Decision,
		Path:      req.Path,
		Method:    req.Method,
		Module:    req.Module,
		Roles:     roleNames,
		PolicyIDs: d.PoliciesApplied,
		Context:   req.Context,
		Reason:    d.Reason,
		TTL:       d.TTL,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		At:        time.Now(),
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.warn("audit write", req, err)
	}
}

func (s *Service) warn(msg string, req DecisionRequest, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.String("actor", req.ActorID), slog.String("path", req.Path), slog.Any("error", err))
	}
}

// ActionForMethod maps an HTTP verb to the permission action component.
func ActionForMethod(method string) string {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "write"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// PermissionCode derives the module:resource:action code for a request.
func PermissionCode(module, path, method string) string {
	return fmt.Sprintf("%s:%s:%s", module, lastSegment(path), ActionForMethod(method))
}

func lastSegment(path string) string {
	trimmed := strings.Trim(normalizePath(path), "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1]
}

func rolesForModule(roles []RoleRef, module string) []RoleRef {
	var matched []RoleRef
	for _, role := range roles {
		if role.Scope == module || role.Scope == shared.ScopeGlobal || role.Scope == "*" {
			matched = append(matched, role)
		}
	}
	return matched
}

func holdsPermission(granted []string, code string) bool {
	for _, g := range granted {
		if g == code || g == shared.PermWildcard {
			return true
		}
	}
	return false
}
