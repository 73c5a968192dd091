package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/searchwarden/searchwarden/internal/configstore"
	"github.com/searchwarden/searchwarden/internal/telemetry"
)

// Outcome is the tagged result of an authorization decision. A decision
// never mutates the request; a rewrite is expressed as a new target the
// caller must substitute.
type Outcome int

const (
	// OutcomeDeny denies the request.
	OutcomeDeny Outcome = iota

	// OutcomeAllow allows the request against the original target.
	OutcomeAllow

	// OutcomeRewrite allows the request, redirected at Decision.Target
	// (tenant-scoped resources resolve to their backing index).
	OutcomeRewrite
)

// String returns the outcome name for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeRewrite:
		return "rewrite"
	default:
		return "deny"
	}
}

// Decision is the answer to "may principal P perform action A on
// resource R, and under what restrictions".
type Decision struct {
	Outcome Outcome

	// Target is the concrete resource the engine should address. It
	// differs from the requested resource only when Outcome is
	// OutcomeRewrite.
	Target string

	// Restriction carries the merged DLS/FLS/FM policies the engine must
	// apply during execution and serialization. Nil when denied.
	Restriction *EvaluatedRestriction

	// Reason is a short, log-friendly explanation for denials.
	Reason string
}

// TenantAccessResolver maps a tenant token to its backing resource and
// decides whether the principal's tenant permissions grant the requested
// access. It returns an error only for resolution failures (ambiguity,
// missing configuration); a plain denial is allowed=false with nil
// error.
type TenantAccessResolver interface {
	Resolve(ctx context.Context, p *Principal, perms []configstore.TenantPermission,
		tenantToken, access string) (target string, allowed bool, err error)
}

// TenantResourcePrefix marks a resource reference as tenant-scoped:
// "tenant:finance" addresses the tenant named finance rather than a
// concrete index.
const TenantResourcePrefix = "tenant:"

// Facade orchestrates role resolution, tenant rewriting, and restriction
// merging into a single authorization decision per request.
type Facade struct {
	store   *configstore.Store
	merger  *Merger
	tenants TenantAccessResolver
	metrics *telemetry.AuthzMetrics
}

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

// WithTenantResolver wires tenant-scoped resource resolution. Without
// it, tenant-scoped references are denied.
func WithTenantResolver(r TenantAccessResolver) FacadeOption {
	return func(f *Facade) { f.tenants = r }
}

// WithAuthzMetrics wires decision metrics.
func WithAuthzMetrics(m *telemetry.AuthzMetrics) FacadeOption {
	return func(f *Facade) { f.metrics = m }
}

// NewFacade creates a Facade over the given configuration store and
// merger.
func NewFacade(store *configstore.Store, merger *Merger, opts ...FacadeOption) *Facade {
	f := &Facade{store: store, merger: merger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Authorize resolves the principal's RoleSet against the current
// configuration snapshot and evaluates the request. A missing
// configuration fails closed: the decision is deny and the error is
// returned for the caller to surface.
func (f *Facade) Authorize(ctx context.Context, p *Principal, action, resource string) (Decision, error) {
	snap, err := f.store.Current()
	if err != nil {
		f.record(ctx, action, OutcomeDeny)
		return Decision{Outcome: OutcomeDeny, Reason: "configuration unavailable"},
			fmt.Errorf("authorization failed closed: %w", err)
	}
	return f.AuthorizeRoleSet(ctx, ResolveRoleSet(p, snap), action, resource)
}

// AuthorizeRoleSet evaluates the request against an already resolved
// RoleSet. Scoped-credential validation substitutes the token's frozen,
// narrowed RoleSet here instead of the per-request one.
func (f *Facade) AuthorizeRoleSet(ctx context.Context, rs *RoleSet, action, resource string) (Decision, error) {
	start := time.Now()
	decision, err := f.evaluate(ctx, rs, action, resource)
	f.record(ctx, action, decision.Outcome)
	f.metrics.RecordMergeDuration(ctx, time.Since(start))

	if decision.Outcome == OutcomeDeny {
		slog.Debug("Authorization denied",
			"principal", principalName(rs),
			"action", action,
			"resource", resource,
			"reason", decision.Reason)
	}
	return decision, err
}

func (f *Facade) evaluate(ctx context.Context, rs *RoleSet, action, resource string) (Decision, error) {
	if rs.Empty() {
		return Decision{Outcome: OutcomeDeny, Reason: "no roles apply to principal"}, nil
	}

	target := resource
	outcome := OutcomeAllow

	if tenantToken, ok := strings.CutPrefix(resource, TenantResourcePrefix); ok {
		if f.tenants == nil {
			return Decision{Outcome: OutcomeDeny, Reason: "tenant resolution not configured"}, nil
		}
		resolved, allowed, err := f.tenants.Resolve(ctx, rs.Principal(), rs.TenantPermissions(),
			tenantToken, accessKindForAction(action))
		if err != nil {
			return Decision{Outcome: OutcomeDeny, Reason: "tenant resolution failed"},
				fmt.Errorf("resolving tenant %q: %w", tenantToken, err)
		}
		if !allowed {
			return Decision{Outcome: OutcomeDeny, Reason: "tenant access not granted"}, nil
		}
		target = resolved
		outcome = OutcomeRewrite
	}

	restriction := f.merger.Evaluate(rs, target, action)
	if restriction.DenyAll() {
		return Decision{Outcome: OutcomeDeny, Reason: "no permission entry matches index and action"}, nil
	}

	return Decision{Outcome: outcome, Target: target, Restriction: restriction}, nil
}

func (f *Facade) record(ctx context.Context, action string, outcome Outcome) {
	f.metrics.RecordDecision(ctx, action, outcome != OutcomeDeny)
}

func principalName(rs *RoleSet) string {
	if rs == nil || rs.Principal() == nil {
		return ""
	}
	return rs.Principal().Name
}

// accessKindForAction maps a request action onto the tenant access
// level it needs. Write and delete are strictly stronger than read.
func accessKindForAction(action string) string {
	switch {
	case strings.Contains(action, "/delete"):
		return configstore.AccessDelete
	case strings.HasPrefix(action, "indices:data/write"),
		strings.HasPrefix(action, "indices:admin"):
		return configstore.AccessWrite
	default:
		return configstore.AccessRead
	}
}
