package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/obs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ErrResolutionUnavailable = errors.New("permission store unavailable")

type Source string

const (
	SourceGrants   Source = "grants"
	SourceDefaults Source = "defaults"
	SourceCache    Source = "cache"
	// SourceFallback marks defaults served because the store failed.
	SourceFallback Source = "fallback"
)

var resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authcore_permission_resolutions_total",
	Help: "Permission resolutions by source.",
}, []string{"source"})

type Resolution struct {
	Permissions []string
	Source      Source
	// Err is set when the store failed and defaults were served instead.
	Err error
}

type Resolver struct {
	repo     auth.PermissionRepo
	cache    *cache
	defaults map[string][]string
	log      *zap.Logger
}

type Opts struct {
	Cache    CacheConfig
	Defaults map[string][]string
	Logger   *zap.Logger
}

func NewResolver(repo auth.PermissionRepo, o Opts) (*Resolver, error) {
	c, err := newCache(o.Cache)
	if err != nil {
		return nil, err
	}
	defaults := o.Defaults
	if defaults == nil {
		defaults = DefaultGrants
	}
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		repo:     repo,
		cache:    c,
		defaults: normalizeDefaults(defaults),
		log:      log.With(zap.String("component", "permission.resolver")),
	}, nil
}

// ResolveForRoles returns the sorted, deduplicated permission codes for roles. It never fails.
func (r *Resolver) ResolveForRoles(ctx context.Context, roles []string) []string {
	return r.Resolve(ctx, roles).Permissions
}

func (r *Resolver) Resolve(ctx context.Context, roles []string) Resolution {
	ctx, span := otel.Tracer("permission.resolver").Start(ctx, "permission.resolve")
	defer span.End()

	names := NormalizeRoles(roles)
	if len(names) == 0 {
		resolutions.WithLabelValues(string(SourceDefaults)).Inc()
		return Resolution{Source: SourceDefaults}
	}
	key := strings.Join(names, ",")
	span.SetAttributes(attribute.String("roles", key))

	if perms, ok := r.cache.get(key); ok {
		resolutions.WithLabelValues(string(SourceCache)).Inc()
		return Resolution{Permissions: perms, Source: SourceCache}
	}

	perms, err := r.lookup(ctx, names)
	if err != nil {
		span.RecordError(err)
		obs.WithTrace(ctx, r.log).Warn("permission lookup failed, serving defaults",
			zap.Strings("roles", names), zap.Error(err))
		resolutions.WithLabelValues(string(SourceFallback)).Inc()
		return Resolution{
			Permissions: defaultsFor(r.defaults, names),
			Source:      SourceFallback,
			Err:         fmt.Errorf("%w: %v", ErrResolutionUnavailable, err),
		}
	}

	src := SourceGrants
	if len(perms) == 0 {
		src = SourceDefaults
		perms = defaultsFor(r.defaults, names)
	}
	r.cache.set(key, perms)
	resolutions.WithLabelValues(string(src)).Inc()
	return Resolution{Permissions: perms, Source: src}
}

func (r *Resolver) lookup(ctx context.Context, names []string) ([]string, error) {
	roles, err := r.repo.RolesByName(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("roles by name: %w", err)
	}
	if len(roles) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(roles))
	for _, role := range roles {
		ids = append(ids, role.ID)
	}
	grants, err := r.repo.EnabledGrants(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("enabled grants: %w", err)
	}
	codes := make([]string, 0, len(grants))
	for _, g := range grants {
		if g.Enabled {
			codes = append(codes, g.PermissionCode)
		}
	}
	return sortedSet(codes), nil
}

// SetGrant enables or disables a grant and drops every cached role-set.
func (r *Resolver) SetGrant(ctx context.Context, role, code string, enabled bool) error {
	names := NormalizeRoles([]string{role})
	code = strings.TrimSpace(code)
	if len(names) == 0 || code == "" {
		return errors.New("role and permission code are required")
	}
	if err := r.repo.SetGrant(ctx, names[0], code, enabled); err != nil {
		return err
	}
	r.Invalidate()
	r.log.Info("grant updated",
		zap.String("role", names[0]), zap.String("permission", code), zap.Bool("enabled", enabled))
	return nil
}

func (r *Resolver) Invalidate() { r.cache.clear() }

func (r *Resolver) Close() { r.cache.close() }

// NormalizeRoles trims, lowercases, deduplicates and sorts role names.
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			out = append(out, r)
		}
	}
	return sortedSet(out)
}

func normalizeDefaults(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for role, perms := range in {
		k := strings.ToLower(strings.TrimSpace(role))
		out[k] = sortedSet(append(out[k], perms...))
	}
	return out
}

func sortedSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
