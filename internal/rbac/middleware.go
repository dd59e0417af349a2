package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labdesk/labdesk/internal/observability"
	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
)

// SnapshotLoader yields the caller's current snapshot.
type SnapshotLoader interface {
	Snapshot(ctx context.Context, userID int64) (Me, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Snapshots SnapshotLoader
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(perms, false)
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(perms, true)
}

func (m Middleware) require(perms []string, all bool) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := m.Subject(r.Context())
			if err != nil {
				m.deny(w, strings.Join(normalized, ","), err)
				return
			}
			var missing string
			if all {
				for _, perm := range normalized {
					if !ResolveSlug(subject, perm) {
						missing = perm
						break
					}
				}
			} else {
				missing = strings.Join(normalized, " or ")
				for _, perm := range normalized {
					if ResolveSlug(subject, perm) {
						missing = ""
						break
					}
				}
			}
			if missing != "" {
				m.Metrics.RecordAuthz(missing, "deny")
				httpx.RespondError(w, fmt.Errorf("%w: missing permission %s", httpx.ErrForbidden, missing))
				return
			}
			for _, perm := range normalized {
				m.Metrics.RecordAuthz(perm, "allow")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Subject resolves the caller in ctx to a normalized Subject.
func (m Middleware) Subject(ctx context.Context) (Subject, error) {
	principal, ok := shared.PrincipalFromContext(ctx)
	if !ok {
		return Subject{}, httpx.ErrUnauthorized
	}
	me, err := m.Snapshots.Snapshot(ctx, principal.UserID)
	if err != nil {
		return Subject{}, err
	}
	return Normalize(me), nil
}

// Allowed reports whether the caller holds perm. Lookup failures deny.
func (m Middleware) Allowed(r *http.Request, perm string) bool {
	subject, err := m.Subject(r.Context())
	if err != nil {
		if m.Logger != nil && !errors.Is(err, httpx.ErrUnauthorized) {
			m.Logger.Error("rbac allowed", slog.String("permission", perm), slog.Any("error", err))
		}
		return false
	}
	ok := ResolveSlug(subject, perm)
	outcome := "deny"
	if ok {
		outcome = "allow"
	}
	m.Metrics.RecordAuthz(perm, outcome)
	return ok
}

func (m Middleware) deny(w http.ResponseWriter, perms string, err error) {
	if m.Logger != nil && httpx.StatusOf(err) >= http.StatusInternalServerError {
		m.Logger.Error("rbac snapshot", slog.String("permissions", perms), slog.Any("error", err))
	}
	m.Metrics.RecordAuthz(perms, "error")
	httpx.RespondError(w, err)
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
