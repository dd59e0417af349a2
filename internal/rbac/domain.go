package rbac

import (
	"fmt"
	"strings"

	"github.com/labdesk/labdesk/internal/platform/httpx"
)

// SuperAdminRoleID identifies the distinguished role that implicitly holds
// every permission. Its grants are never written.
const SuperAdminRoleID int64 = 1

// ErrSuperAdminImmutable is returned for any attempt to edit the super-admin role.
var ErrSuperAdminImmutable = fmt.Errorf("%w: the super-admin role cannot be modified", httpx.ErrForbidden)

// CatalogEntry is one (resource, action) pair the system understands.
type CatalogEntry struct {
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// Slug returns the "resource:action" form.
func (e CatalogEntry) Slug() string {
	return e.Resource + ":" + e.Action
}

// Grant binds one permission to one role.
type Grant struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Slug returns the "resource:action" form.
func (g Grant) Slug() string {
	return g.Resource + ":" + g.Action
}

// RoleRef is the minimal role identity the permission layer needs.
type RoleRef struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	IsCore bool   `json:"is_core"`
}

// ParseSlug splits "resource:action". Surrounding whitespace is ignored.
func ParseSlug(slug string) (Grant, bool) {
	resource, action, ok := strings.Cut(strings.TrimSpace(slug), ":")
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if !ok || resource == "" || action == "" {
		return Grant{}, false
	}
	return Grant{Resource: resource, Action: action}, true
}

// ParseSlugs converts slugs to grants, failing on the first malformed entry.
func ParseSlugs(slugs []string) ([]Grant, error) {
	grants := make([]Grant, 0, len(slugs))
	for _, slug := range slugs {
		g, ok := ParseSlug(slug)
		if !ok {
			return nil, fmt.Errorf("%w: malformed permission %q", httpx.ErrValidation, slug)
		}
		grants = append(grants, g)
	}
	return grants, nil
}
