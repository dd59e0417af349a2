package rbac

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// wildcardSlug marks unrestricted access in slug lists and flat maps.
const (
	wildcardSlug    = "*"
	wildcardMapKey  = "*:*"
	wildcardAllFlag = "__all"
	dashboard       = "dashboard"
)

var elevatedRoleName = regexp.MustCompile(`(?i)^(super[ _-]?)?admin(istrator)?$`)

// ElevatedRoleName reports whether a role with this name is treated as an
// administrator regardless of its grants.
func ElevatedRoleName(name string) bool {
	return elevatedRoleName.MatchString(strings.TrimSpace(name))
}

// PermissionView is one of the shapes a user's permissions arrive in.
type PermissionView interface {
	permissionView()
}

// Wildcard grants everything.
type Wildcard struct{}

// SlugList is a flat list of "resource:action" slugs.
type SlugList []string

// FlatMap maps "resource:action" to a granted flag.
type FlatMap map[string]bool

// DenseMap is a resource -> action -> granted table.
type DenseMap Matrix

func (Wildcard) permissionView() {}
func (SlugList) permissionView() {}
func (FlatMap) permissionView()  {}
func (DenseMap) permissionView() {}

// Subject is the normalized view a permission check runs against.
type Subject struct {
	RoleName string
	elevated bool
	granted  map[string]struct{}
}

// NewSubject folds every view into one lowercase slug set.
func NewSubject(roleName string, views ...PermissionView) Subject {
	s := Subject{
		RoleName: roleName,
		elevated: ElevatedRoleName(roleName),
		granted:  make(map[string]struct{}),
	}
	for _, view := range views {
		switch v := view.(type) {
		case Wildcard:
			s.elevated = true
		case SlugList:
			for _, slug := range v {
				s.grantSlug(slug)
			}
		case FlatMap:
			for slug, ok := range v {
				if ok {
					s.grantSlug(slug)
				}
			}
		case DenseMap:
			for resource, actions := range v {
				for action, ok := range actions {
					if ok {
						s.grant(resource, action)
					}
				}
			}
		}
	}
	return s
}

func (s *Subject) grantSlug(slug string) {
	slug = strings.TrimSpace(slug)
	if slug == wildcardSlug || slug == wildcardMapKey {
		s.elevated = true
		return
	}
	if g, ok := ParseSlug(slug); ok {
		s.grant(g.Resource, g.Action)
	}
}

func (s *Subject) grant(resource, action string) {
	s.granted[key(resource, action)] = struct{}{}
}

// Elevated reports whether the subject bypasses per-cell checks.
func (s Subject) Elevated() bool {
	return s.elevated
}

// Slugs lists the explicit grants, sorted.
func (s Subject) Slugs() []string {
	out := make([]string, 0, len(s.granted))
	for slug := range s.granted {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Resolve decides whether subject may perform action on resource. It never
// fails: elevation and the dashboard exception short-circuit, anything else
// must be granted explicitly.
func Resolve(s Subject, resource, action string) bool {
	if s.elevated {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(resource), dashboard) {
		return true
	}
	if s.granted == nil {
		return false
	}
	_, ok := s.granted[key(resource, action)]
	return ok
}

// ResolveSlug is Resolve for a "resource:action" slug.
func ResolveSlug(s Subject, slug string) bool {
	g, ok := ParseSlug(slug)
	if !ok {
		return false
	}
	return Resolve(s, g.Resource, g.Action)
}

func key(resource, action string) string {
	return strings.ToLower(strings.TrimSpace(resource)) + ":" + strings.ToLower(strings.TrimSpace(action))
}

// Me is the current-user snapshot served at /me and cached per user. The
// permission fields stay raw because clients store any of several shapes.
type Me struct {
	UserID               int64           `json:"user_id,omitempty"`
	Email                string          `json:"email,omitempty"`
	RoleID               int64           `json:"role_id"`
	RoleIDs              []int64         `json:"role_ids,omitempty"`
	RoleName             string          `json:"role_name"`
	EffectivePermissions json.RawMessage `json:"effective_permissions,omitempty"`
	PermissionsMatrix    json.RawMessage `json:"permissions_matrix,omitempty"`
	Permissions          json.RawMessage `json:"permissions,omitempty"`
	PermissionSlugs      json.RawMessage `json:"permission_slugs,omitempty"`
	PermissionsMap       json.RawMessage `json:"permissions_map,omitempty"`
}

// DecodeMe parses a stored snapshot leniently: ids may be numbers or strings
// and unreadable fields are left empty.
func DecodeMe(raw []byte) Me {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Me{}
	}
	var me Me
	me.UserID = lenientInt(fields["user_id"])
	me.RoleID = lenientInt(fields["role_id"])
	_ = json.Unmarshal(fields["role_ids"], &me.RoleIDs)
	_ = json.Unmarshal(fields["role_name"], &me.RoleName)
	_ = json.Unmarshal(fields["email"], &me.Email)
	me.EffectivePermissions = fields["effective_permissions"]
	me.PermissionsMatrix = fields["permissions_matrix"]
	me.Permissions = fields["permissions"]
	me.PermissionSlugs = fields["permission_slugs"]
	me.PermissionsMap = fields["permissions_map"]
	return me
}

func lenientInt(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, _ = strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	return n
}

// Normalize is the single boundary step from a snapshot to a Subject.
func Normalize(me Me) Subject {
	var views []PermissionView
	for _, raw := range []json.RawMessage{
		me.EffectivePermissions,
		me.PermissionsMatrix,
		me.Permissions,
		me.PermissionSlugs,
		me.PermissionsMap,
	} {
		views = append(views, viewsFromRaw(raw)...)
	}
	return NewSubject(me.RoleName, views...)
}

// viewsFromRaw classifies one raw permission field. Unknown shapes yield nothing.
func viewsFromRaw(raw json.RawMessage) []PermissionView {
	if len(raw) == 0 {
		return nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if strings.TrimSpace(str) == wildcardSlug {
			return []PermissionView{Wildcard{}}
		}
		return []PermissionView{SlugList{str}}
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		slugs := make(SlugList, 0, len(list))
		for _, item := range list {
			var slug string
			if err := json.Unmarshal(item, &slug); err == nil {
				slugs = append(slugs, slug)
			}
		}
		return []PermissionView{slugs}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	flat := FlatMap{}
	dense := DenseMap{}
	var views []PermissionView
	for k, v := range obj {
		var flag bool
		if err := json.Unmarshal(v, &flag); err == nil {
			switch {
			case k == wildcardAllFlag || k == wildcardMapKey:
				if flag {
					views = append(views, Wildcard{})
				}
			default:
				flat[k] = flag
			}
			continue
		}
		var cells map[string]json.RawMessage
		if err := json.Unmarshal(v, &cells); err != nil {
			continue
		}
		actions := make(map[string]bool, len(cells))
		for action, cell := range cells {
			var granted bool
			if err := json.Unmarshal(cell, &granted); err == nil {
				actions[action] = granted
			}
		}
		dense[k] = actions
	}
	return append(views, flat, dense)
}
