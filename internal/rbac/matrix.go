package rbac

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/labdesk/labdesk/internal/platform/httpx"
)

// Matrix is the dense per-role table: resource -> action -> granted.
// Its key set always mirrors the catalog it was built from.
type Matrix map[string]map[string]bool

// ExportFile is the import/export wire format of a role's matrix.
type ExportFile struct {
	Role        string    `json:"role"`
	Permissions Matrix    `json:"permissions"`
	ExportedAt  time.Time `json:"exported_at"`
}

// MatrixDiff lists the slugs an edit adds and removes.
type MatrixDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Empty reports whether the diff changes nothing.
func (d MatrixDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// BuildEmpty returns a matrix with every catalog entry set to false.
func BuildEmpty(catalog []CatalogEntry) Matrix {
	m := make(Matrix)
	for _, entry := range catalog {
		if entry.Resource == "" || entry.Action == "" {
			continue
		}
		actions, ok := m[entry.Resource]
		if !ok {
			actions = make(map[string]bool)
			m[entry.Resource] = actions
		}
		actions[entry.Action] = false
	}
	return m
}

// OverlayGrants clones empty and marks each grant's cell true. Grants outside
// the matrix shape are ignored.
func OverlayGrants(empty Matrix, grants []Grant) Matrix {
	m := Clone(empty)
	for _, g := range grants {
		actions, ok := m[g.Resource]
		if !ok {
			continue
		}
		if _, ok := actions[g.Action]; ok {
			actions[g.Action] = true
		}
	}
	return m
}

// Clone deep-copies a matrix.
func Clone(m Matrix) Matrix {
	out := make(Matrix, len(m))
	for resource, actions := range m {
		copied := make(map[string]bool, len(actions))
		for action, v := range actions {
			copied[action] = v
		}
		out[resource] = copied
	}
	return out
}

// Equal reports whether both matrices have the same shape and values.
func Equal(a, b Matrix) bool {
	if len(a) != len(b) {
		return false
	}
	for resource, actionsA := range a {
		actionsB, ok := b[resource]
		if !ok || len(actionsA) != len(actionsB) {
			return false
		}
		for action, v := range actionsA {
			other, ok := actionsB[action]
			if !ok || other != v {
				return false
			}
		}
	}
	return true
}

// Flatten lists the granted cells as sorted "resource:action" slugs.
func Flatten(m Matrix) []string {
	slugs := make([]string, 0)
	for resource, actions := range m {
		for action, v := range actions {
			if v {
				slugs = append(slugs, resource+":"+action)
			}
		}
	}
	sort.Strings(slugs)
	return slugs
}

// Grants lists the granted cells as grants, sorted by slug.
func Grants(m Matrix) []Grant {
	slugs := Flatten(m)
	grants := make([]Grant, 0, len(slugs))
	for _, slug := range slugs {
		if g, ok := ParseSlug(slug); ok {
			grants = append(grants, g)
		}
	}
	return grants
}

// ToggleCell returns a copy with one cell flipped. Unknown cells leave the copy unchanged.
func ToggleCell(m Matrix, resource, action string) Matrix {
	out := Clone(m)
	if actions, ok := out[resource]; ok {
		if v, ok := actions[action]; ok {
			actions[action] = !v
		}
	}
	return out
}

// ToggleRow returns a copy with every action of resource set to value.
func ToggleRow(m Matrix, resource string, value bool) Matrix {
	out := Clone(m)
	for action := range out[resource] {
		out[resource][action] = value
	}
	return out
}

// ToggleColumn returns a copy with action set to value on every resource that has it.
func ToggleColumn(m Matrix, action string, value bool) Matrix {
	out := Clone(m)
	for _, actions := range out {
		if _, ok := actions[action]; ok {
			actions[action] = value
		}
	}
	return out
}

// Diff compares an edited matrix with its original.
func Diff(original, edited Matrix) MatrixDiff {
	before := make(map[string]struct{})
	for _, slug := range Flatten(original) {
		before[slug] = struct{}{}
	}
	diff := MatrixDiff{Added: []string{}, Removed: []string{}}
	after := Flatten(edited)
	for _, slug := range after {
		if _, ok := before[slug]; ok {
			delete(before, slug)
			continue
		}
		diff.Added = append(diff.Added, slug)
	}
	for slug := range before {
		diff.Removed = append(diff.Removed, slug)
	}
	sort.Strings(diff.Removed)
	return diff
}

// permissionFields are the top-level keys recognized as carrying the matrix.
var permissionFields = []string{"permissions", "permissions_matrix", "matrix"}

// ImportFromExternal reconciles an external matrix blob with emptyShape. Only
// cells present in both are copied; everything else is dropped or defaults to
// false. It fails only when the top level is not an object with a recognizable
// permissions object.
func ImportFromExternal(emptyShape Matrix, raw []byte) (Matrix, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return nil, fmt.Errorf("%w: invalid file", httpx.ErrValidation)
	}
	var perms map[string]json.RawMessage
	found := false
	for _, field := range permissionFields {
		blob, ok := top[field]
		if !ok {
			continue
		}
		if err := json.Unmarshal(blob, &perms); err == nil && perms != nil {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: invalid file", httpx.ErrValidation)
	}

	out := Clone(emptyShape)
	for resource, blob := range perms {
		actions, ok := out[resource]
		if !ok {
			continue
		}
		var cells map[string]json.RawMessage
		if err := json.Unmarshal(blob, &cells); err != nil {
			continue
		}
		for action, cell := range cells {
			if _, ok := actions[action]; !ok {
				continue
			}
			var v bool
			if err := json.Unmarshal(cell, &v); err != nil {
				continue
			}
			actions[action] = v
		}
	}
	return out, nil
}
