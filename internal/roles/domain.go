package roles

import "time"

// Role represents a role for management.
type Role struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsCore    bool      `json:"is_core"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoleListFilters narrows ListRoles.
type RoleListFilters struct {
	Search string
	Limit  int
	Offset int
}

// CoreRole is a role shipped by default.
type CoreRole struct {
	ID   int64
	Name string
}

// CoreRoles are seeded at setup and can never be deleted.
var CoreRoles = []CoreRole{
	{ID: 1, Name: "super_admin"},
	{ID: 2, Name: "admin"},
	{ID: 3, Name: "lab_manager"},
	{ID: 4, Name: "lab_technician"},
	{ID: 5, Name: "receptionist"},
	{ID: 6, Name: "billing_clerk"},
}
