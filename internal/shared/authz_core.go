package shared

// Permission slugs checked by route guards, formatted "resource:action".
const (
	PermDashboardView = "dashboard:view"

	PermPatientsView   = "patients:view"
	PermPatientsCreate = "patients:create"
	PermPatientsEdit   = "patients:edit"

	PermTestsView   = "tests:view"
	PermTestsCreate = "tests:create"
	PermTestsImport = "tests:import"

	PermTestRequestsView   = "test_requests:view"
	PermTestRequestsCreate = "test_requests:create"

	PermResultsView  = "results:view"
	PermResultsEnter = "results:enter"

	PermBillingView   = "billing:view"
	PermBillingCreate = "billing:create"
	PermBillingPay    = "billing:pay"
	PermBillingVoid   = "billing:void"

	PermRolesView   = "roles:view"
	PermRolesCreate = "roles:create"
	PermRolesEdit   = "roles:edit"
	PermRolesDelete = "roles:delete"

	PermUsersView = "users:view"
	PermUsersEdit = "users:edit"

	PermAuditView = "audit:view"
)

// CatalogSeedEntry describes one permission the system ships with.
type CatalogSeedEntry struct {
	Resource    string
	Action      string
	Description string
}

// CatalogSeed lists the permission catalog installed at bootstrap.
func CatalogSeed() []CatalogSeedEntry {
	return []CatalogSeedEntry{
		{"dashboard", "view", "Open the dashboard"},
		{"patients", "view", "View patient records"},
		{"patients", "create", "Register patients"},
		{"patients", "edit", "Edit patient demographics"},
		{"tests", "view", "View the test catalog"},
		{"tests", "create", "Create analytes and panels"},
		{"tests", "import", "Bulk import the test catalog from CSV"},
		{"test_requests", "view", "View test requests"},
		{"test_requests", "create", "Order tests for a patient"},
		{"test_requests", "collect", "Mark samples collected"},
		{"test_requests", "process", "Start processing samples"},
		{"test_requests", "complete", "Mark analysis complete"},
		{"test_requests", "review", "Submit results for review"},
		{"test_requests", "verify", "Verify reviewed results"},
		{"test_requests", "reject", "Reject results under review"},
		{"test_requests", "release", "Release verified results"},
		{"test_requests", "reopen", "Reopen verified or released requests"},
		{"test_requests", "cancel", "Cancel a request before verification"},
		{"results", "view", "View results"},
		{"results", "enter", "Enter or ingest results"},
		{"billing", "view", "View invoices"},
		{"billing", "create", "Generate invoices"},
		{"billing", "pay", "Record payments"},
		{"billing", "void", "Void unpaid invoices"},
		{"roles", "view", "View roles and permission matrices"},
		{"roles", "create", "Create roles"},
		{"roles", "edit", "Rename roles and edit grants"},
		{"roles", "delete", "Delete custom roles"},
		{"users", "view", "View users"},
		{"users", "edit", "Assign roles to users"},
		{"audit", "view", "Browse and export the audit trail"},
	}
}
