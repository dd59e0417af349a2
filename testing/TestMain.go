// Package testing pins the environment for test binaries. Importing it for its
// side effects turns on test mode and fills in configuration that LoadConfig
// would otherwise reject.
package testing

import (
	"os"
	stdtesting "testing"
)

var defaults = []struct{ key, value string }{
	{"LABDESK_TEST_MODE", "1"},
	{"JWT_SECRET", "test-secret-do-not-use"},
	{"LOG_FORMAT", "json"},
}

func init() {
	for _, d := range defaults {
		if os.Getenv(d.key) == "" {
			_ = os.Setenv(d.key, d.value)
		}
	}
}

// TestMain can be called from a package's own TestMain.
func TestMain(m *stdtesting.M) {
	os.Exit(m.Run())
}
