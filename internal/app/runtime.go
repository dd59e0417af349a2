package app

import (
	"os"
	"strconv"
	"strings"
)

// TestModeEnv, when truthy, makes the binaries exit before touching Postgres or Redis.
const TestModeEnv = "LABDESK_TEST_MODE"

// InTestMode reports whether TestModeEnv is set to a true value.
func InTestMode() bool {
	on, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(TestModeEnv)))
	return err == nil && on
}
