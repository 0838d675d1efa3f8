// Package testutil gates tests that need real backing services.
package testutil

import (
	"os"
	"strings"
	"testing"
)

// IntegrationEnv must be "1" for container-backed tests to run.
const IntegrationEnv = "LEASECOORD_INTEGRATION"

// RequireIntegration skips the test in -short mode or unless LEASECOORD_INTEGRATION=1.
func RequireIntegration(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("skipping integration test (set %s=1 to run)", IntegrationEnv)
	}
}

// RequireEnv returns the value of the environment variable name, skipping the
// test when it is unset or blank.
func RequireEnv(t testing.TB, name string) string {
	t.Helper()
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		t.Skipf("skipping test, %s is not set", name)
	}
	return value
}
