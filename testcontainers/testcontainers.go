// Package testcontainers starts throwaway PostgreSQL and Redis containers for
// integration tests. Tests are skipped in -short mode, when
// TESTCONTAINERS_DISABLED=true, or when no Docker daemon is reachable.
//
//	func TestSomething(t *testing.T) {
//	    dsn := testcontainers.PostgresDSN(t)
//	    ...
//	}
package testcontainers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

const defaultTimeout = 60 * time.Second

func skipIfUnavailable(t *testing.T) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	if os.Getenv("TESTCONTAINERS_DISABLED") == "true" {
		t.Skip("skipping container test: TESTCONTAINERS_DISABLED=true")
	}
}

// terminateOnCleanup stops c once the test and its subtests finish
func terminateOnCleanup(t *testing.T, c testcontainers.Container) {
	t.Helper()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()

		if err := c.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	})
}
