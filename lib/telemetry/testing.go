package telemetry

import (
	"context"
	"fmt"
	"testing"
)

var setupTestEnvironments = map[string]bool{}

// sets up telemetry in a testing environment, ensuring that it isn't
// set up more than once
func SetupForTesting(t testing.TB, serviceName string) func() {
	name := fmt.Sprintf("test:%s", serviceName)
	if setupTestEnvironments[name] {
		return func() {}
	}
	setupTestEnvironments[name] = true

	tel, err := SetupFromEnv(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	return func() {
		err := tel.Shutdown(context.Background())
		if err != nil {
			t.Fatal(err)
		}
	}
}
