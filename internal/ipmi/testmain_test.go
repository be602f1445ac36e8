package ipmi

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests complete. Leaked
// handler timers, keep-alive tickers, or messenger readers fail the run.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
