package testutil

import (
	"io"
	"log"
	"strings"
	"testing"
)

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// TestLogger returns a logger that writes to the test log. Output is
// discarded once the test finishes, so goroutines that outlive the test can
// keep logging.
func TestLogger(t testing.TB) *log.Logger {
	logger := log.New(testWriter{t: t}, "[test] ", log.Lmsgprefix|log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}
