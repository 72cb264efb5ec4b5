package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// FirmwareFile writes a placeholder firmware bundle into the test's temp dir
// and returns its path. The content is never parsed.
func (h *TestHelper) FirmwareFile(name string) string {
	h.T.Helper()
	path := filepath.Join(h.T.TempDir(), name)
	if err := os.WriteFile(path, []byte("PK\x03\x04 firmware"), 0o600); err != nil {
		h.T.Fatalf("failed to write firmware file %s: %v", path, err)
	}
	return path
}
