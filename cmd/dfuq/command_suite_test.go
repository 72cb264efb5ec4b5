package main

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"

	"github.com/srg/dfuq/internal/testutils"
)

// Test device addresses for consistent target identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:01"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:10"
)

// CommandTestSuite runs cobra commands against file-configured transports.
type CommandTestSuite struct {
	suite.Suite
	Helper *testutils.TestHelper
}

func (s *CommandTestSuite) SetupSuite() {
	s.Helper = testutils.NewTestHelper(s.T())
	color.NoColor = true
}

// SetupTest resets every flag to its default so tests do not leak state.
func (s *CommandTestSuite) SetupTest() {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	updateCmd.Flags().VisitAll(reset)
}

// WriteConfig writes a YAML config into the test's temp dir.
func (s *CommandTestSuite) WriteConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "dfu.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "config MUST be written")
	return path
}

// FirmwareFile writes a placeholder firmware package.
func (s *CommandTestSuite) FirmwareFile(name string) string {
	return s.Helper.FirmwareFile(name)
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
