package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/dfuq/internal/dfu"
	"github.com/srg/dfuq/internal/testutils"
	"github.com/srg/dfuq/pkg/config"
)

const simConfig = `
transport:
  kind: sim
  sim:
    step_delay: 1ms
`

// helperConfig runs a shell helper that rejects the firmware on TestDeviceAddress2.
const helperConfig = `
transport:
  kind: helper
  helper:
    command: /bin/sh
    platform: address
    args:
      - -c
      - |
        if [ "$2" = "AA:BB:CC:DD:EE:10" ]; then
          echo "state $2 connecting"
          echo "error E_DFU_REMOTE FW version failure"
          exit 1
        fi
        echo "state $2 connecting"
        echo "state $2 uploading"
        echo "progress $2 100 1 1 0 0"
        echo "state $2 completed"
      - helper
`

type UpdateCommandSuite struct {
	CommandTestSuite
}

func TestUpdateCommandSuite(t *testing.T) {
	suite.Run(t, new(UpdateCommandSuite))
}

func (s *UpdateCommandSuite) TestSimulatedUpdate() {
	output, err := s.ExecuteCommand(rootCmd, "update",
		"--config", s.WriteConfig(simConfig),
		"--bundle", s.FirmwareFile("app.zip"),
		TestDeviceAddress1, TestDeviceAddress2)
	s.Require().NoError(err, "update MUST succeed")

	lines := strings.Split(strings.TrimSpace(output), "\n")
	s.Contains(lines, TestDeviceAddress1+" queued")
	s.Contains(lines, TestDeviceAddress2+" queued")
	s.Contains(lines, TestDeviceAddress1+" completed")
	s.Contains(lines, TestDeviceAddress2+" completed")
	s.Contains(output, TestDeviceAddress1+" uploading 100%")

	// Targets run one after another
	first := strings.Index(output, TestDeviceAddress1+" completed")
	secondStart := strings.Index(output, TestDeviceAddress2+" connecting")
	s.Less(first, secondStart, "second target MUST start after the first completed")
}

func (s *UpdateCommandSuite) TestHelperFailureExitsWithError() {
	output, err := s.ExecuteCommand(rootCmd, "update",
		"--config", s.WriteConfig(helperConfig),
		"--bundle", s.FirmwareFile("app.zip"),
		TestDeviceAddress1, TestDeviceAddress2)
	s.Require().Error(err)

	var failed *UpdateFailedError
	s.Require().True(errors.As(err, &failed), "error MUST list failed updates, got %v", err)
	s.Equal(2, failed.Total)
	s.Require().Len(failed.Failures, 1)
	s.Equal(dfu.KindFirmwareVersionRejected, failed.Failures[0].Kind)
	s.Equal(TestDeviceAddress2, failed.Failures[0].Target.String())

	s.Contains(output, TestDeviceAddress1+" completed")
	s.Contains(output, TestDeviceAddress2+" failed: ")

	msg := FormatUserError(err)
	s.Contains(msg, "1 of 2 updates failed")
	s.Contains(msg, TestDeviceAddress2+": device refused the firmware version (FW version failure)")
}

func (s *UpdateCommandSuite) TestFailureReportedWithTinyUpdateBuffer() {
	// One slot: the renderer may lose the finished update, the exit status must not
	output, err := s.ExecuteCommand(rootCmd, "update",
		"--config", s.WriteConfig("update_buffer: 1\n"+helperConfig),
		"--bundle", s.FirmwareFile("app.zip"),
		TestDeviceAddress2, TestDeviceAddress1)
	s.Require().Error(err, "a failed target MUST fail the command")

	var failed *UpdateFailedError
	s.Require().True(errors.As(err, &failed), "error MUST list failed updates, got %v", err)
	s.Equal(2, failed.Total)
	s.Require().Len(failed.Failures, 1)
	s.Equal(dfu.KindFirmwareVersionRejected, failed.Failures[0].Kind)
	s.Contains(output, "Updated 1 of 2 targets (1 failed, 0 cancelled)")
}

// outcomeLines keeps the queue and outcome records of --json output.
func (s *UpdateCommandSuite) outcomeLines(output string) string {
	var kept []string
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, `"kind":"queued"`) || strings.Contains(line, `"kind":"finished"`) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func (s *UpdateCommandSuite) TestJSONOutput() {
	output, err := s.ExecuteCommand(rootCmd, "update", "--json",
		"--config", s.WriteConfig(simConfig),
		"--bundle", s.FirmwareFile("app.zip"),
		TestDeviceAddress1)
	s.Require().NoError(err)

	all, err := testutils.LinesToJSONArray(output)
	s.Require().NoError(err, "every output line MUST be JSON")
	s.Contains(all, `"percent":100`)

	testutils.NewJSONAsserter(s.T()).AssertLines(s.outcomeLines(output), `[
		{"kind": "queued", "target": "AA:BB:CC:DD:EE:01"},
		{"kind": "finished", "target": "AA:BB:CC:DD:EE:01", "state": "completed"}
	]`)
}

func (s *UpdateCommandSuite) TestJSONOutputReportsFailure() {
	output, err := s.ExecuteCommand(rootCmd, "update", "--json",
		"--config", s.WriteConfig(helperConfig),
		"--bundle", s.FirmwareFile("app.zip"),
		TestDeviceAddress2)
	s.Require().Error(err)

	testutils.NewJSONAsserter(s.T()).AssertLines(s.outcomeLines(output), `[
		{"kind": "queued", "target": "AA:BB:CC:DD:EE:10"},
		{
			"kind": "finished",
			"target": "AA:BB:CC:DD:EE:10",
			"state": "<<PRESENCE>>",
			"error": {"kind": "firmwareVersionRejected", "message": "FW version failure"}
		}
	]`)
}

func (s *UpdateCommandSuite) TestBootloaderAndApplication() {
	output, err := s.ExecuteCommand(rootCmd, "update",
		"--config", s.WriteConfig(simConfig),
		"--bootloader", s.FirmwareFile("bl.zip"),
		"--bundle", s.FirmwareFile("app.zip"),
		TestDeviceAddress1)
	s.Require().NoError(err)
	s.Contains(output, TestDeviceAddress1+" completed")
	s.Equal(1, strings.Count(output, " completed"), "only the final outcome MUST be reported")
}

func (s *UpdateCommandSuite) TestArgumentErrors() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "no firmware",
			args: []string{"update", "--config", s.WriteConfig(simConfig), TestDeviceAddress1},
			want: "no firmware given",
		},
		{
			name: "no targets",
			args: []string{"update", "--bundle", "app.zip"},
			want: "requires at least 1 arg",
		},
		{
			name: "system id on address platform",
			args: []string{"update", "--platform", "address", "--bundle", "app.zip", "3F2504E0-4F89-11D3-9A0C-0305E82C3301"},
			want: "expected a address identifier",
		},
		{
			name: "unknown transport",
			args: []string{"update", "--transport", "serial", "--bundle", "app.zip", TestDeviceAddress1},
			want: "invalid transport kind",
		},
		{
			name: "invalid log level",
			args: []string{"update", "--log-level", "loud", "--bundle", "app.zip", TestDeviceAddress1},
			want: "invalid log level",
		},
		{
			name: "missing config file",
			args: []string{"update", "--config", "/nonexistent/dfu.yaml", "--bundle", "app.zip", TestDeviceAddress1},
			want: "failed to open config",
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			_, err := s.ExecuteCommand(rootCmd, tt.args...)
			s.Require().Error(err)
			s.Contains(err.Error(), tt.want)
		})
	}
}

func (s *UpdateCommandSuite) TestFlagsOverrideConfig() {
	path := s.WriteConfig(`
transport:
  kind: sim
dfu:
  retries: 7
`)
	updateConfigFile = path
	s.Require().NoError(updateCmd.Flags().Set("helper", "/usr/bin/dfu-helper"))
	s.Require().NoError(updateCmd.Flags().Set("retries", "1"))
	s.Require().NoError(updateCmd.Flags().Set("keep-bond", "true"))

	cfg, err := loadUpdateConfig(updateCmd)
	s.Require().NoError(err)
	s.Equal(config.TransportHelper, cfg.Transport.Kind, "--helper MUST select the helper transport")
	s.Equal("/usr/bin/dfu-helper", cfg.Transport.Helper.Command)
	s.Equal(1, cfg.DFU.Retries)
	s.True(cfg.DFU.KeepBond)
	s.False(cfg.DFU.ForceDfu)
}

func TestParseTargets(t *testing.T) {
	targets, err := parseTargets(dfu.PlatformAddress, []string{"aa:bb:cc:dd:ee:01", "AA-BB-CC-DD-EE-10"})
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", targets[0].String())
	assert.Equal(t, "AA:BB:CC:DD:EE:10", targets[1].String())

	_, err = parseTargets(dfu.PlatformAddress, []string{"not-a-mac"})
	assert.Error(t, err)

	// System ids keep their case
	targets, err = parseTargets(dfu.PlatformSystemID, []string{"3F2504E0-4F89-11D3-9A0C-0305E82C3301"})
	require.NoError(t, err)
	assert.Equal(t, "3F2504E0-4F89-11D3-9A0C-0305E82C3301", targets[0].String())

	_, err = parseTargets(dfu.PlatformSystemID, []string{"AA:BB:CC:DD:EE:01"})
	assert.Error(t, err)
}

func TestBuildPackage(t *testing.T) {
	pkg, err := buildPackage("app.zip", "")
	require.NoError(t, err)
	assert.Nil(t, pkg.Bootloader)
	require.NotNil(t, pkg.Application)
	assert.Equal(t, dfu.BundleApplication, pkg.Application.Type)

	pkg, err = buildPackage("app.zip", "bl.zip")
	require.NoError(t, err)
	require.NotNil(t, pkg.Bootloader)
	assert.Equal(t, "bl.zip", pkg.Bootloader.Path)
	assert.Len(t, pkg.Bundles(), 2)

	_, err = buildPackage("", "")
	assert.Error(t, err)
}
