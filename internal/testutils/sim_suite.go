package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/dfuq/internal/dfu"
	"github.com/srg/dfuq/internal/transport/sim"
)

// SimTransportSuite provides a fresh simulated transport, its demultiplexer
// and a transcript recorder for every test.
//
// Tweak SimConfig in SetupTest before calling the parent:
//
//	func (s *MySuite) SetupTest() {
//	    s.SimConfig.Buttonless = true
//	    s.SimTransportSuite.SetupTest()
//	}
type SimTransportSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	SimConfig *sim.Config
	Transport *sim.Transport
	Demux     *dfu.Demux
	Recorder  *Recorder
}

// SetupSuite is called once before all tests in the suite.
func (s *SimTransportSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
}

// SetupTest creates the transport for the next test.
func (s *SimTransportSuite) SetupTest() {
	if s.SimConfig == nil {
		cfg := sim.DefaultConfig()
		s.SimConfig = &cfg
	}
	s.Transport = sim.New(*s.SimConfig, s.Logger)
	s.Demux = dfu.NewDemux(s.Transport, s.Logger)
	s.Recorder = NewRecorder()
}

// TearDownTest detaches the demultiplexer and resets the configuration.
func (s *SimTransportSuite) TearDownTest() {
	if s.Demux != nil {
		s.Demux.Close()
	}
	s.SimConfig = nil
}

// FirmwareFile writes a placeholder bundle for the current test.
func (s *SimTransportSuite) FirmwareFile(name string) string {
	return NewTestHelper(s.T()).FirmwareFile(name)
}

// AssertTranscript compares the recorder against expected.
func (s *SimTransportSuite) AssertTranscript(expected string, opts ...TranscriptOption) bool {
	return NewTranscriptAsserter(s.T(), opts...).Assert(s.Recorder, expected)
}
