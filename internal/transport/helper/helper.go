// Package helper drives DFU through an external helper process that wraps
// the native DFU library and reports on its output with a line protocol.
package helper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/dfuq/internal/dfu"
)

// Native error codes synthesized by the transport itself.
const (
	CodeInvalidArgument = "E_INVALID_ARGUMENT"
	CodeBusy            = "E_DFU_BUSY"
	CodeDfuError        = "E_DFU_ERROR"
)

// Config describes how to launch the helper.
type Config struct {
	// Command is the helper executable.
	Command string `yaml:"command"`
	// Args are prepended to the per-update arguments.
	Args []string `yaml:"args"`
	// Platform decides how targets are spelled on the helper command line.
	Platform dfu.Platform `yaml:"platform"`
	// UsePTY runs the helper on a pseudo-terminal so it line-buffers output.
	UsePTY bool `yaml:"use_pty"`
	// TailBytes is how much stderr is kept for error reports.
	TailBytes int `yaml:"tail_bytes" default:"4096"`
	// DiagnosticLines is how many non-record output lines are kept.
	DiagnosticLines int `yaml:"diagnostic_lines" default:"64"`
	// InterruptGrace is waited after SIGINT before the helper is killed.
	InterruptGrace time.Duration `yaml:"interrupt_grace" default:"3s"`
}

// DefaultConfig returns a Config with defaults applied for the running host.
func DefaultConfig() Config {
	cfg := Config{Platform: dfu.DefaultPlatform()}
	defaults.SetDefaults(&cfg)
	return cfg
}

// Transport runs one helper process per update.
type Transport struct {
	cfg     Config
	logger  *logrus.Logger
	adapter adapter

	nextID     atomic.Uint64
	stateLs    *hashmap.Map[uint64, dfu.StateListener]
	progressLs *hashmap.Map[uint64, dfu.ProgressListener]

	mu       sync.Mutex
	running  bool
	aborting bool
	proc     *os.Process
	killer   *time.Timer

	tail  *tailWriter
	diags *diagnostics
}

// New validates cfg and creates a Transport. A nil logger gets a default one.
func New(cfg Config, logger *logrus.Logger) (*Transport, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Command == "" {
		return nil, errors.New("helper command is required")
	}
	p, err := dfu.ParsePlatform(string(cfg.Platform))
	if err != nil {
		return nil, err
	}
	cfg.Platform = p
	defaults.SetDefaults(&cfg)

	a, err := newAdapter(cfg.Platform)
	if err != nil {
		return nil, err
	}

	return &Transport{
		cfg:        cfg,
		logger:     logger,
		adapter:    a,
		stateLs:    hashmap.New[uint64, dfu.StateListener](),
		progressLs: hashmap.New[uint64, dfu.ProgressListener](),
		tail:       newTailWriter(cfg.TailBytes),
		diags:      newDiagnostics(cfg.DiagnosticLines),
	}, nil
}

// OnState implements dfu.EventSource.
func (t *Transport) OnState(l dfu.StateListener) func() {
	id := t.nextID.Add(1)
	t.stateLs.Set(id, l)
	return func() { t.stateLs.Del(id) }
}

// OnProgress implements dfu.EventSource.
func (t *Transport) OnProgress(l dfu.ProgressListener) func() {
	id := t.nextID.Add(1)
	t.progressLs.Set(id, l)
	return func() { t.progressLs.Del(id) }
}

// run is the state of one helper invocation.
type run struct {
	target   dfu.TargetID
	terminal bool
	native   *dfu.NativeError
}

// Start launches the helper for target and blocks until it exits.
func (t *Transport) Start(ctx context.Context, target dfu.TargetID, firmwarePath string, opts dfu.Options) error {
	arg, err := t.adapter.Format(target)
	if err != nil {
		return &dfu.NativeError{Code: CodeInvalidArgument, Message: err.Error()}
	}

	args := append(append([]string{}, t.cfg.Args...), buildArgs(arg, firmwarePath, opts)...)
	cmd := exec.Command(t.cfg.Command, args...)

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return &dfu.NativeError{Code: CodeBusy, Message: "DFU already in progress"}
	}
	t.running = true
	t.aborting = false
	t.mu.Unlock()

	t.tail.Reset()
	_, _ = t.diags.drain()

	r := &run{target: target}
	output, err := t.launch(cmd)
	if err != nil {
		t.finish()
		return &dfu.NativeError{Code: CodeDfuError, Message: fmt.Sprintf("failed to start helper: %v", err)}
	}

	t.mu.Lock()
	t.proc = cmd.Process
	if t.aborting {
		t.interruptLocked()
	}
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"target":  target.String(),
		"command": t.cfg.Command,
		"pid":     cmd.Process.Pid,
	}).Debug("DFU helper started")

	stop := context.AfterFunc(ctx, func() {
		t.logger.WithField("target", target.String()).Debug("Context done, interrupting DFU helper")
		_ = t.Abort(context.Background())
	})
	defer stop()

	t.consume(output, r)
	waitErr := cmd.Wait()
	_ = output.Close()

	aborting := t.finish()
	return t.result(r, aborting, waitErr)
}

// launch starts cmd and returns its record stream. The helper always leads
// its own process group so signals reach everything it spawned.
func (t *Transport) launch(cmd *exec.Cmd) (io.ReadCloser, error) {
	if t.cfg.UsePTY {
		// pty.Start puts the child in a new session
		return pty.Start(cmd)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = t.tail
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return stdout, nil
}

// consume reads output until EOF, dispatching records as they arrive.
func (t *Transport) consume(output io.Reader, r *run) {
	scanner := bufio.NewScanner(output)
	for scanner.Scan() {
		t.handleLine(scanner.Text(), r)
	}
	// A PTY reports EIO once the child side is closed
	if err := scanner.Err(); err != nil && !errors.Is(err, unix.EIO) && !errors.Is(err, os.ErrClosed) {
		t.logger.WithError(err).Warn("Failed reading DFU helper output")
	}
}

func (t *Transport) handleLine(line string, r *run) {
	rec, err := parseRecord(line, t.adapter)
	if err != nil {
		t.logger.WithError(err).Error("Ignoring malformed DFU helper record")
		rec = record{kind: recordOther, text: strings.TrimRight(line, "\r")}
	}

	switch rec.kind {
	case recordState:
		if rec.state.State.IsTerminal() && dfu.IsSameTarget(rec.state.Target, r.target) {
			r.terminal = true
		}
		t.emitState(rec.state)
	case recordProgress:
		t.emitProgress(rec.progress)
	case recordError:
		if r.native == nil {
			r.native = rec.err
		}
	default:
		if rec.text == "" {
			return
		}
		if err := t.diags.add(rec.text); err != nil {
			t.logger.WithError(err).Debug("Failed to buffer DFU helper output")
		}
		if t.cfg.UsePTY {
			_, _ = t.tail.Write([]byte(rec.text + "\n"))
		}
		t.logger.WithField("line", rec.text).Trace("DFU helper output")
	}
}

// result maps the helper's exit onto the Start contract.
func (t *Transport) result(r *run, aborting bool, waitErr error) error {
	if aborting {
		if !r.terminal {
			t.emitState(dfu.StateEvent{Target: r.target, State: dfu.StateAborted})
		}
		return nil
	}
	if r.terminal {
		if waitErr != nil {
			t.logger.WithError(waitErr).Debug("DFU helper exited with an error after the final state")
		}
		return nil
	}

	diags := t.failureDiagnostics(r)
	if r.native != nil {
		return r.native
	}
	if waitErr != nil {
		msg := t.tail.String()
		if msg == "" {
			msg = strings.Join(diags, "\n")
		}
		if msg == "" {
			msg = waitErr.Error()
		}
		return &dfu.NativeError{Code: CodeDfuError, Message: msg}
	}
	msg := "helper exited without reporting a final state"
	if len(diags) > 0 {
		msg += ": " + diags[len(diags)-1]
	}
	return &dfu.NativeError{Code: CodeDfuError, Message: msg}
}

// failureDiagnostics drains the non-record output of a failed run and logs it.
func (t *Transport) failureDiagnostics(r *run) []string {
	lines, overwritten := t.diags.drain()
	if len(lines) == 0 {
		return nil
	}
	t.logger.WithFields(logrus.Fields{
		"target":      r.target.String(),
		"lines":       lines,
		"overwritten": overwritten,
	}).Debug("DFU helper output before failure")
	return lines
}

// finish clears the running flag and reports whether an abort was requested.
func (t *Transport) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killer != nil {
		t.killer.Stop()
		t.killer = nil
	}
	aborting := t.aborting
	t.running = false
	t.aborting = false
	t.proc = nil
	return aborting
}

// Abort interrupts the running helper and kills it if it has not exited
// within the grace period. It is a no-op when idle.
func (t *Transport) Abort(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || t.aborting {
		return nil
	}
	t.aborting = true
	if t.proc != nil {
		t.interruptLocked()
	}
	return nil
}

// interruptLocked sends SIGINT and arms the kill timer. t.mu must be held.
func (t *Transport) interruptLocked() {
	pid := t.proc.Pid
	t.logger.WithField("pid", pid).Debug("Interrupting DFU helper")
	if err := signalGroup(pid, unix.SIGINT); err != nil {
		t.logger.WithError(err).Warn("Failed to interrupt DFU helper, killing it")
		_ = signalGroup(pid, unix.SIGKILL)
		return
	}
	t.killer = time.AfterFunc(t.cfg.InterruptGrace, func() {
		t.logger.WithField("pid", pid).Warn("DFU helper ignored interrupt, killing it")
		_ = signalGroup(pid, unix.SIGKILL)
	})
}

// signalGroup delivers sig to the process group led by pid. A group that
// already exited is not an error.
func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (t *Transport) emitState(ev dfu.StateEvent) {
	t.stateLs.Range(func(_ uint64, l dfu.StateListener) bool {
		l(ev)
		return true
	})
}

func (t *Transport) emitProgress(ev dfu.ProgressEvent) {
	t.progressLs.Range(func(_ uint64, l dfu.ProgressListener) bool {
		l(ev)
		return true
	})
}
