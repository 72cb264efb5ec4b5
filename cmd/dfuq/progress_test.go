package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/dfuq/internal/dfu"
	"github.com/srg/dfuq/internal/orchestrator"
	"github.com/srg/dfuq/internal/testutils"
)

func progressUpdate(t dfu.TargetID, pct int) orchestrator.Update {
	return orchestrator.Update{Kind: orchestrator.UpdateProgress, Target: t, Progress: &dfu.Progress{Percent: pct, Part: 1, PartsTotal: 1}}
}

func TestProgressRenderer_Lines(t *testing.T) {
	color.NoColor = true
	t1 := dfu.AddressTarget(0xAABBCCDDEE01)
	t2 := dfu.AddressTarget(0xAABBCCDDEE10)
	t3 := dfu.AddressTarget(0xAABBCCDDEE20)

	updates := make(chan orchestrator.Update, 32)
	for _, u := range []orchestrator.Update{
		{Kind: orchestrator.UpdateQueued, Target: t1},
		{Kind: orchestrator.UpdateQueued, Target: t2},
		{Kind: orchestrator.UpdateQueued, Target: t3},
		{Kind: orchestrator.UpdateDequeued, Target: t3},
		{Kind: orchestrator.UpdateState, Target: t1, State: dfu.StateUploading},
		progressUpdate(t1, 0),
		progressUpdate(t1, 5),
		progressUpdate(t1, 12),
		progressUpdate(t1, 100),
		{Kind: orchestrator.UpdateFinished, Target: t1, State: dfu.StateCompleted},
		{Kind: orchestrator.UpdateFinished, Target: t2, State: dfu.StateAborted, Err: &dfu.Error{
			Kind: dfu.KindConnectionError, Target: t2, Message: "timeout",
		}},
	} {
		updates <- u
	}
	close(updates)

	var out bytes.Buffer
	r := NewProgressRenderer(&out, false)
	r.Run(updates)

	testutils.NewTranscriptAsserter(t).AssertText(out.String(), `
AA:BB:CC:DD:EE:01 queued
AA:BB:CC:DD:EE:10 queued
AA:BB:CC:DD:EE:20 queued
AA:BB:CC:DD:EE:20 cancelled before start
AA:BB:CC:DD:EE:01 uploading
AA:BB:CC:DD:EE:01 uploading   0%
AA:BB:CC:DD:EE:01 uploading  12%
AA:BB:CC:DD:EE:01 uploading 100%
AA:BB:CC:DD:EE:01 completed
AA:BB:CC:DD:EE:10 failed: AA:BB:CC:DD:EE:10: could not connect (timeout)
`)
}

func TestProgressRenderer_InPlace(t *testing.T) {
	color.NoColor = true
	t1 := dfu.AddressTarget(0xAABBCCDDEE01)

	var out bytes.Buffer
	r := NewProgressRenderer(&out, true)
	r.Render(orchestrator.Update{Kind: orchestrator.UpdateState, Target: t1, State: dfu.StateUploading})
	r.Render(progressUpdate(t1, 50))
	r.Render(orchestrator.Update{Kind: orchestrator.UpdateFinished, Target: t1, State: dfu.StateCompleted})

	assert.Equal(t,
		clearLineSequence+"AA:BB:CC:DD:EE:01 uploading"+
			clearLineSequence+"AA:BB:CC:DD:EE:01 uploading  50%"+
			clearLineSequence+"AA:BB:CC:DD:EE:01 completed\n",
		out.String())
}

func TestSummarize(t *testing.T) {
	t1 := dfu.AddressTarget(0xAABBCCDDEE01)
	t2 := dfu.AddressTarget(0xAABBCCDDEE10)
	t3 := dfu.AddressTarget(0xAABBCCDDEE20)
	t4 := dfu.AddressTarget(0xAABBCCDDEE30)
	failure := &dfu.Error{Kind: dfu.KindConnectionError, Target: t2, Message: "timeout"}

	summary := summarize([]orchestrator.Result{
		{Target: t1, State: dfu.StateCompleted},
		{Target: t2, State: dfu.StateAborted, Err: failure},
		{Target: t3},
		{Target: t4, State: dfu.StateAborted},
	})

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 2, summary.Cancelled)
	assert.Equal(t, []*dfu.Error{failure}, summary.Failures)
	assert.Equal(t, "Updated 1 of 4 targets (1 failed, 2 cancelled)", summary.String())

	var failed *UpdateFailedError
	require.ErrorAs(t, summary.Err(), &failed)
	assert.Equal(t, 4, failed.Total)

	assert.NoError(t, summarize([]orchestrator.Result{{Target: t1, State: dfu.StateCompleted}}).Err())
	assert.NoError(t, summarize(nil).Err())
}

func TestFormatProgress(t *testing.T) {
	assert.Equal(t, "uploading  42%", formatProgress(dfu.Progress{Percent: 42, PartsTotal: 1}))
	assert.Equal(t, "uploading  42% part 2/2 12.5 kB/s", formatProgress(dfu.Progress{Percent: 42, Part: 2, PartsTotal: 2, AverageSpeed: 12500}))
	assert.Equal(t, "uploading   7% 640 B/s", formatProgress(dfu.Progress{Percent: 7, AverageSpeed: 640}))
}

func TestFormatUserError(t *testing.T) {
	target := dfu.AddressTarget(0xAABBCCDDEE01)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "classified error",
			err:  &dfu.Error{Kind: dfu.KindFileInvalid, Target: target, Message: "DFU FILE NOT FOUND"},
			want: "AA:BB:CC:DD:EE:01: firmware file is invalid or missing (DFU FILE NOT FOUND)",
		},
		{
			name: "wrapped classified error",
			err:  fmt.Errorf("queue: %w", &dfu.Error{Kind: dfu.KindBusy, Target: target}),
			want: "AA:BB:CC:DD:EE:01: another update is already running",
		},
		{
			name: "generic kind",
			err:  &dfu.Error{Kind: dfu.KindGeneric, Target: target, Message: "boom"},
			want: "AA:BB:CC:DD:EE:01: update failed (boom)",
		},
		{
			name: "failed updates",
			err: &UpdateFailedError{Total: 3, Failures: []*dfu.Error{
				{Kind: dfu.KindDeviceDisconnected, Target: target},
			}},
			want: "1 of 3 updates failed\n  AA:BB:CC:DD:EE:01: device disconnected during the update",
		},
		{
			name: "closed orchestrator",
			err:  fmt.Errorf("wait: %w", orchestrator.ErrClosed),
			want: "update queue stopped",
		},
		{
			name: "plain error",
			err:  errors.New("something else"),
			want: "something else",
		},
		{
			name: "nil",
			err:  nil,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}
