package orchestrator

import "github.com/srg/dfuq/internal/dfu"

// command is anything the actor accepts on its inbox.
type command interface{}

type enqueueCmd struct {
	pkg     dfu.Package
	targets []dfu.TargetID
	reply   chan<- []dfu.TargetID
}

type cancelCmd struct {
	target dfu.TargetID
	all    bool
	reply  chan<- error
}

type statusCmd struct {
	reply chan<- Status
}

type resultsCmd struct {
	reply chan<- []Result
}

type waitCmd struct {
	reply chan<- chan struct{}
}

type activeCmd struct {
	reply chan<- *dfu.Runner
}

// Session notifications, posted from the runner goroutine in emission order.

type stateCmd struct {
	entry *entry
	state dfu.State
}

type progressCmd struct {
	entry    *entry
	progress dfu.Progress
}

type doneCmd struct {
	entry *entry
	err   error
}
