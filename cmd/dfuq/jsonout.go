package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/srg/dfuq/internal/orchestrator"
)

// updateRenderer consumes the orchestrator's update stream. The stream may
// drop updates, so renderers only display; outcomes come from Results.
type updateRenderer interface {
	Run(updates <-chan orchestrator.Update)
}

// jsonError is the wire form of a classified failure.
type jsonError struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// jsonUpdate is one line of --json output.
type jsonUpdate struct {
	orchestrator.Update
	Error *jsonError `json:"error,omitempty"`
}

// JSONRenderer writes every update as one JSON object per line.
type JSONRenderer struct {
	out io.Writer

	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONRenderer creates a renderer writing JSON lines to out.
func NewJSONRenderer(out io.Writer) *JSONRenderer {
	return &JSONRenderer{out: out, enc: json.NewEncoder(out)}
}

// Run renders updates until the channel is closed.
func (r *JSONRenderer) Run(updates <-chan orchestrator.Update) {
	for u := range updates {
		if err := r.Render(u); err != nil {
			fmt.Fprintf(r.out, "{\"kind\":\"error\",\"error\":{\"kind\":\"internal\",\"message\":%q}}\n", err.Error())
		}
	}
}

// Render writes one update.
func (r *JSONRenderer) Render(u orchestrator.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := jsonUpdate{Update: u}
	if u.Err != nil {
		line.Error = &jsonError{Kind: u.Err.Kind.String(), Message: u.Err.Message}
	}
	return r.enc.Encode(line)
}
