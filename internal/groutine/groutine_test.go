package groutine

import (
	"context"
	"runtime/pprof"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_NameAndLabels(t *testing.T) {
	done := make(chan struct{})
	var name, label string

	Go(nil, "dfu-worker", func(ctx context.Context) {
		defer close(done)
		name = Name(ctx)
		label, _ = pprof.Label(ctx, "goroutine_name")
	})
	<-done

	assert.Equal(t, "dfu-worker", name)
	assert.Equal(t, "dfu-worker", label)
	assert.Equal(t, "", Name(context.Background()))
}

func TestGroup_Wait(t *testing.T) {
	var g Group
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		g.Go(context.Background(), "counter", func(context.Context) { n.Add(1) })
	}
	g.Wait()
	assert.Equal(t, int32(5), n.Load())
}
