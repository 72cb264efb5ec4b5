// Package groutine starts named goroutines. Names show up as pprof labels
// and can be read back from the context handed to the goroutine.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts fn in a goroutine labelled name. A nil ctx means
// context.Background().
func Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go pprof.Do(ctx, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name returns the goroutine name carried by ctx, "" if none.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(nameKey).(string)
	return s
}

// Group tracks named goroutines so their owner can wait for them.
type Group struct {
	wg sync.WaitGroup
}

// Go starts fn like the package-level Go and tracks it.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(ctx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every tracked goroutine returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
