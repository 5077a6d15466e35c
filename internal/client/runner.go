package client

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/isgasho/wosim/internal/world"
)

// Renderer consumes views. Render is called on its own goroutine and may be
// slower than the tick rate: views it cannot keep up with are skipped.
type Renderer interface {
	Render(View)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(View)

func (f RenderFunc) Render(v View) { f(v) }

// InputSource returns the local input for the next tick.
type InputSource func() world.Input

// Runner drives a Client at a fixed tick rate.
type Runner struct {
	client    *Client
	clock     clock.Clock
	tickDelta time.Duration
	input     InputSource
	renderer  Renderer
	views     chan View
}

// NewRunner returns a runner ticking c every tickDelta on clk. input and
// renderer may be nil.
func NewRunner(c *Client, clk clock.Clock, tickDelta time.Duration, input InputSource, renderer Renderer) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	if input == nil {
		input = func() world.Input { return world.Input{} }
	}
	return &Runner{
		client:    c,
		clock:     clk,
		tickDelta: tickDelta,
		input:     input,
		renderer:  renderer,
		views:     make(chan View, 1),
	}
}

// Run connects and ticks until the session ends and returns its failure
// cause, or nil after a clean close. Cancelling ctx starts a graceful
// disconnect; Run still returns only once it has finished. The I/O
// pump and the renderer run on their own goroutines.
func (r *Runner) Run(ctx context.Context) error {
	sess := r.client.Session()
	sess.ExternalPump()

	// The pump outlives ctx so the disconnect can still be flushed. It stops
	// once teardown closes the outbox.
	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()
	g, gctx := errgroup.WithContext(pumpCtx)

	done := make(chan struct{})
	g.Go(func() error {
		return sess.Pump(gctx)
	})
	g.Go(func() error {
		defer close(done)
		return r.loop(ctx, gctx)
	})
	if r.renderer != nil {
		g.Go(func() error {
			r.render(done)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx, pumpCtx context.Context) error {
	if err := r.client.Start(r.clock.Now()); err != nil {
		return err
	}
	ticker := r.clock.Ticker(r.tickDelta)
	defer ticker.Stop()

	stop, pumpDone := ctx.Done(), pumpCtx.Done()
	for {
		select {
		case <-ticker.C:
		case <-stop:
			stop = nil
			r.client.Close(r.clock.Now())
		case <-pumpDone:
			// The pump only stops early on a send failure.
			pumpDone = nil
			r.client.Session().Fail(context.Cause(pumpCtx), r.clock.Now())
		}
		view, err := r.client.Step(r.clock.Now(), r.input())
		r.publish(view)
		if err != nil {
			return err
		}
		if view.State.Terminal() {
			return nil
		}
	}
}

// publish replaces any view the renderer has not picked up yet.
func (r *Runner) publish(v View) {
	select {
	case r.views <- v:
		return
	default:
	}
	select {
	case <-r.views:
	default:
	}
	select {
	case r.views <- v:
	default:
	}
}

// Views returns the latest-value channel when no Renderer was given.
func (r *Runner) Views() <-chan View { return r.views }

func (r *Runner) render(done <-chan struct{}) {
	for {
		select {
		case v := <-r.views:
			r.renderer.Render(v)
		case <-done:
			select {
			case v := <-r.views:
				r.renderer.Render(v)
			default:
			}
			return
		}
	}
}
