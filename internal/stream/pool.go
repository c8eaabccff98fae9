package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrPoolClosed = errors.New("persistence pool closed")

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Pool runs persistence calls on a fixed set of worker goroutines, apart from
// the goroutines that produce events.
type Pool struct {
	tasks     chan task
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		tasks: make(chan task),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			t.done <- run(t)
		case <-p.quit:
			return
		}
	}
}

func run(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("persistence task panicked: %v", r)
		}
	}()
	return t.fn(t.ctx)
}

// Do hands fn to a worker and waits for it to finish. Once ctx is done no new
// call is started, but a call that already reached a worker always runs to
// completion: fn gets a context that is detached from ctx's cancellation.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := task{
		ctx:  context.WithoutCancel(ctx),
		fn:   fn,
		done: make(chan error, 1),
	}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
	return <-t.done
}

// Close stops the workers after in-flight calls finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}
