package quicstream

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"example.com/quicspool/internal/logger"
)

// Executor runs tasks chosen by OnSelected. NonBlocking tasks run on the calling
// goroutine; Either and Blocking tasks run on a bounded set of worker goroutines.
type Executor struct {
	g  errgroup.Group
	lg *logger.Logger
}

// NewExecutor returns an Executor with at most limit concurrent workers; limit <= 0
// means no limit.
func NewExecutor(limit int, lg *logger.Logger) *Executor {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	x := &Executor{lg: lg}
	if limit > 0 {
		x.g.SetLimit(limit)
	}
	return x
}

// Dispatch runs task according to its invocation type without waiting for it.
func (x *Executor) Dispatch(task Task) {
	x.dispatch(task, nil)
}

// RunToCompletion runs task according to its invocation type and returns once it
// has finished.
func (x *Executor) RunToCompletion(task Task) {
	done := make(chan struct{})
	x.dispatch(task, func() { close(done) })
	<-done
}

func (x *Executor) dispatch(task Task, after func()) {
	if task.InvocationType() == NonBlocking {
		x.run(task, after)
		return
	}
	// Go blocks while every worker is busy.
	x.g.Go(func() error {
		x.run(task, after)
		return nil
	})
}

func (x *Executor) run(task Task, after func()) {
	defer func() {
		if r := recover(); r != nil {
			x.lg.Error("Stream task panicked", logger.LogFields{"task": task.String(), "panic": fmt.Sprint(r)})
		}
		if after != nil {
			after()
		}
	}()
	task.Run()
}

// Wait blocks until every offloaded task has finished.
func (x *Executor) Wait() error {
	return x.g.Wait()
}
