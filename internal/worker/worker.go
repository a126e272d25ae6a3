// Package worker runs goroutines that must be stopped together.
package worker

import "sync"

// Worker is a long running task.
type Worker interface {
	// Run is a blocking method that usually contains a for/select loop.
	// It must return soon after stopC is closed.
	Run(stopC chan struct{})
}

// Func adapts a function to the Worker interface.
type Func func(stopC chan struct{})

// Run calls f.
func (f Func) Run(stopC chan struct{}) { f(stopC) }

// Workers is a group of running workers. The zero value is ready to use.
type Workers struct {
	m       sync.Mutex
	stopC   chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func (w *Workers) init() {
	if w.stopC == nil {
		w.stopC = make(chan struct{})
	}
}

// StartWithOnFinishHandler runs the worker in a new goroutine and calls onFinish after Run returns.
// Workers started after Stop are not run.
func (w *Workers) StartWithOnFinishHandler(r Worker, onFinish func()) {
	w.m.Lock()
	defer w.m.Unlock()
	if w.stopped {
		return
	}
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		r.Run(w.stopC)
		if onFinish != nil {
			onFinish()
		}
	}()
}

// Start runs the worker in a new goroutine.
func (w *Workers) Start(r Worker) {
	w.StartWithOnFinishHandler(r, nil)
}

// Stop signals all workers and waits for them to return. Calling Stop more than once is safe.
func (w *Workers) Stop() {
	w.m.Lock()
	if !w.stopped {
		w.stopped = true
		w.init()
		close(w.stopC)
	}
	w.m.Unlock()
	w.wg.Wait()
}
