package conduit

import (
	"context"
	"errors"
	"sync"

	workerpkg "github.com/petrijr/conduit/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory queue, and a
// set of in-process workers to provide a simple single-process pipeline
// for development, tests, and embedded use.
//
// Typical usage:
//
//	runner := conduit.NewLocalRunner()
//	conduit.NewDataSource("ingest").Publish("raw").MustRegister(runner.Engine)
//	conduit.NewDataSink("store").Subscribe("raw").Action("Store").MustRegister(runner.Engine)
//
//	runner.Handle("Store", storeHandler)
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	df, err := runner.Engine.Ingress(ctx, input)
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Queue carries action dispatches and results between the engine
	// and the workers.
	Queue Queue

	mu       sync.Mutex
	handlers map[string]workerpkg.Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine
// and queue.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithObserver(nil)
}

// NewLocalRunnerWithObserver is like NewLocalRunner with an Observer
// attached to the engine.
func NewLocalRunnerWithObserver(obs Observer) *LocalRunner {
	store := NewInMemoryStore()
	q := NewInMemoryQueue(0)
	eng, err := NewEngineWithConfig(Config{
		Persistence: Persistence{DeltaFiles: store, Joins: store},
		Queue:       q,
		Observer:    obs,
	})
	if err != nil {
		panic(err)
	}
	return &LocalRunner{
		Engine:   eng,
		Queue:    q,
		handlers: make(map[string]workerpkg.Handler),
	}
}

// Handle binds a handler to an action name. Must be called before
// Start; one handler per action name.
func (r *LocalRunner) Handle(actionName string, handler workerpkg.Handler) *LocalRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		panic("conduit: LocalRunner.Handle called after Start")
	}
	r.handlers[actionName] = handler
	return r
}

// Start launches the engine's consumers and sweeps plus one worker per
// registered handler, all bound to the given context.
//
// If Start is called again without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("conduit: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := r.Engine.Start(ctx); err != nil {
		cancel()
		return err
	}
	r.cancel = cancel
	r.running = true

	for actionName, handler := range r.handlers {
		w := workerpkg.New(r.Queue, actionName, handler)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = w.Run(ctx)
		}()
	}
	return nil
}

// Stop cancels the runner's context and waits for the engine and all
// workers to finish. Safe to call multiple times.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	cancel()
	r.Engine.Stop()
	r.wg.Wait()
}
