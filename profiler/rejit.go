package profiler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/elastic-clr/iljoin/hostabi"
	"github.com/elastic-clr/iljoin/tokens"
)

// rejitRequest is one unit of work for ReJITWorker: a module/method pair
// whose IL needs to be rebuilt and re-JIT-compiled, typically because the
// integration definitions changed after the method was first compiled.
type rejitRequest struct {
	Module hostabi.ModuleID
	Token  tokens.Token
}

// ReJITWorker drains rejitRequests on a single goroutine, so two concurrent
// ReJIT requests for the same method are never interleaved against the
// host's RequestReJIT/GetReJITParameters pair. Producers call Request;
// exactly one goroutine should call Run.
type ReJITWorker struct {
	Host     hostabi.Host
	Registry *Registry
	Rewrite  func(mod hostabi.ModuleID, method tokens.Token) error
	Log      *logrus.Logger

	queue chan rejitRequest
	once  sync.Once
	done  chan struct{}
}

// NewReJITWorker builds a worker with a reasonably sized request buffer;
// Request blocks once it fills, applying natural backpressure to whatever
// triggers ReJIT (a config reload, typically a rare event).
func NewReJITWorker(host hostabi.Host, registry *Registry, rewrite func(hostabi.ModuleID, tokens.Token) error) *ReJITWorker {
	return &ReJITWorker{
		Host:     host,
		Registry: registry,
		Rewrite:  rewrite,
		Log:      logrus.StandardLogger(),
		queue:    make(chan rejitRequest, 64),
		done:     make(chan struct{}),
	}
}

// Request enqueues a ReJIT for (mod, method). Safe to call from any
// goroutine; a no-op once the registry is shutting down.
func (w *ReJITWorker) Request(mod hostabi.ModuleID, method tokens.Token) {
	if w.Registry.IsShuttingDown() {
		return
	}
	w.queue <- rejitRequest{Module: mod, Token: method}
}

// Run drains the queue until ctx is cancelled or Stop is called, recovering
// from a panic in a single request rather than taking the whole worker
// down with it.
func (w *ReJITWorker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-w.queue:
			if !ok {
				return
			}
			w.handle(req)
		}
	}
}

func (w *ReJITWorker) handle(req rejitRequest) {
	defer func() {
		if r := recover(); r != nil {
			w.Log.WithFields(logrus.Fields{"module": req.Module, "token": req.Token}).
				Errorf("recovered from panic processing ReJIT request: %v", r)
		}
	}()

	if err := w.Rewrite(req.Module, req.Token); err != nil {
		w.Log.WithFields(logrus.Fields{"module": req.Module, "token": req.Token}).
			WithError(err).Warn("ReJIT rewrite failed")
		return
	}

	if err := w.Host.RequestReJIT([]hostabi.ModuleID{req.Module}, []tokens.Token{req.Token}); err != nil {
		w.Log.WithFields(logrus.Fields{"module": req.Module, "token": req.Token}).
			WithError(err).Warn("RequestReJIT failed")
	}
}

// Stop closes the request queue and waits for Run to drain it. Calling
// Request after Stop panics on a closed channel, matching the shutdown
// contract: callers must stop requesting ReJITs before stopping the worker.
func (w *ReJITWorker) Stop() {
	w.once.Do(func() {
		close(w.queue)
	})
	<-w.done
}
