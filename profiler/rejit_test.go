package profiler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/elastic-clr/iljoin/hostabi"
	"github.com/elastic-clr/iljoin/tokens"
)

type rejitHost struct {
	mu       sync.Mutex
	requests [][]tokens.Token
}

func (h *rejitHost) GetILFunctionBody(mod hostabi.ModuleID, method tokens.Token) ([]byte, error) {
	return nil, nil
}
func (h *rejitHost) GetILFunctionBodyAllocator(mod hostabi.ModuleID) (hostabi.ILAllocator, error) {
	return nil, nil
}
func (h *rejitHost) SetILFunctionBody(mod hostabi.ModuleID, method tokens.Token, body []byte) error {
	return nil
}
func (h *rejitHost) SetILFunctionBodyForReJIT(functionControl uintptr, body []byte) error {
	return nil
}
func (h *rejitHost) GetFunctionInfo(fn hostabi.FunctionID) (hostabi.FunctionInfo, error) {
	return hostabi.FunctionInfo{}, nil
}
func (h *rejitHost) RequestReJIT(moduleIDs []hostabi.ModuleID, methods []tokens.Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, methods)
	return nil
}

func TestReJITWorkerProcessesRequestsInOrder(t *testing.T) {
	host := &rejitHost{}
	registry := NewRegistry()
	registry.SetIntegrations(nil)

	var mu sync.Mutex
	var rewritten []tokens.Token

	worker := NewReJITWorker(host, registry, func(mod hostabi.ModuleID, tok tokens.Token) error {
		mu.Lock()
		rewritten = append(rewritten, tok)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	for i := 1; i <= 3; i++ {
		worker.Request(1, tokens.New(tokens.Method, uint32(i)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(rewritten)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for 3 rewrites, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	for i, tok := range rewritten {
		if want := tokens.New(tokens.Method, uint32(i+1)); tok != want {
			t.Errorf("rewrite %d: got %s, want %s", i, tok, want)
		}
	}
	mu.Unlock()

	cancel()
	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.requests) != 3 {
		t.Fatalf("expected 3 RequestReJIT calls, got %d", len(host.requests))
	}
}

func TestReJITWorkerSkipsRequestsAfterShutdown(t *testing.T) {
	host := &rejitHost{}
	registry := NewRegistry()
	registry.SetIntegrations(nil)
	registry.Shutdown()

	worker := NewReJITWorker(host, registry, func(hostabi.ModuleID, tokens.Token) error { return nil })
	worker.Request(1, tokens.New(tokens.Method, 1))

	select {
	case <-worker.queue:
		t.Fatal("expected Request to be a no-op once the registry is shutting down")
	default:
	}
}

func TestReJITWorkerStopDrainsAndReturns(t *testing.T) {
	host := &rejitHost{}
	registry := NewRegistry()
	registry.SetIntegrations(nil)

	worker := NewReJITWorker(host, registry, func(hostabi.ModuleID, tokens.Token) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	worker.Request(1, tokens.New(tokens.Method, 1))
	worker.Stop()
}
