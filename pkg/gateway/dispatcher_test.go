package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cmmsbridge/pkg/bridge"
)

type gatedRunner struct {
	gate    chan struct{}
	started chan string

	mu      sync.Mutex
	handled []string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{gate: make(chan struct{}), started: make(chan string, 16)}
}

func (r *gatedRunner) CycleFor(_ context.Context, info bridge.CycleInfo, request []byte) bridge.Reply {
	r.started <- string(request)
	<-r.gate

	r.mu.Lock()
	r.handled = append(r.handled, string(request))
	r.mu.Unlock()

	return bridge.Reply{Payload: append([]byte(info.ConnID+":"), request...), Outcome: bridge.OutcomeSuccess}
}

func (r *gatedRunner) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.handled...)
}

func waitQueued(t *testing.T, d *dispatcher, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for len(d.queue) != want {
		if time.Now().After(deadline) {
			t.Fatalf("queue length = %d, want %d", len(d.queue), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherRunsCyclesInArrivalOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newGatedRunner()
	d := newDispatcher(runner, 8, nil)
	d.start(ctx)
	defer d.close()

	requests := []string{"a", "b", "c", "d"}
	replies := make([]string, len(requests))
	var wg sync.WaitGroup
	for i, request := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := d.submit(ctx, bridge.CycleInfo{ConnID: "conn"}, []byte(request))
			if err != nil {
				t.Errorf("submit %q: %v", request, err)
				return
			}
			replies[i] = string(reply.Payload)
		}()

		if i == 0 {
			if got := <-runner.started; got != "a" {
				t.Fatalf("first cycle = %q, want a", got)
			}
			continue
		}
		waitQueued(t, d, i)
	}

	close(runner.gate)
	wg.Wait()

	if got := runner.order(); len(got) != 4 || got[0] != "a" || got[1] != "b" || got[2] != "c" || got[3] != "d" {
		t.Fatalf("order = %v, want [a b c d]", got)
	}
	for i, request := range requests {
		if replies[i] != "conn:"+request {
			t.Fatalf("reply %d = %q, want routed to its own submitter", i, replies[i])
		}
	}
}

func TestDispatcherDropsDepartedSubmitter(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newGatedRunner()
	d := newDispatcher(runner, 8, nil)
	d.start(ctx)
	defer d.close()

	firstDone := make(chan error, 1)
	go func() {
		_, err := d.submit(ctx, bridge.CycleInfo{}, []byte("first"))
		firstDone <- err
	}()
	<-runner.started

	goneCtx, goneCancel := context.WithCancel(ctx)
	goneDone := make(chan error, 1)
	go func() {
		_, err := d.submit(goneCtx, bridge.CycleInfo{}, []byte("gone"))
		goneDone <- err
	}()
	waitQueued(t, d, 1)
	goneCancel()

	if err := <-goneDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("departed submit error = %v, want context.Canceled", err)
	}

	close(runner.gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first submit error: %v", err)
	}

	if _, err := d.submit(ctx, bridge.CycleInfo{}, []byte("last")); err != nil {
		t.Fatalf("last submit error: %v", err)
	}

	got := runner.order()
	if len(got) != 2 || got[0] != "first" || got[1] != "last" {
		t.Fatalf("order = %v, want [first last]", got)
	}
}

func TestDispatcherSubmitAfterClose(t *testing.T) {
	t.Parallel()

	d := newDispatcher(newGatedRunner(), 1, nil)
	d.close()
	d.close()

	_, err := d.submit(context.Background(), bridge.CycleInfo{}, []byte("late"))
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("submit error = %v, want ErrDispatcherClosed", err)
	}
}

func TestDispatcherCloseWaitsForRunningCycle(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	d := newDispatcher(runner, 1, nil)
	d.start(context.Background())

	submitted := make(chan bridge.Reply, 1)
	go func() {
		reply, _ := d.submit(context.Background(), bridge.CycleInfo{ConnID: "c"}, []byte("x"))
		submitted <- reply
	}()
	<-runner.started

	closed := make(chan struct{})
	go func() {
		d.close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a cycle was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.gate)
	<-closed

	if reply := <-submitted; string(reply.Payload) != "c:x" {
		t.Fatalf("reply = %q, want c:x", reply.Payload)
	}
}
