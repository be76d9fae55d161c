package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"cmmsbridge/pkg/bridge"
)

// ErrDispatcherClosed is returned by submit once the dispatcher stopped.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// cycleRunner is the orchestrator surface the dispatcher drives.
type cycleRunner interface {
	CycleFor(ctx context.Context, info bridge.CycleInfo, request []byte) bridge.Reply
}

// dispatcher drains a FIFO queue of bridge requests on one goroutine, so the
// worker sees exactly one cycle at a time while transports keep accepting
// connections. Submitters block until their own cycle finishes.
type dispatcher struct {
	runner cycleRunner
	queue  chan *cycleJob
	log    *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
	startOnce sync.Once
}

// cycleJob is one queued request with its result slot.
type cycleJob struct {
	ctx     context.Context
	info    bridge.CycleInfo
	request []byte
	result  chan bridge.Reply
}

func newDispatcher(runner cycleRunner, queueSize int, log *slog.Logger) *dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if log == nil {
		log = slog.Default()
	}

	return &dispatcher{
		runner:   runner,
		queue:    make(chan *cycleJob, queueSize),
		log:      log.With("component", "gateway.dispatcher"),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// start launches the draining loop. Cycles run under ctx, not under the
// submitter's context, so a client hanging up mid-cycle never interrupts
// the worker.
func (d *dispatcher) start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.loop(ctx)
	})
}

func (d *dispatcher) loop(ctx context.Context) {
	defer close(d.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case job := <-d.queue:
			if job.ctx.Err() != nil {
				d.log.Debug("Dropping request from departed submitter", "conn_id", job.info.ConnID)
				continue
			}
			job.result <- d.runner.CycleFor(ctx, job.info, job.request)
		}
	}
}

// submit queues one request and waits for its reply.
func (d *dispatcher) submit(ctx context.Context, info bridge.CycleInfo, request []byte) (bridge.Reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	job := &cycleJob{
		ctx:     ctx,
		info:    info,
		request: request,
		result:  make(chan bridge.Reply, 1),
	}

	select {
	case <-d.done:
		return bridge.Reply{}, ErrDispatcherClosed
	default:
	}

	select {
	case <-ctx.Done():
		return bridge.Reply{}, ctx.Err()
	case <-d.done:
		return bridge.Reply{}, ErrDispatcherClosed
	case d.queue <- job:
	}

	select {
	case <-ctx.Done():
		return bridge.Reply{}, ctx.Err()
	case <-d.loopDone:
		// The loop may have finished this job just before exiting.
		select {
		case reply := <-job.result:
			return reply, nil
		default:
			return bridge.Reply{}, ErrDispatcherClosed
		}
	case reply := <-job.result:
		return reply, nil
	}
}

// close stops accepting work and waits for the running cycle, if any.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})

	// A dispatcher that never started has no loop to wait for.
	d.startOnce.Do(func() {
		close(d.loopDone)
	})
	<-d.loopDone
}
