// Package bridge runs the request/response cycle against the external
// worker: write the request slot, run the worker, read and sanitize the
// response slot, and turn every failure into a structured reply.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cmmsbridge/pkg/bus"
	"cmmsbridge/pkg/logger"
	"cmmsbridge/pkg/mailbox"
	"cmmsbridge/pkg/worker"

	"github.com/google/uuid"
)

// State names the step a cycle is in. It is used for logging only.
type State string

const (
	StateIdle       State = "idle"
	StateWriting    State = "writing"
	StateInvoking   State = "invoking"
	StateReading    State = "reading"
	StateSanitizing State = "sanitizing"
	StateDone       State = "done"
)

// Store is the mailbox surface the orchestrator needs.
type Store interface {
	Put(slot mailbox.Slot, payload []byte) error
	Get(slot mailbox.Slot) ([]byte, error)
}

// Orchestrator owns the single worker handle. Cycle holds mu for the whole
// write/run/read sequence, so at most one cycle touches the slots and the
// worker at a time no matter how many transports call in.
type Orchestrator struct {
	store   Store
	invoker worker.Invoker
	events  *bus.MessageBus
	log     *slog.Logger

	mu sync.Mutex
}

// New builds an orchestrator. events may be nil.
func New(store Store, invoker worker.Invoker, events *bus.MessageBus, log *slog.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("mailbox is required")
	}
	if invoker == nil {
		return nil, errors.New("worker invoker is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		store:   store,
		invoker: invoker,
		events:  events,
		log:     log.With("component", "bridge.orchestrator"),
	}, nil
}

// Cycle relays one request through the worker and returns the reply. It
// never returns an error: faults become structured error payloads.
func (o *Orchestrator) Cycle(ctx context.Context, request []byte) Reply {
	return o.CycleFor(ctx, CycleInfo{}, request)
}

// CycleInfo tags a cycle with the connection that triggered it.
type CycleInfo struct {
	Channel string
	ConnID  string
}

// CycleFor is Cycle with connection details attached to events and logs.
func (o *Orchestrator) CycleFor(ctx context.Context, info CycleInfo, request []byte) Reply {
	if ctx == nil {
		ctx = context.Background()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	requestID := uuid.NewString()
	started := time.Now()
	log := o.log.With("request_id", requestID, "channel", info.Channel, "conn_id", info.ConnID)

	o.events.PublishEvent(ctx, bus.Event{
		Type:      bus.EventCycleStarted,
		Channel:   info.Channel,
		ConnID:    info.ConnID,
		RequestID: requestID,
	})

	reply := o.run(ctx, log, request)
	reply.RequestID = requestID

	duration := time.Since(started)
	event := bus.Event{
		Type:      bus.EventCycleCompleted,
		Channel:   info.Channel,
		ConnID:    info.ConnID,
		RequestID: requestID,
		Outcome:   string(reply.Outcome),
		Duration:  duration,
	}
	if reply.Failed() {
		event.Type = bus.EventCycleFailed
		event.Error = errorString(reply.Err)
		log.Error("Cycle failed", "state", StateDone, "outcome", string(reply.Outcome), "duration", duration, "error", reply.Err)
	} else {
		log.Info("Cycle completed", "state", StateDone, "duration", duration, "bytes", len(reply.Payload), "reply", logger.Preview(reply.Payload))
	}
	o.events.PublishEvent(ctx, event)

	return reply
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, request []byte) Reply {
	log.Debug("Writing request", "state", StateWriting, "bytes", len(request))
	if err := o.store.Put(mailbox.SlotRequest, request); err != nil {
		return errorReply(OutcomeStorageFault, fmt.Sprintf("%s: %v", messageStorageFault, err), err)
	}

	log.Debug("Invoking worker", "state", StateInvoking)
	result := o.invoker.Run(ctx)
	switch result.Outcome {
	case worker.Success:
	case worker.Timeout:
		// The response slot may hold a previous cycle's output; never read it.
		return errorReply(OutcomeTimeout, MessageTimeout, result.Err)
	default:
		return errorReply(OutcomeLaunchFailure, MessageLaunchFailure, launchError(result))
	}

	log.Debug("Reading response", "state", StateReading)
	payload, err := o.store.Get(mailbox.SlotResponse)
	if err != nil {
		return errorReply(OutcomeEmptyResponse, MessageEmptyResponse, err)
	}

	log.Debug("Sanitizing response", "state", StateSanitizing, "bytes", len(payload))
	return Reply{Payload: Sanitize(payload), Outcome: OutcomeSuccess}
}

func launchError(result worker.Result) error {
	if result.Err != nil {
		return result.Err
	}

	return fmt.Errorf("worker ended with outcome %s", result.Outcome)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
