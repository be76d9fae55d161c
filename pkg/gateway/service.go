package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cmmsbridge/pkg/bridge"
	"cmmsbridge/pkg/bus"
	"cmmsbridge/pkg/channel"
	"cmmsbridge/pkg/config"
	"cmmsbridge/pkg/mailbox"
	"cmmsbridge/pkg/worker"
)

const (
	defaultHealthHost   = "127.0.0.1"
	defaultHealthPort   = 18790
	healthCheckInterval = 30 * time.Second
)

// MessageShuttingDown is replied when a request arrives during shutdown.
const MessageShuttingDown = "Bridge shutting down"

// healthChecker reports whether the mailbox slots are usable.
type healthChecker interface {
	Check() error
}

// Service is the service loop: it runs the channel adapters, routes their
// events through the dispatcher to the bridge, and serves status probes.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	events     *bus.MessageBus
	health     healthChecker
	dispatcher *dispatcher
	channels   []channel.Adapter

	mu              sync.RWMutex
	startedAt       time.Time
	mailboxLastOKAt time.Time
	mailboxLastErr  string
	channelStates   map[string]channelState
	lastCycle       *cycleStatus
	outcomeCounts   map[string]int64
	openConnections map[string]struct{}
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type cycleStatus struct {
	RequestID  string `json:"request_id"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	At         string `json:"at"`
	Error      string `json:"error,omitempty"`
}

type statusResponse struct {
	Status          string                  `json:"status"`
	UptimeSeconds   int64                   `json:"uptime_seconds"`
	MailboxLastOKAt string                  `json:"mailbox_last_ok_at,omitempty"`
	MailboxLastErr  string                  `json:"mailbox_last_error,omitempty"`
	LastCycle       *cycleStatus            `json:"last_cycle,omitempty"`
	Outcomes        map[string]int64        `json:"outcomes"`
	Connections     int64                   `json:"connections"`
	Channels        map[string]channelState `json:"channels"`
}

// NewBridge wires the mailbox, worker invoker and orchestrator described by cfg.
func NewBridge(cfg *config.Config, events *bus.MessageBus, log *slog.Logger) (*bridge.Orchestrator, *mailbox.Mailbox, error) {
	if cfg == nil {
		return nil, nil, errors.New("config is required")
	}

	mb, err := mailbox.New(cfg.Bridge.RequestPath, cfg.Bridge.ResponsePath)
	if err != nil {
		return nil, nil, fmt.Errorf("configure mailbox: %w", err)
	}

	invoker, err := worker.NewCommandInvoker(worker.Options{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		Dir:     cfg.Worker.Dir,
		Timeout: cfg.Worker.WorkerTimeout(),
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("configure worker: %w", err)
	}

	orchestrator, err := bridge.New(mb, invoker, events, log)
	if err != nil {
		return nil, nil, err
	}

	return orchestrator, mb, nil
}

func NewService(cfg *config.Config, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	events := bus.NewMessageBus()
	orchestrator, mb, err := NewBridge(cfg, events, log)
	if err != nil {
		events.Close()
		return nil, err
	}

	return newService(cfg, orchestrator, mb, events, adapters, log), nil
}

func newService(cfg *config.Config, runner cycleRunner, health healthChecker, events *bus.MessageBus, adapters []channel.Adapter, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:             cfg,
		log:             log.With("component", "gateway.service"),
		events:          events,
		health:          health,
		dispatcher:      newDispatcher(runner, cfg.Bridge.QueueSize, log),
		channels:        adapters,
		channelStates:   channelStates,
		outcomeCounts:   make(map[string]int64),
		openConnections: make(map[string]struct{}),
	}
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkMailboxHealth(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := s.events.SubscribeEvents(runCtx, 0)
	defer unsubscribe()
	go s.trackEvents(events)

	s.dispatcher.start(runCtx)

	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})
	}

	serverErrors := make(chan error, 1)
	go s.runHealthServer(runCtx, serverErrors)

	go func() {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.checkMailboxHealth(); err != nil {
					s.log.Warn("Mailbox health check failed", "error", err)
				}
			}
		}
	}()

	var adapters sync.WaitGroup
	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		adapters.Add(1)
		go func() {
			defer adapters.Done()
			err := adapter.Run(runCtx, s.handleInbound)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	cancel()
	adapters.Wait()
	s.dispatcher.close()
	s.events.Close()

	return runErr
}

// handleInbound is the connection handler: connect events trigger the
// configured handshake request, messages are relayed verbatim, and close
// events only release bookkeeping. Every cycle produces exactly one reply
// for the connection that caused it.
func (s *Service) handleInbound(ctx context.Context, inbound bus.InboundMessage) (bus.OutboundMessage, error) {
	outbound := bus.OutboundMessage{Channel: inbound.Channel, ConnID: inbound.ConnID}
	info := bridge.CycleInfo{Channel: inbound.Channel, ConnID: inbound.ConnID}

	var request []byte
	switch inbound.Kind {
	case bus.KindConnected:
		s.events.PublishEvent(ctx, bus.Event{Type: bus.EventConnectionOpened, Channel: inbound.Channel, ConnID: inbound.ConnID})
		request = []byte(s.cfg.Bridge.ConnectRequest)
	case bus.KindMessage:
		request = inbound.Content
	case bus.KindClosed:
		s.events.PublishEvent(context.WithoutCancel(ctx), bus.Event{Type: bus.EventConnectionClosed, Channel: inbound.Channel, ConnID: inbound.ConnID})
		return outbound, nil
	default:
		return outbound, fmt.Errorf("unknown inbound kind %q", inbound.Kind)
	}

	reply, err := s.dispatcher.submit(ctx, info, request)
	if err != nil {
		outbound.Reply = true
		outbound.Content = bridge.ErrorPayload(MessageShuttingDown)
		outbound.Error = err.Error()
		return outbound, err
	}

	outbound.Reply = true
	outbound.Content = reply.Payload
	outbound.Error = errorString(reply.Err)
	outbound.Metadata = replyMetadata(inbound.Metadata, reply)

	return outbound, nil
}

// replyMetadata carries the transport's own correlation keys (such as a
// Telegram update_id) back to it alongside the cycle's request_id and
// outcome. Cycle keys win on collision.
func replyMetadata(inbound map[string]string, reply bridge.Reply) map[string]string {
	metadata := make(map[string]string, len(inbound)+2)
	for key, value := range inbound {
		metadata[key] = value
	}
	metadata["request_id"] = reply.RequestID
	metadata["outcome"] = string(reply.Outcome)

	return metadata
}

// connKey identifies one connection across channels.
func connKey(channel string, connID string) string {
	return channel + "/" + connID
}

// trackEvents folds bus events into the status snapshot. Connections are
// counted by identity, so a repeated connect for the same conversation
// (Telegram /start) does not inflate the count.
func (s *Service) trackEvents(events <-chan bus.Event) {
	for event := range events {
		s.mu.Lock()
		switch event.Type {
		case bus.EventConnectionOpened:
			s.openConnections[connKey(event.Channel, event.ConnID)] = struct{}{}
		case bus.EventConnectionClosed:
			delete(s.openConnections, connKey(event.Channel, event.ConnID))
		case bus.EventCycleCompleted, bus.EventCycleFailed:
			s.outcomeCounts[event.Outcome]++
			s.lastCycle = &cycleStatus{
				RequestID:  event.RequestID,
				Outcome:    event.Outcome,
				DurationMS: event.Duration.Milliseconds(),
				At:         event.At.Format(time.RFC3339),
				Error:      event.Error,
			}
		}
		s.mu.Unlock()
	}
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	outcomes := make(map[string]int64, len(s.outcomeCounts))
	for outcome, count := range s.outcomeCounts {
		outcomes[outcome] = count
	}

	mailboxLastOK := ""
	if !s.mailboxLastOKAt.IsZero() {
		mailboxLastOK = s.mailboxLastOKAt.Format(time.RFC3339)
	}

	var lastCycle *cycleStatus
	if s.lastCycle != nil {
		copied := *s.lastCycle
		lastCycle = &copied
	}

	return statusResponse{
		Status:          status,
		UptimeSeconds:   uptime,
		MailboxLastOKAt: mailboxLastOK,
		MailboxLastErr:  s.mailboxLastErr,
		LastCycle:       lastCycle,
		Outcomes:        outcomes,
		Connections:     int64(len(s.openConnections)),
		Channels:        channels,
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anyRunning := false
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}

	if !anyRunning {
		return false
	}

	if s.mailboxLastOKAt.IsZero() {
		return false
	}

	return s.mailboxLastErr == ""
}

func (s *Service) checkMailboxHealth() error {
	if s.health == nil {
		s.mu.Lock()
		s.mailboxLastErr = ""
		s.mailboxLastOKAt = time.Now().UTC()
		s.mu.Unlock()
		return nil
	}

	if err := s.health.Check(); err != nil {
		s.mu.Lock()
		s.mailboxLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("mailbox check failed: %w", err)
	}

	s.mu.Lock()
	s.mailboxLastErr = ""
	s.mailboxLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
