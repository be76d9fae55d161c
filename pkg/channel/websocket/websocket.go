package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"cmmsbridge/pkg/bus"
	"cmmsbridge/pkg/channel"
	"cmmsbridge/pkg/config"
	"cmmsbridge/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const channelName = "websocket"

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Adapter accepts WebSocket clients and relays their messages to the bridge.
type Adapter struct {
	cfg       config.ServerConfig
	log       *slog.Logger
	upgrader  websocket.Upgrader
	writeWait time.Duration
	pongWait  time.Duration

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	conns    sync.WaitGroup
}

// NewAdapter validates listener settings and constructs an adapter.
func NewAdapter(cfg config.ServerConfig, log *slog.Logger) (*Adapter, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("server.port %d out of range", cfg.Port)
	}
	if cfg.Path == "" {
		cfg.Path = config.DefaultServerPath
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		cfg:       cfg,
		log:       log.With("component", "channel.websocket"),
		writeWait: secondsOr(cfg.WriteTimeoutSecs, defaultWriteWait),
		pongWait:  secondsOr(cfg.PongTimeoutSecs, defaultPongWait),
		ready:     make(chan struct{}),
	}

	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	if cfg.Subprotocol != "" {
		a.upgrader.Subprotocols = []string{cfg.Subprotocol}
	}

	return a, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Addr returns the bound listener address once Run has started listening.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}

	return a.listener.Addr()
}

// Ready is closed once the listener is bound.
func (a *Adapter) Ready() <-chan struct{} {
	return a.ready
}

// Run listens for WebSocket upgrades until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()
	close(a.ready)

	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		a.serveConn(ctx, w, r, handler)
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	a.log.Info("WebSocket channel started", "address", listener.Addr().String(), "path", a.cfg.Path, "subprotocol", a.cfg.Subprotocol)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		a.conns.Wait()
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve websocket: %w", err)
	}
}

// serveConn owns one client connection. Messages are handled strictly in
// arrival order, so replies on a connection keep request order.
func (a *Adapter) serveConn(ctx context.Context, w http.ResponseWriter, r *http.Request, handler channel.Handler) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	a.conns.Add(1)
	defer a.conns.Done()

	client := newClientConn(conn, a)
	defer client.close()

	a.log.Info("Client connected", "conn_id", client.id, "remote_addr", r.RemoteAddr)

	frames := client.readFrames(ctx)

	a.dispatch(ctx, client, handler, bus.InboundMessage{Kind: bus.KindConnected})

	for {
		select {
		case <-ctx.Done():
			client.closeWithStatus(websocket.CloseGoingAway, "server shutting down")
			a.dispatch(context.WithoutCancel(ctx), client, handler, bus.InboundMessage{Kind: bus.KindClosed})
			return
		case frame, ok := <-frames:
			if !ok {
				a.log.Info("Client disconnected", "conn_id", client.id)
				a.dispatch(context.WithoutCancel(ctx), client, handler, bus.InboundMessage{Kind: bus.KindClosed})
				return
			}

			if err := client.limiter.Wait(ctx); err != nil {
				continue
			}

			a.log.Info("Message received", "conn_id", client.id, "bytes", len(frame), "content", logger.Preview(frame))
			a.dispatch(ctx, client, handler, bus.InboundMessage{Kind: bus.KindMessage, Content: frame})
		}
	}
}

// dispatch runs the handler for one event and writes the reply, if any.
func (a *Adapter) dispatch(ctx context.Context, client *clientConn, handler channel.Handler, inbound bus.InboundMessage) {
	inbound.Channel = channelName
	inbound.ConnID = client.id
	inbound.SenderID = client.remoteAddr

	outbound, err := handler(ctx, inbound)
	if err != nil {
		a.log.Error("Failed to process inbound event", "conn_id", client.id, "kind", string(inbound.Kind), "error", err)
	}
	if !outbound.Reply {
		return
	}

	if err := client.send(outbound.Content); err != nil {
		a.log.Error("Failed to send reply", "conn_id", client.id, "error", err)
		client.close()
		return
	}
	a.log.Info("Reply sent", "conn_id", client.id, "bytes", len(outbound.Content), "content", logger.Preview(outbound.Content))
}

// clientConn wraps one upgraded connection with its write lock and limiter.
type clientConn struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	limiter    *rate.Limiter
	writeWait  time.Duration
	pongWait   time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newClientConn(conn *websocket.Conn, a *Adapter) *clientConn {
	limit := rate.Inf
	burst := 1
	if a.cfg.RateLimitPerSec > 0 {
		limit = rate.Limit(a.cfg.RateLimitPerSec)
		burst = max(a.cfg.RateLimitBurst, 1)
	}

	// An oversized frame is rejected at the transport: gorilla answers with
	// close code 1009 and no cycle runs, so no bridge reply is sent.
	conn.SetReadLimit(a.cfg.MaxMessageBytes)

	return &clientConn{
		id:         uuid.NewString(),
		remoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		limiter:    rate.NewLimiter(limit, burst),
		writeWait:  a.writeWait,
		pongWait:   a.pongWait,
	}
}

// readFrames pumps data frames into a channel and keeps the connection
// alive with pings. The channel closes when the peer goes away.
func (c *clientConn) readFrames(ctx context.Context) <-chan []byte {
	frames := make(chan []byte)

	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.pongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.writeControl(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer close(frames)
		defer close(pingDone)
		for {
			messageType, payload, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			// A long cycle must not starve the keepalive deadline.
			_ = c.conn.SetReadDeadline(time.Time{})
			select {
			case frames <- payload:
			case <-ctx.Done():
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		}
	}()

	return frames
}

func (c *clientConn) send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *clientConn) writeControl(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteControl(messageType, payload, time.Now().Add(c.writeWait))
}

func (c *clientConn) closeWithStatus(code int, reason string) {
	_ = c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.close()
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// originChecker allows every origin when the list is empty, otherwise only
// exact matches (scheme://host[:port]) and requests without an Origin header.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed != "" {
			set[strings.ToLower(trimmed)] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}

		_, ok := set[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
		return ok
	}
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}

	return time.Duration(seconds) * time.Second
}
