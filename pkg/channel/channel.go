package channel

import (
	"context"

	"cmmsbridge/pkg/bus"
)

// Handler processes one transport event and returns the reply for the same
// connection. It blocks for the duration of one bridge cycle.
type Handler func(context.Context, bus.InboundMessage) (bus.OutboundMessage, error)

// Adapter bridges one external transport (WebSocket, Telegram) into the
// gateway. Run reports connection, message and close events through the
// handler and writes each reply back to the connection that caused it.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}
