package websocket

import (
	"context"
	"fmt"
)

// ErrUnknownType is returned by Dispatch for unregistered message types.
// Readers log it and continue; a mixed deployment may send types this server
// does not know.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown message type: %s", e.Type)
}

// Handler is the interface for WebSocket message handlers
type Handler interface {
	// Handle processes an inbound WebSocket message.
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc is a function type that implements Handler
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Dispatcher routes inbound messages to handlers by wire type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new message dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for a message type
func (d *Dispatcher) Register(msgType string, handler Handler) {
	d.handlers[msgType] = handler
}

// RegisterFunc registers a handler function for a message type
func (d *Dispatcher) RegisterFunc(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch routes a message to the appropriate handler
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) error {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return &ErrUnknownType{Type: msg.Type}
	}
	return handler.Handle(ctx, msg)
}

// HasHandler returns true if a handler is registered for the message type
func (d *Dispatcher) HasHandler(msgType string) bool {
	_, ok := d.handlers[msgType]
	return ok
}
