// Package router decodes inbound frames and hands them to the handler
// registered for their action.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/imclient/internal/protocol"
	"go.uber.org/zap"
)

// Table is the complete set of inbound handlers. Nil fields drop the frame.
type Table struct {
	Connected       func(protocol.Connected)
	NewMessage      func(protocol.NewMessage)
	NewFileMessage  func(protocol.NewMessage)
	MessageSent     func(protocol.NewMessage)
	MessageAck      func(protocol.MessageAck)
	MessageRecalled func(protocol.MessageRecalled)
	MessageRead     func(protocol.MessageRead)
	Error           func(protocol.Error)
	// Raw receives frames whose action has no typed field.
	Raw func(protocol.Frame)
}

// Stats counts what happened to dispatched frames.
type Stats struct {
	Dispatched uint64
	Dropped    uint64
	Malformed  uint64
	Panics     uint64
}

// Router dispatches frames through one Table. It never panics into the caller.
type Router struct {
	logger *zap.Logger

	mu    sync.RWMutex
	table Table

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	malformed  atomic.Uint64
	panics     atomic.Uint64
}

// New creates a router with an empty table.
func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{logger: logger.Named("router")}
}

// Bind replaces the dispatch table.
func (r *Router) Bind(t Table) {
	r.mu.Lock()
	r.table = t
	r.mu.Unlock()
}

// Stats returns dispatch counters.
func (r *Router) Stats() Stats {
	return Stats{
		Dispatched: r.dispatched.Load(),
		Dropped:    r.dropped.Load(),
		Malformed:  r.malformed.Load(),
		Panics:     r.panics.Load(),
	}
}

// Dispatch parses data and runs the matching handler.
func (r *Router) Dispatch(data []byte) {
	frame, err := protocol.Parse(data)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Warn("malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	r.mu.RLock()
	t := r.table
	r.mu.RUnlock()

	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			r.logger.Error("handler panicked", zap.String("action", string(frame.Action)), zap.Any("panic", p))
		}
	}()

	var handled bool
	switch frame.Action {
	case protocol.ActionConnected:
		handled, err = run(frame, t.Connected)
	case protocol.ActionNewMessage:
		handled, err = run(frame, t.NewMessage)
	case protocol.ActionNewFileMessage:
		handled, err = run(frame, t.NewFileMessage)
	case protocol.ActionMessageSent:
		handled, err = run(frame, t.MessageSent)
	case protocol.ActionMessageAck:
		handled, err = run(frame, t.MessageAck)
	case protocol.ActionMessageRecalled:
		handled, err = run(frame, t.MessageRecalled)
	case protocol.ActionMessageRead:
		handled, err = run(frame, t.MessageRead)
	case protocol.ActionError:
		handled, err = run(frame, t.Error)
	default:
		if t.Raw != nil {
			t.Raw(frame)
			handled = true
		}
	}

	switch {
	case err != nil:
		r.malformed.Add(1)
		r.logger.Warn("undecodable payload", zap.String("action", string(frame.Action)), zap.Error(err))
	case !handled:
		r.dropped.Add(1)
		r.logger.Debug("no handler for frame", zap.String("action", string(frame.Action)))
	default:
		r.dispatched.Add(1)
	}
}

// run decodes the frame into T and calls fn. A nil fn reports unhandled.
func run[T any](frame protocol.Frame, fn func(T)) (bool, error) {
	if fn == nil {
		return false, nil
	}
	var payload T
	if err := frame.Decode(&payload); err != nil {
		return false, fmt.Errorf("router: %w", err)
	}
	fn(payload)
	return true, nil
}
