package redisipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Event is the JSON envelope the Router reads and writes as entry content.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes one named event. The returned value is marshaled
// into the fulfilled reply; a non-nil error rejects the request with the
// error text.
type EventHandler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Router layers typed, named event handlers on top of a coordinator's raw
// request stream. It installs itself as the coordinator's request handler, so
// create it before Connect and do not combine it with a custom OnRequest.
type Router struct {
	stream *Stream

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewRouter wires a Router into s as its request handler.
func NewRouter(s *Stream) *Router {
	r := &Router{
		stream:   s,
		handlers: make(map[string]EventHandler),
	}
	s.OnRequest(r.dispatch)
	return r
}

// Handle registers the handler for an event name, replacing any previous one.
func (r *Router) Handle(name string, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// dispatch decodes the envelope, runs the named handler and replies. Decode
// failures, unknown names and handler errors all surface as rejections via
// the worker's error path.
func (r *Router) dispatch(ctx context.Context, entry Entry) error {
	var evt Event
	if err := json.Unmarshal([]byte(entry.Content), &evt); err != nil {
		return fmt.Errorf("malformed event envelope: %w", err)
	}

	r.mu.RLock()
	h, ok := r.handlers[evt.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown event %q", evt.Name)
	}

	result, err := h(ctx, evt.Payload)
	if err != nil {
		return err
	}
	value, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result for event %q: %w", evt.Name, err)
	}
	return r.stream.FulfillRequest(ctx, entry, string(value))
}

// Emit sends a named event to another group and returns the raw Response.
// Use DecodeValue to unmarshal a fulfilled reply.
func (r *Router) Emit(ctx context.Context, to, name string, payload interface{}) (Response, error) {
	evt := Event{Name: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("failed to marshal payload for event %q: %w", name, err)
		}
		evt.Payload = raw
	}
	content, err := json.Marshal(evt)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal event %q: %w", name, err)
	}
	return r.stream.SendToGroup(ctx, string(content), to)
}

// DecodeValue unmarshals the value of a fulfilled response produced by an
// event handler.
func DecodeValue(resp Response, out interface{}) error {
	if !resp.IsFulfilled() {
		return fmt.Errorf("redisipc: response is not fulfilled: %s", resp.Reason())
	}
	return json.Unmarshal([]byte(resp.Value()), out)
}
