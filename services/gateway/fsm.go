package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type (
	// Message is one inbound user message.
	Message struct {
		ExternalID string
		Username   string
		FirstName  string
		LastName   string
		Language   string
		Text       string
		// Command is set when the message is a slash command, without the
		// leading slash.
		Command string
	}

	// Reply is what a handler sends back to the user.
	Reply struct {
		Text string
		// Markup is the declared formatting mode of Text.
		Markup string
		// Keyboard rows of button labels, rendered by the channel adapter.
		Keyboard [][]string
	}

	// Turn gives a handler its working context: the session under the
	// session lock plus the inbound message. Mutations go through the
	// explicit transition methods so version bumps stay consistent.
	Turn struct {
		Session *Session
		Message Message

		next      string
		nextSet   bool
		cancelled bool
	}

	// Handler processes one message in one FSM state.
	Handler func(ctx context.Context, t *Turn) (Reply, error)

	// PayloadCheck decodes the stored payload a state's handler depends
	// on. A failing check means the session carries state the handler
	// cannot trust.
	PayloadCheck func(payload map[string]any) error

	// FSM maps state ids to handlers.
	FSM struct {
		mu       sync.RWMutex
		handlers map[string]Handler
		checks   map[string]PayloadCheck
	}
)

// Transition moves the session to the given state after the handler
// returns.
func (t *Turn) Transition(state string) {
	t.next = state
	t.nextSet = true
}

// Cancel clears the state payload and returns to the main menu.
func (t *Turn) Cancel() {
	t.cancelled = true
}

// Set stores a value in the state payload.
func (t *Turn) Set(key string, value any) {
	if t.Session.Payload == nil {
		t.Session.Payload = make(map[string]any)
	}
	t.Session.Payload[key] = value
}

// Get reads a value from the state payload.
func (t *Turn) Get(key string) (any, bool) {
	v, ok := t.Session.Payload[key]
	return v, ok
}

// NewFSM returns an empty FSM.
func NewFSM() *FSM {
	return &FSM{
		handlers: make(map[string]Handler),
		checks:   make(map[string]PayloadCheck),
	}
}

// Handle registers the handler for a state. Duplicate registrations are a
// programming error.
func (f *FSM) Handle(state string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.handlers[state]; dup {
		panic(fmt.Sprintf("gateway: handler for state %q already registered", state))
	}
	f.handlers[state] = h
}

// RequirePayload registers the payload check a state's handler depends
// on. The check runs before dispatching into the state; registering a
// check for an unknown state is a programming error.
func (f *FSM) RequirePayload(state string, check PayloadCheck) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[state]; !ok {
		panic(fmt.Sprintf("gateway: payload check for unregistered state %q", state))
	}
	f.checks[state] = check
}

// Lookup resolves a state's handler.
func (f *FSM) Lookup(state string) (Handler, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.handlers[state]
	return h, ok
}

// Check resolves a state's payload check.
func (f *FSM) Check(state string) (PayloadCheck, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.checks[state]
	return c, ok
}

// RequireKeys is a PayloadCheck asserting that each key holds a
// non-empty string.
func RequireKeys(keys ...string) PayloadCheck {
	return func(payload map[string]any) error {
		for _, k := range keys {
			v, ok := payload[k].(string)
			if !ok || v == "" {
				return fmt.Errorf("payload key %q is missing or not a string", k)
			}
		}
		return nil
	}
}

// States lists registered states in lexical order.
func (f *FSM) States() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.handlers))
	for s := range f.handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
