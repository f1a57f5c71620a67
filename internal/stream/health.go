package stream

import (
	"sync"

	"github.com/manifest-network/aptfeed/internal/metrics"
)

// State is the lifecycle state of the push channel.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Health tracks the connection state and derives the connected flag from it.
// It is safe for concurrent use.
type Health struct {
	mu       sync.RWMutex
	state    State
	observer func(State)
}

func NewHealth() *Health {
	return &Health{}
}

// OnChange registers fn to be called on every state transition.
func (h *Health) OnChange(fn func(State)) {
	h.mu.Lock()
	h.observer = fn
	h.mu.Unlock()
}

func (h *Health) set(s State) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	fn := h.observer
	h.mu.Unlock()

	if s == StateOpen {
		metrics.Connected.Set(1)
	} else {
		metrics.Connected.Set(0)
	}
	if fn != nil {
		fn(s)
	}
}

func (h *Health) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// IsConnected is true strictly between an open event and the next close or error.
func (h *Health) IsConnected() bool {
	return h.State() == StateOpen
}
