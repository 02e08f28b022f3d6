package notify

import (
	"context"
	"fmt"
	"sync"
)

// Message is one delivery recorded by MockChannel.
type Message struct {
	Recipient string
	Event     string
	Payload   any
}

// MockChannel is a simple in-memory channel used in tests.
type MockChannel struct {
	mu       sync.Mutex
	agent    []Message
	customer []Message
	// FailAgents lists agent ids whose deliveries fail.
	FailAgents map[string]bool
}

// NewMockChannel creates a new MockChannel.
func NewMockChannel() *MockChannel {
	return &MockChannel{FailAgents: make(map[string]bool)}
}

// SendToAgent records the message or returns an error if configured to
// fail for that agent.
func (m *MockChannel) SendToAgent(_ context.Context, agentID, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAgents[agentID] {
		return fmt.Errorf("delivery to %s failed", agentID)
	}
	m.agent = append(m.agent, Message{Recipient: agentID, Event: event, Payload: payload})
	return nil
}

// SendToCustomer records the message.
func (m *MockChannel) SendToCustomer(_ context.Context, requestID, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customer = append(m.customer, Message{Recipient: requestID, Event: event, Payload: payload})
	return nil
}

// AgentMessages returns a copy of everything sent to agents, optionally
// filtered by event name ("" matches all).
func (m *MockChannel) AgentMessages(event string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.agent))
	for _, msg := range m.agent {
		if event == "" || msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

// CustomerMessages returns a copy of everything sent to customers,
// optionally filtered by event name.
func (m *MockChannel) CustomerMessages(event string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.customer))
	for _, msg := range m.customer {
		if event == "" || msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}
