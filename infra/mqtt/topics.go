package mqtt

import (
	"fmt"
	"strings"
)

// Topic layout. Agents publish presence (with an offline LWT), location
// reports, availability flips and offer responses; the engine publishes
// per-agent and per-rider event streams.
const (
	TopicPresence     = "agents/+/presence"
	TopicLocation     = "agents/+/location"
	TopicAvailability = "agents/+/availability"
	TopicResponses    = "dispatch/responses"
)

// AgentEventsTopic is the per-agent downstream event topic.
func AgentEventsTopic(agentID string) string {
	return fmt.Sprintf("agents/%s/events", agentID)
}

// CustomerEventsTopic is the per-request rider event topic.
func CustomerEventsTopic(requestID string) string {
	return fmt.Sprintf("riders/%s/events", requestID)
}

// PresenceTopic is where an agent announces itself; its LWT should
// publish an offline payload on the same topic.
func PresenceTopic(agentID string) string {
	return fmt.Sprintf("agents/%s/presence", agentID)
}

// LocationTopic carries an agent's position reports.
func LocationTopic(agentID string) string {
	return fmt.Sprintf("agents/%s/location", agentID)
}

// AvailabilityTopic carries an agent's opt-in flag.
func AvailabilityTopic(agentID string) string {
	return fmt.Sprintf("agents/%s/availability", agentID)
}

// agentFromTopic extracts the agent id from agents/{id}/... topics.
func agentFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "agents" {
		return ""
	}
	return parts[1]
}
