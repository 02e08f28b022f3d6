// Package events defines the dispatch related events emitted on the event bus.
//
// Available event types:
//   - RequestEvent: dispatch session lifecycle transition
//   - OfferEvent: offer sent to an agent
//   - ResponseEvent: agent reply to an offer
//   - OutcomeEvent: terminal session result
//   - AgentEvent: agent fleet state change
package events
