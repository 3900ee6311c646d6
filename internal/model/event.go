// Package model defines data structures shared by the realtime dispatch
// core and the AI agent pipeline.
package model

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a realtime event variant. The set is closed: the
// router, the visitor audience policy and the inbound allow-list all switch
// exhaustively over these constants.
type EventType string

const (
	EventMessageCreated       EventType = "messageCreated"
	EventTimelineEventCreated EventType = "timelineEventCreated"
	EventToolCallCreated      EventType = "toolCallCreated"
	EventConversationCreated  EventType = "conversationCreated"
	EventConversationUpdated  EventType = "conversationUpdated"
	EventAIDecisionMade       EventType = "aiAgentDecisionMade"
	EventAITyping             EventType = "aiAgentTyping"
	EventUserTyping           EventType = "userTyping"
	EventVisitorTyping        EventType = "visitorTyping"
	EventMessageSeen          EventType = "messageSeen"
	EventUserPresenceUpdate   EventType = "userPresenceUpdate"
	EventVisitorConnected     EventType = "visitorConnected"
	EventVisitorDisconnected  EventType = "visitorDisconnected"
)

// EventTypes lists every known event type. Tests use it to keep the dispatch
// rule and audience policy tables exhaustive.
var EventTypes = []EventType{
	EventMessageCreated,
	EventTimelineEventCreated,
	EventToolCallCreated,
	EventConversationCreated,
	EventConversationUpdated,
	EventAIDecisionMade,
	EventAITyping,
	EventUserTyping,
	EventVisitorTyping,
	EventMessageSeen,
	EventUserPresenceUpdate,
	EventVisitorConnected,
	EventVisitorDisconnected,
}

// Known reports whether t is a member of the closed event type set.
func (t EventType) Known() bool {
	switch t {
	case EventMessageCreated, EventTimelineEventCreated, EventToolCallCreated,
		EventConversationCreated, EventConversationUpdated,
		EventAIDecisionMade, EventAITyping,
		EventUserTyping, EventVisitorTyping, EventMessageSeen,
		EventUserPresenceUpdate, EventVisitorConnected, EventVisitorDisconnected:
		return true
	}
	return false
}

// Audience narrows who an event is intended for, independent of timeline
// item visibility. An empty audience means everyone.
type Audience string

const (
	AudienceAll       Audience = "all"
	AudienceDashboard Audience = "dashboard"
)

// EventPayload carries routing keys plus variant data. WebsiteID and
// VisitorID are the authoritative routing keys: the gateway overwrites them
// from the authenticated connection record before an event reaches the
// router, so a client can never spoof another identity.
type EventPayload struct {
	WebsiteID      string   `json:"websiteId"`
	OrganizationID string   `json:"organizationId"`
	ConversationID string   `json:"conversationId,omitempty"`
	VisitorID      string   `json:"visitorId,omitempty"`
	UserID         string   `json:"userId,omitempty"`
	AIAgentID      string   `json:"aiAgentId,omitempty"`
	Audience       Audience `json:"audience,omitempty"`

	// Item is set on timeline-item-bearing events (messageCreated,
	// timelineEventCreated, toolCallCreated).
	Item *TimelineItem `json:"item,omitempty"`

	// Conversation fields, set on conversationCreated/conversationUpdated.
	Status         ConversationStatus `json:"status,omitempty"`
	ResolutionTime *int               `json:"resolutionTime,omitempty"`

	// Variant-specific extras (typing preview text, seen message id, ...).
	Data map[string]any `json:"data,omitempty"`
}

// RealtimeEvent is the unit pushed to sockets: a discriminated union keyed
// by Type, JSON-encoded one event per frame.
type RealtimeEvent struct {
	Type    EventType    `json:"type"`
	Payload EventPayload `json:"payload"`
}

// Validate checks the structural invariants the router relies on.
func (e RealtimeEvent) Validate() error {
	if !e.Type.Known() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Payload.WebsiteID == "" {
		return fmt.Errorf("event %s: missing websiteId", e.Type)
	}
	switch e.Type {
	case EventMessageCreated, EventTimelineEventCreated, EventToolCallCreated:
		if e.Payload.Item == nil {
			return fmt.Errorf("event %s: missing timeline item", e.Type)
		}
	}
	return nil
}

// Encode serializes the event for an outbound socket frame.
func (e RealtimeEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}
