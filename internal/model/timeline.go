package model

import (
	"strings"
	"time"
)

// TimelineItemType distinguishes the three units of conversation history.
type TimelineItemType string

const (
	ItemMessage TimelineItemType = "message"
	ItemEvent   TimelineItemType = "event"
	ItemTool    TimelineItemType = "tool"
)

// Visibility controls whether a timeline item may ever reach the
// visitor-facing client.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// AuthorKind identifies who produced a timeline item.
type AuthorKind string

const (
	AuthorUser    AuthorKind = "user"
	AuthorVisitor AuthorKind = "visitor"
	AuthorAI      AuthorKind = "ai"
)

// ConversationEventName names the structured conversation events the
// pipeline inserts (escalations, status changes, participant requests).
type ConversationEventName string

const (
	ConvEventEscalated            ConversationEventName = "escalated"
	ConvEventResolved             ConversationEventName = "resolved"
	ConvEventStatusChanged        ConversationEventName = "status_changed"
	ConvEventParticipantRequested ConversationEventName = "participant_requested"
	ConvEventAssigned             ConversationEventName = "assigned"
	ConvEventCategorized          ConversationEventName = "categorized"
)

// TimelineItem is one unit of conversation history: a message, a structured
// event, or a tool invocation trace.
type TimelineItem struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	OrganizationID string           `json:"organizationId"`
	Type           TimelineItemType `json:"type"`
	Visibility     Visibility       `json:"visibility"`
	AuthorKind     AuthorKind       `json:"authorKind"`
	AuthorID       string           `json:"authorId,omitempty"`

	// Text is the message body for ItemMessage, empty otherwise.
	Text string `json:"text,omitempty"`

	// EventName and EventData describe ItemEvent entries.
	EventName ConversationEventName `json:"eventName,omitempty"`
	EventData map[string]any        `json:"eventData,omitempty"`

	// ToolName is set for ItemTool entries.
	ToolName string `json:"toolName,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// IsHumanTeammate reports whether the item was authored by a dashboard user.
func (i *TimelineItem) IsHumanTeammate() bool {
	return i != nil && i.AuthorKind == AuthorUser
}

// IsPrivate reports whether the item is team-only.
func (i *TimelineItem) IsPrivate() bool {
	return i != nil && i.Visibility == VisibilityPrivate
}

// IsQuestion reports whether a message reads like a question. Used by the
// post-model confidence clamp: a low-confidence proactive answer to a
// non-question while a human is engaged is suppressed.
func (i *TimelineItem) IsQuestion() bool {
	if i == nil || i.Type != ItemMessage {
		return false
	}
	text := strings.TrimSpace(i.Text)
	if strings.HasSuffix(text, "?") {
		return true
	}
	lower := strings.ToLower(text)
	for _, prefix := range []string{"how ", "what ", "why ", "when ", "where ", "who ", "can ", "could ", "do ", "does ", "is ", "are "} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
