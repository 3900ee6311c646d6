package model

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "open"
	StatusResolved ConversationStatus = "resolved"
	StatusSpam     ConversationStatus = "spam"
)

// Priority orders conversations in the dashboard inbox.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Conversation is the row the execution stage mutates. Column layout at the
// persistence layer is the store's concern; this is the in-process view.
type Conversation struct {
	ID               string             `json:"id"`
	OrganizationID   string             `json:"organizationId"`
	WebsiteID        string             `json:"websiteId"`
	VisitorID        string             `json:"visitorId"`
	Status           ConversationStatus `json:"status"`
	Priority         Priority           `json:"priority"`
	Title            string             `json:"title,omitempty"`
	Sentiment        string             `json:"sentiment,omitempty"`
	IsEscalated      bool               `json:"isEscalated"`
	EscalationReason string             `json:"escalationReason,omitempty"`
	AssignedUserID   string             `json:"assignedUserId,omitempty"`
	// StartedAt anchors resolution time; nil for imported conversations.
	StartedAt *time.Time `json:"startedAt,omitempty"`
	// ResolutionTime is seconds from start to resolution, carried forward
	// when a later resolve cannot recompute it.
	ResolutionTime *int      `json:"resolutionTime,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// AgentBehavior toggles the followup stage's background analyses.
type AgentBehavior struct {
	SentimentAnalysis bool `json:"sentimentAnalysis"`
	TitleGeneration   bool `json:"titleGeneration"`
	AutoCategorize    bool `json:"autoCategorize"`
}

// Agent is an AI agent configuration row.
type Agent struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	Name           string        `json:"name"`
	IsActive       bool          `json:"isActive"`
	Behavior       AgentBehavior `json:"behavior"`
	UsageCount     int64         `json:"usageCount"`
}

// Visitor is the website-visitor identity attached to widget sessions.
type Visitor struct {
	ID        string    `json:"id"`
	WebsiteID string    `json:"websiteId"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Website is the tenant boundary for widget sessions; the public key
// authenticates widget handshakes.
type Website struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	PublicKey      string `json:"publicKey"`
	Name           string `json:"name"`
}
