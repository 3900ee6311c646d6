// Package store defines the persistence collaborator the pipeline runs
// against. The pipeline depends only on the Store interface; the pgx binding
// is the production implementation and Memory backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cossistant/realtime/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert collides with an existing id.
// Idempotent actions rely on it: a retried execution deriving the same
// deterministic id is rejected here instead of duplicating a row.
var ErrDuplicate = errors.New("store: duplicate id")

// ConversationUpdate lists the mutable conversation columns; nil fields are
// left untouched.
type ConversationUpdate struct {
	Status           *model.ConversationStatus
	Priority         *model.Priority
	Title            *string
	Sentiment        *string
	IsEscalated      *bool
	EscalationReason *string
	AssignedUserID   *string
	ResolutionTime   *int
}

// Assignee is an active conversation assignment.
type Assignee struct {
	ID             string
	ConversationID string
	UserID         string
	Active         bool
	CreatedAt      time.Time
}

// Participant is a requested or active conversation participant.
type Participant struct {
	ID             string
	ConversationID string
	UserID         string
	Active         bool
	CreatedAt      time.Time
}

// ConversationView links a conversation into a dashboard view (category).
type ConversationView struct {
	ID             string
	ConversationID string
	ViewID         string
	CreatedAt      time.Time
}

// TimelineFilter narrows timeline reads.
type TimelineFilter struct {
	// Limit bounds the number of items returned, newest last. Zero means
	// the store default.
	Limit int
	// VisibleToVisitor restricts to public items when true.
	VisibleToVisitor bool
}

// Store is the narrow repository interface the dispatch core and pipeline
// use. Implementations must be safe for concurrent use.
type Store interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	IncrementAgentUsage(ctx context.Context, id string) error

	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error

	ListTimelineItems(ctx context.Context, conversationID string, filter TimelineFilter) ([]model.TimelineItem, error)
	InsertTimelineItem(ctx context.Context, item *model.TimelineItem) error

	FindActiveAssignee(ctx context.Context, conversationID, userID string) (*Assignee, error)
	ListActiveAssignees(ctx context.Context, conversationID string) ([]Assignee, error)
	InsertAssignee(ctx context.Context, a *Assignee) error

	FindActiveParticipant(ctx context.Context, conversationID, userID string) (*Participant, error)
	ListActiveParticipants(ctx context.Context, conversationID string) ([]Participant, error)
	InsertParticipant(ctx context.Context, p *Participant) error

	FindConversationView(ctx context.Context, conversationID, viewID string) (*ConversationView, error)
	InsertConversationView(ctx context.Context, v *ConversationView) error

	GetVisitor(ctx context.Context, id string) (*model.Visitor, error)
	GetWebsiteByPublicKey(ctx context.Context, key string) (*model.Website, error)

	// Workflow markers guard against concurrent pipeline runs for the same
	// conversation and direction. SetWorkflowMarker returns false when a
	// marker already exists.
	SetWorkflowMarker(ctx context.Context, conversationID, direction string) (bool, error)
	ClearWorkflowMarker(ctx context.Context, conversationID, direction string) error
}
