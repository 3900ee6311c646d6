// Package pipeline runs the AI agent against inbound conversation activity:
// intake loads context, the smart-decision step picks an intent, the decision
// step chooses an action, execution applies it, and follow-up cleans up and
// schedules background analyses. A pipeline run never returns a model error
// to its caller; every degradation resolves to a safe outcome.
package pipeline

import (
	"context"
	"time"

	"github.com/cossistant/realtime/internal/knowledge"
	"github.com/cossistant/realtime/internal/llm"
	"github.com/cossistant/realtime/internal/model"
)

// Trigger identifies the message that started a run.
type Trigger struct {
	AIAgentID      string
	OrganizationID string
	WebsiteID      string
	ConversationID string
	VisitorID      string
	MessageID      string
}

// IntakeStatus says whether a run has enough context to continue.
type IntakeStatus string

const (
	IntakeReady   IntakeStatus = "ready"
	IntakeSkipped IntakeStatus = "skipped"
)

// ConversationState is the team-side view of a conversation at intake time.
type ConversationState struct {
	HasHumanAssignee bool
	AssigneeIDs      []string
	ParticipantIDs   []string
	IsEscalated      bool
	EscalationReason string
}

// IntakeResult carries everything later stages need. TriggerItem may be nil:
// a trigger referencing a message the store no longer has is tolerated and
// the run continues on history alone.
type IntakeResult struct {
	Status  IntakeStatus
	Reason  string
	Trigger Trigger

	Agent        *model.Agent
	Conversation *model.Conversation
	Visitor      *model.Visitor
	History      []model.TimelineItem
	TriggerItem  *model.TimelineItem
	State        ConversationState
}

// Intent is the smart-decision outcome.
type Intent string

const (
	IntentRespond    Intent = "respond"
	IntentObserve    Intent = "observe"
	IntentAssistTeam Intent = "assist_team"
)

// Confidence buckets a model's self-reported certainty.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// DecisionSource records which layer produced a smart decision.
type DecisionSource string

const (
	SourceRule     DecisionSource = "rule"
	SourceModel    DecisionSource = "model"
	SourceFallback DecisionSource = "fallback"
)

// Rule ids attached to non-model smart decisions.
const (
	ruleHumanPrivateObserve    = "human_private_non_command_observe"
	ruleHumanPublicObserve     = "human_public_non_command_observe"
	ruleVisitorAckObserve      = "visitor_ack_with_human_active_observe"
	ruleLowConfidenceClamp     = "post_model_human_active_low_confidence_observe"
	ruleTimeoutObserve         = "timeout_observe"
	ruleEmptyOutputObserve     = "empty_output_observe"
)

// SmartDecision is the resolved intent for a trigger. RuleID is set exactly
// when Source is not the model.
type SmartDecision struct {
	Intent     Intent
	Reasoning  string
	Confidence Confidence
	Source     DecisionSource
	RuleID     string
}

// Mode says how an acting run addresses its audience.
type Mode string

const (
	ModeRespondToVisitor Mode = "respond_to_visitor"
	ModeRespondToCommand Mode = "respond_to_command"
	ModeBackgroundOnly   Mode = "background_only"
)

// DecisionOutcome is the gate between triage and action generation.
type DecisionOutcome struct {
	ShouldAct bool
	Mode      Mode
	Reason    string
	// Command is the instruction text when a teammate addressed the agent
	// directly.
	Command string
	Smart   *SmartDecision
}

// Action is what the agent does with a conversation.
type Action string

const (
	ActionRespond  Action = "respond"
	ActionEscalate Action = "escalate"
	ActionResolve  Action = "resolve"
	ActionMarkSpam Action = "mark_spam"
	ActionSkip     Action = "skip"
)

// Escalation carries the required context for an escalate action.
type Escalation struct {
	Reason  string
	Urgency string
}

// Decision is the action the run settled on.
type Decision struct {
	Action     Action
	Reasoning  string
	Confidence float64
	Reply      string
	Escalation *Escalation
	// AssignUserID optionally hands the conversation to a teammate during
	// escalation.
	AssignUserID string
}

// ActionOutcome records one execution step.
type ActionOutcome struct {
	Type    string
	Success bool
	Error   string
}

// ExecutionResult separates the primary action from its side effects; a
// side-effect failure never marks the primary action failed.
type ExecutionResult struct {
	PrimaryAction ActionOutcome
	SideEffects   []ActionOutcome
}

// Result summarizes a completed run.
type Result struct {
	Skipped    bool
	SkipReason string
	Outcome    *DecisionOutcome
	Decision   *Decision
	Execution  *ExecutionResult
	Elapsed    time.Duration
}

// Classifier is the smart-decision model call.
type Classifier interface {
	ClassifyIntent(ctx context.Context, model string, history []llm.ChatMessage) (*llm.IntentOutput, error)
}

// Responder is the action-decision model call.
type Responder interface {
	GenerateDecision(ctx context.Context, model string, history []llm.ChatMessage) (*llm.DecisionOutput, error)
}

// Analyzer runs the post-action background analyses.
type Analyzer interface {
	AnalyzeSentiment(ctx context.Context, model string, history []llm.ChatMessage) (string, error)
	GenerateTitle(ctx context.Context, model string, history []llm.ChatMessage) (string, error)
	SuggestCategory(ctx context.Context, model string, history []llm.ChatMessage) (string, error)
}

// EventPublisher pushes a pipeline-produced event into the realtime fanout.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.RealtimeEvent)
}

// Retriever surfaces knowledge snippets relevant to a message. Retrieval is
// best-effort context for reply generation, never a gate.
type Retriever interface {
	Search(ctx context.Context, websiteID, query string, limit int) ([]knowledge.Snippet, error)
}

var _ Classifier = (*llm.StructuredClient)(nil)
var _ Responder = (*llm.StructuredClient)(nil)
var _ Analyzer = (*llm.StructuredClient)(nil)
var _ Retriever = (*knowledge.Index)(nil)

// workflowDirection namespaces the concurrency marker; only inbound message
// processing uses markers today.
const workflowDirection = "inbound"

// historyLimit bounds how much conversation history a run loads.
const historyLimit = 50

// knowledgeSnippets bounds how many retrieved chunks join the reply prompt.
const knowledgeSnippets = 3
