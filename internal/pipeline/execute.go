package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/internal/notify"
	"github.com/cossistant/realtime/internal/store"
	"github.com/cossistant/realtime/pkg/metrics"
)

// execute applies the decided action. The primary action's outcome is
// reported separately from side effects: a failed notification or event
// insert never flips a successful escalation to failed, and a failed
// validation stops before any write.
func (p *Pipeline) execute(ctx context.Context, in *IntakeResult, dec Decision) ExecutionResult {
	switch dec.Action {
	case ActionRespond, ActionSkip:
		// Responding writes its message during decision generation; both
		// cases have nothing left to apply here.
		return ExecutionResult{PrimaryAction: ActionOutcome{Type: string(dec.Action), Success: true}}
	case ActionEscalate:
		return p.escalate(ctx, in, dec)
	case ActionResolve:
		return p.updateStatus(ctx, in, model.StatusResolved)
	case ActionMarkSpam:
		return p.updateStatus(ctx, in, model.StatusSpam)
	default:
		return ExecutionResult{PrimaryAction: ActionOutcome{
			Type:    string(dec.Action),
			Success: false,
			Error:   "unknown action",
		}}
	}
}

// escalate hands the conversation to the team. Validation runs before any
// write: an escalation without a reason fails cleanly with no state change.
func (p *Pipeline) escalate(ctx context.Context, in *IntakeResult, dec Decision) ExecutionResult {
	res := ExecutionResult{PrimaryAction: ActionOutcome{Type: string(ActionEscalate)}}

	if dec.Escalation == nil || dec.Escalation.Reason == "" {
		res.PrimaryAction.Error = "escalation requires a reason"
		return res
	}

	conv := in.Conversation
	escalated := true
	upd := store.ConversationUpdate{
		IsEscalated:      &escalated,
		EscalationReason: &dec.Escalation.Reason,
	}
	if prio := priorityForUrgency(dec.Escalation.Urgency); prio != "" && prio != conv.Priority {
		upd.Priority = &prio
	}
	if dec.AssignUserID != "" {
		upd.AssignedUserID = &dec.AssignUserID
	}
	if err := p.store.UpdateConversation(ctx, conv.ID, upd); err != nil {
		res.PrimaryAction.Error = fmt.Sprintf("update conversation: %v", err)
		return res
	}
	res.PrimaryAction.Success = true
	metrics.EscalationsTotal.Inc()

	// Private audit event for the team.
	res.SideEffects = append(res.SideEffects, p.insertTimelineEvent(ctx, in, timelineEventSpec{
		id:         deterministicID("escalation-event", in.Trigger.MessageID),
		name:       model.ConvEventEscalated,
		visibility: model.VisibilityPrivate,
		data: map[string]any{
			"reason":  dec.Escalation.Reason,
			"urgency": dec.Escalation.Urgency,
		},
	}))

	// Optional holding message to the visitor.
	if dec.Reply != "" {
		res.SideEffects = append(res.SideEffects, p.insertAIMessage(ctx, in, deterministicID("escalation-message", in.Trigger.MessageID), dec.Reply))
	}

	// Public request so both sides see a human was asked to join.
	res.SideEffects = append(res.SideEffects, p.insertTimelineEvent(ctx, in, timelineEventSpec{
		id:         deterministicID("participant-request", in.Trigger.MessageID),
		name:       model.ConvEventParticipantRequested,
		visibility: model.VisibilityPublic,
	}))

	if dec.AssignUserID != "" {
		res.SideEffects = append(res.SideEffects, p.requestParticipant(ctx, in, dec.AssignUserID))
		res.SideEffects = append(res.SideEffects, p.assignTeammate(ctx, in, dec.AssignUserID))
	}

	p.publishConversationUpdated(ctx, in)

	p.tasks.Spawn(ctx, "escalation-notify", func(taskCtx context.Context) error {
		return p.notifyEscalation(taskCtx, in, dec)
	})

	return res
}

// requestParticipant records the named teammate as a conversation
// participant. Like assignment it is keyed on conversation+user: an existing
// active row or a raced duplicate counts as success.
func (p *Pipeline) requestParticipant(ctx context.Context, in *IntakeResult, userID string) ActionOutcome {
	out := ActionOutcome{Type: "participant_request"}

	_, err := p.store.FindActiveParticipant(ctx, in.Conversation.ID, userID)
	if err == nil {
		out.Success = true
		return out
	}
	if !errors.Is(err, store.ErrNotFound) {
		out.Error = fmt.Sprintf("find participant: %v", err)
		return out
	}

	err = p.store.InsertParticipant(ctx, &store.Participant{
		ID:             deterministicID("participant-"+userID, in.Trigger.MessageID),
		ConversationID: in.Conversation.ID,
		UserID:         userID,
		Active:         true,
		CreatedAt:      p.now(),
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		out.Error = fmt.Sprintf("insert participant: %v", err)
		return out
	}
	out.Success = true
	return out
}

// assignTeammate is idempotent: an existing active assignment is reused, and
// a duplicate row id raced in by a concurrent run counts as success.
func (p *Pipeline) assignTeammate(ctx context.Context, in *IntakeResult, userID string) ActionOutcome {
	out := ActionOutcome{Type: "assign"}

	_, err := p.store.FindActiveAssignee(ctx, in.Conversation.ID, userID)
	if err == nil {
		out.Success = true
		return out
	}
	if !errors.Is(err, store.ErrNotFound) {
		out.Error = fmt.Sprintf("find assignee: %v", err)
		return out
	}

	err = p.store.InsertAssignee(ctx, &store.Assignee{
		ID:             deterministicID("assignee-"+userID, in.Trigger.MessageID),
		ConversationID: in.Conversation.ID,
		UserID:         userID,
		Active:         true,
		CreatedAt:      p.now(),
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		out.Error = fmt.Sprintf("insert assignee: %v", err)
		return out
	}
	out.Success = true

	p.insertTimelineEvent(ctx, in, timelineEventSpec{
		id:         deterministicID("assigned-event-"+userID, in.Trigger.MessageID),
		name:       model.ConvEventAssigned,
		visibility: model.VisibilityPrivate,
		data:       map[string]any{"userId": userID},
	})
	return out
}

// updateStatus applies resolve and mark_spam. An unchanged status is a
// successful no-op: no write, no timeline event, no broadcast.
func (p *Pipeline) updateStatus(ctx context.Context, in *IntakeResult, status model.ConversationStatus) ExecutionResult {
	actionType := string(ActionResolve)
	if status == model.StatusSpam {
		actionType = string(ActionMarkSpam)
	}
	res := ExecutionResult{PrimaryAction: ActionOutcome{Type: actionType}}

	conv := in.Conversation
	if conv.Status == status {
		res.PrimaryAction.Success = true
		return res
	}

	upd := store.ConversationUpdate{Status: &status}
	if status == model.StatusResolved {
		upd.ResolutionTime = p.resolutionTime(conv)
	}
	if err := p.store.UpdateConversation(ctx, conv.ID, upd); err != nil {
		res.PrimaryAction.Error = fmt.Sprintf("update conversation: %v", err)
		return res
	}
	res.PrimaryAction.Success = true
	conv.Status = status
	if upd.ResolutionTime != nil {
		conv.ResolutionTime = upd.ResolutionTime
	}

	eventName := model.ConvEventStatusChanged
	if status == model.StatusResolved {
		eventName = model.ConvEventResolved
		metrics.ConversationsResolvedTotal.Inc()
	}
	res.SideEffects = append(res.SideEffects, p.insertTimelineEvent(ctx, in, timelineEventSpec{
		id:         deterministicID("status-"+string(status), in.Trigger.MessageID),
		name:       eventName,
		visibility: model.VisibilityPublic,
		data:       map[string]any{"status": string(status)},
	}))

	p.publishConversationUpdated(ctx, in)
	return res
}

// resolutionTime computes seconds from conversation start to now, clamped at
// zero. When the start time is unknown the previously stored value is kept.
func (p *Pipeline) resolutionTime(conv *model.Conversation) *int {
	if conv.StartedAt == nil {
		return conv.ResolutionTime
	}
	secs := int(math.Round(p.now().Sub(*conv.StartedAt).Seconds()))
	if secs < 0 {
		secs = 0
	}
	return &secs
}

type timelineEventSpec struct {
	id         string
	name       model.ConversationEventName
	visibility model.Visibility
	data       map[string]any
}

func (p *Pipeline) insertTimelineEvent(ctx context.Context, in *IntakeResult, spec timelineEventSpec) ActionOutcome {
	out := ActionOutcome{Type: "timeline_event:" + string(spec.name)}
	item := &model.TimelineItem{
		ID:             spec.id,
		ConversationID: in.Conversation.ID,
		OrganizationID: in.Conversation.OrganizationID,
		Type:           model.ItemEvent,
		Visibility:     spec.visibility,
		AuthorKind:     model.AuthorAI,
		AuthorID:       in.Agent.ID,
		EventName:      spec.name,
		EventData:      spec.data,
		CreatedAt:      p.now(),
	}
	err := p.store.InsertTimelineItem(ctx, item)
	if errors.Is(err, store.ErrDuplicate) {
		// A retried run already wrote this event.
		out.Success = true
		return out
	}
	if err != nil {
		out.Error = fmt.Sprintf("insert timeline event: %v", err)
		return out
	}
	out.Success = true
	p.publishItemEvent(ctx, in, model.EventTimelineEventCreated, item)
	return out
}

func (p *Pipeline) insertAIMessage(ctx context.Context, in *IntakeResult, id, text string) ActionOutcome {
	out := ActionOutcome{Type: "message"}
	item := &model.TimelineItem{
		ID:             id,
		ConversationID: in.Conversation.ID,
		OrganizationID: in.Conversation.OrganizationID,
		Type:           model.ItemMessage,
		Visibility:     model.VisibilityPublic,
		AuthorKind:     model.AuthorAI,
		AuthorID:       in.Agent.ID,
		Text:           text,
		CreatedAt:      p.now(),
	}
	err := p.store.InsertTimelineItem(ctx, item)
	if errors.Is(err, store.ErrDuplicate) {
		out.Success = true
		return out
	}
	if err != nil {
		out.Error = fmt.Sprintf("insert message: %v", err)
		return out
	}
	out.Success = true
	p.publishItemEvent(ctx, in, model.EventMessageCreated, item)
	return out
}

func (p *Pipeline) publishItemEvent(ctx context.Context, in *IntakeResult, typ model.EventType, item *model.TimelineItem) {
	audience := model.AudienceAll
	if item.Visibility == model.VisibilityPrivate {
		audience = model.AudienceDashboard
	}
	p.events.Publish(ctx, model.RealtimeEvent{
		Type: typ,
		Payload: model.EventPayload{
			WebsiteID:      in.Conversation.WebsiteID,
			OrganizationID: in.Conversation.OrganizationID,
			ConversationID: in.Conversation.ID,
			VisitorID:      in.Conversation.VisitorID,
			AIAgentID:      in.Agent.ID,
			Audience:       audience,
			Item:           item,
		},
	})
}

func (p *Pipeline) publishConversationUpdated(ctx context.Context, in *IntakeResult) {
	conv := in.Conversation
	p.events.Publish(ctx, model.RealtimeEvent{
		Type: model.EventConversationUpdated,
		Payload: model.EventPayload{
			WebsiteID:      conv.WebsiteID,
			OrganizationID: conv.OrganizationID,
			ConversationID: conv.ID,
			VisitorID:      conv.VisitorID,
			AIAgentID:      in.Agent.ID,
			Status:         conv.Status,
			ResolutionTime: conv.ResolutionTime,
		},
	})
}

func (p *Pipeline) notifyEscalation(ctx context.Context, in *IntakeResult, dec Decision) error {
	recipients := in.State.AssigneeIDs
	if dec.AssignUserID != "" {
		recipients = append(recipients, dec.AssignUserID)
	}
	if len(recipients) == 0 {
		recipients = []string{"org:" + in.Conversation.OrganizationID}
	}
	subject := "Conversation escalated"
	body := dec.Escalation.Reason
	var firstErr error
	for _, r := range recipients {
		if err := p.notifier.Send(ctx, notify.Notification{RecipientID: r, Subject: subject, Body: body}); err != nil {
			p.log.Warn("escalation notification failed", zap.String("recipient", r), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func priorityForUrgency(urgency string) model.Priority {
	switch urgency {
	case "high":
		return model.PriorityUrgent
	case "medium":
		return model.PriorityHigh
	default:
		return ""
	}
}

// deterministicID derives a stable uuid from the triggering message so a
// retried run reproduces the same row ids instead of duplicating writes.
func deterministicID(kind, messageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(kind+":"+messageID)).String()
}
