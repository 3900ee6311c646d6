package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/internal/store"
)

// intake loads the agent, conversation and surrounding context for a run.
// Missing or inactive prerequisites produce a skipped result, not an error;
// errors are reserved for infrastructure failures.
func (p *Pipeline) intake(ctx context.Context, trig Trigger) (*IntakeResult, error) {
	agent, err := p.store.GetAgent(ctx, trig.AIAgentID)
	if errors.Is(err, store.ErrNotFound) {
		return &IntakeResult{Status: IntakeSkipped, Reason: "agent_not_found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("intake: load agent: %w", err)
	}
	if !agent.IsActive {
		return &IntakeResult{Status: IntakeSkipped, Reason: "agent_inactive"}, nil
	}

	conversation, err := p.store.GetConversation(ctx, trig.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return &IntakeResult{Status: IntakeSkipped, Reason: "conversation_not_found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("intake: load conversation: %w", err)
	}

	in := &IntakeResult{
		Status:       IntakeReady,
		Trigger:      trig,
		Agent:        agent,
		Conversation: conversation,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		history, err := p.store.ListTimelineItems(gctx, trig.ConversationID, store.TimelineFilter{Limit: historyLimit})
		if err != nil {
			return fmt.Errorf("intake: load history: %w", err)
		}
		in.History = history
		return nil
	})

	g.Go(func() error {
		if trig.VisitorID == "" {
			return nil
		}
		visitor, err := p.store.GetVisitor(gctx, trig.VisitorID)
		if errors.Is(err, store.ErrNotFound) {
			// A deleted visitor does not block the run.
			return nil
		}
		if err != nil {
			return fmt.Errorf("intake: load visitor: %w", err)
		}
		in.Visitor = visitor
		return nil
	})

	g.Go(func() error {
		state, err := p.loadConversationState(gctx, conversation)
		if err != nil {
			return err
		}
		in.State = state
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	in.TriggerItem = findTriggerItem(in.History, trig.MessageID)
	return in, nil
}

func (p *Pipeline) loadConversationState(ctx context.Context, c *model.Conversation) (ConversationState, error) {
	state := ConversationState{
		IsEscalated:      c.IsEscalated,
		EscalationReason: c.EscalationReason,
	}

	assignees, err := p.store.ListActiveAssignees(ctx, c.ID)
	if err != nil {
		return state, fmt.Errorf("intake: load assignees: %w", err)
	}
	for _, a := range assignees {
		state.AssigneeIDs = append(state.AssigneeIDs, a.UserID)
	}
	state.HasHumanAssignee = len(state.AssigneeIDs) > 0

	participants, err := p.store.ListActiveParticipants(ctx, c.ID)
	if err != nil {
		return state, fmt.Errorf("intake: load participants: %w", err)
	}
	for _, part := range participants {
		state.ParticipantIDs = append(state.ParticipantIDs, part.UserID)
	}
	return state, nil
}

// findTriggerItem locates the triggering message in loaded history. A nil
// return is tolerated downstream; the run proceeds on history alone.
func findTriggerItem(history []model.TimelineItem, messageID string) *model.TimelineItem {
	if messageID == "" {
		return nil
	}
	for i := range history {
		if history[i].ID == messageID {
			return &history[i]
		}
	}
	return nil
}
