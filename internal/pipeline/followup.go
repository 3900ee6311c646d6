package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cossistant/realtime/internal/store"
)

// followup releases the workflow marker, bumps the agent usage counter and
// schedules behavior-driven analyses. It always runs, whatever execution
// produced, and each analysis is isolated in its own background task.
func (p *Pipeline) followup(ctx context.Context, in *IntakeResult, exec ExecutionResult) {
	if err := p.store.ClearWorkflowMarker(ctx, in.Conversation.ID, workflowDirection); err != nil {
		p.log.Error("clear workflow marker",
			zap.String("conversation_id", in.Conversation.ID),
			zap.Error(err),
		)
	}

	if exec.PrimaryAction.Success && exec.PrimaryAction.Type != string(ActionSkip) {
		if err := p.store.IncrementAgentUsage(ctx, in.Agent.ID); err != nil {
			p.log.Warn("increment agent usage", zap.String("agent_id", in.Agent.ID), zap.Error(err))
		}
	}

	behavior := in.Agent.Behavior
	if behavior.SentimentAnalysis {
		p.tasks.Spawn(ctx, "sentiment-analysis", func(taskCtx context.Context) error {
			return p.analyzeSentiment(taskCtx, in)
		})
	}
	if behavior.TitleGeneration && in.Conversation.Title == "" {
		p.tasks.Spawn(ctx, "title-generation", func(taskCtx context.Context) error {
			return p.generateTitle(taskCtx, in)
		})
	}
	if behavior.AutoCategorize {
		p.tasks.Spawn(ctx, "auto-categorize", func(taskCtx context.Context) error {
			return p.categorize(taskCtx, in)
		})
	}
}

func (p *Pipeline) analyzeSentiment(ctx context.Context, in *IntakeResult) error {
	sentiment, err := p.analyzer.AnalyzeSentiment(ctx, p.cfg.FallbackModel, buildChatHistory(in))
	if err != nil {
		return fmt.Errorf("sentiment: %w", err)
	}
	return p.store.UpdateConversation(ctx, in.Conversation.ID, store.ConversationUpdate{Sentiment: &sentiment})
}

func (p *Pipeline) generateTitle(ctx context.Context, in *IntakeResult) error {
	title, err := p.analyzer.GenerateTitle(ctx, p.cfg.FallbackModel, buildChatHistory(in))
	if err != nil {
		return fmt.Errorf("title: %w", err)
	}
	return p.store.UpdateConversation(ctx, in.Conversation.ID, store.ConversationUpdate{Title: &title})
}

// categorize links the conversation into a dashboard view named after the
// suggested label. The link is idempotent per conversation and view.
func (p *Pipeline) categorize(ctx context.Context, in *IntakeResult) error {
	label, err := p.analyzer.SuggestCategory(ctx, p.cfg.FallbackModel, buildChatHistory(in))
	if err != nil {
		return fmt.Errorf("categorize: %w", err)
	}
	viewID := agentSlug(label)
	if viewID == "" {
		return nil
	}

	_, err = p.store.FindConversationView(ctx, in.Conversation.ID, viewID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("categorize: find view: %w", err)
	}

	err = p.store.InsertConversationView(ctx, &store.ConversationView{
		ID:             deterministicID("view-"+viewID, in.Conversation.ID),
		ConversationID: in.Conversation.ID,
		ViewID:         viewID,
		CreatedAt:      p.now(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}
