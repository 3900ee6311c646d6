package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/internal/notify"
	"github.com/cossistant/realtime/internal/store"
	"github.com/cossistant/realtime/pkg/logger"
	"github.com/cossistant/realtime/pkg/metrics"
)

// Config tunes a pipeline.
type Config struct {
	PrimaryModel  string
	FallbackModel string
	// DefaultAgentID serves triggers that do not name an agent.
	DefaultAgentID string
	// DecisionTimeout bounds each individual model call.
	DecisionTimeout time.Duration
	// RecentHumanWindow is how far back a teammate message counts as the
	// human being actively engaged.
	RecentHumanWindow time.Duration
}

// Pipeline orchestrates one AI agent run per inbound message.
type Pipeline struct {
	store      store.Store
	classifier Classifier
	responder  Responder
	analyzer   Analyzer
	events     EventPublisher
	notifier   notify.Notifier
	tasks      *Spawner
	retriever  Retriever
	cfg        Config
	log        *logger.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New wires a pipeline. analyzer may equal classifier/responder when a
// single structured client backs all three.
func New(st store.Store, classifier Classifier, responder Responder, analyzer Analyzer,
	events EventPublisher, notifier notify.Notifier, tasks *Spawner, cfg Config, log *logger.Logger) *Pipeline {
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 10 * time.Second
	}
	if cfg.RecentHumanWindow <= 0 {
		cfg.RecentHumanWindow = 5 * time.Minute
	}
	return &Pipeline{
		store:      st,
		classifier: classifier,
		responder:  responder,
		analyzer:   analyzer,
		events:     events,
		notifier:   notifier,
		tasks:      tasks,
		cfg:        cfg,
		log:        log.Named("pipeline"),
		now:        time.Now,
	}
}

// SetRetriever attaches a knowledge index consulted before reply
// generation. A nil retriever leaves retrieval off.
func (p *Pipeline) SetRetriever(r Retriever) {
	p.retriever = r
}

// TriggerMessage starts a run for an inbound message event, detached from
// the caller. It satisfies the router's side-effect hook.
func (p *Pipeline) TriggerMessage(ctx context.Context, payload model.EventPayload) {
	agentID := payload.AIAgentID
	if agentID == "" {
		agentID = p.cfg.DefaultAgentID
	}
	if agentID == "" {
		p.log.Debug("message without an agent, pipeline not started",
			zap.String("conversation_id", payload.ConversationID))
		return
	}

	trig := Trigger{
		AIAgentID:      agentID,
		OrganizationID: payload.OrganizationID,
		WebsiteID:      payload.WebsiteID,
		ConversationID: payload.ConversationID,
		VisitorID:      payload.VisitorID,
	}
	if payload.Item != nil {
		trig.MessageID = payload.Item.ID
	}

	p.tasks.Spawn(ctx, "pipeline-run", func(taskCtx context.Context) error {
		_, err := p.Run(taskCtx, trig)
		return err
	})
}

// Run executes the full pipeline for one trigger. Model failures degrade to
// safe outcomes inside the stages; the error return carries only
// infrastructure failures.
func (p *Pipeline) Run(ctx context.Context, trig Trigger) (*Result, error) {
	start := p.now()
	log := p.log.With(
		zap.String("conversation_id", trig.ConversationID),
		zap.String("agent_id", trig.AIAgentID),
	)

	in, err := p.intake(ctx, trig)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if in.Status == IntakeSkipped {
		log.Info("pipeline skipped", zap.String("reason", in.Reason))
		metrics.PipelineRunsTotal.WithLabelValues("skipped").Inc()
		return &Result{Skipped: true, SkipReason: in.Reason}, nil
	}

	taken, err := p.store.SetWorkflowMarker(ctx, trig.ConversationID, workflowDirection)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !taken {
		log.Info("pipeline skipped", zap.String("reason", "run_in_progress"))
		metrics.PipelineRunsTotal.WithLabelValues("skipped").Inc()
		return &Result{Skipped: true, SkipReason: "run_in_progress"}, nil
	}

	outcome := p.decide(ctx, in)

	var dec Decision
	if outcome.ShouldAct {
		p.publishAITyping(ctx, in, true)
		dec = p.generateDecision(ctx, in, outcome)
		if dec.Action == ActionRespond {
			p.deliverReply(ctx, in, &dec)
		}
		p.publishAITyping(ctx, in, false)
	} else {
		dec = Decision{Action: ActionSkip, Reasoning: outcome.Reason}
	}

	exec := p.execute(ctx, in, dec)
	p.publishDecisionMade(ctx, in, outcome, dec, exec)
	p.followup(ctx, in, exec)

	elapsed := p.now().Sub(start)
	metrics.PipelineRunsTotal.WithLabelValues(string(dec.Action)).Inc()
	metrics.PipelineDuration.Observe(elapsed.Seconds())
	log.Info("pipeline finished",
		zap.String("action", string(dec.Action)),
		zap.Bool("acted", outcome.ShouldAct),
		zap.Bool("primary_success", exec.PrimaryAction.Success),
		zap.Duration("elapsed", elapsed),
	)

	return &Result{
		Outcome:   &outcome,
		Decision:  &dec,
		Execution: &exec,
		Elapsed:   elapsed,
	}, nil
}

// deliverReply writes the agent's reply to the timeline. A respond decision
// without text downgrades to skip so execution and metrics stay truthful.
func (p *Pipeline) deliverReply(ctx context.Context, in *IntakeResult, dec *Decision) {
	if dec.Reply == "" {
		dec.Action = ActionSkip
		dec.Reasoning = "model chose respond without a reply"
		return
	}
	out := p.insertAIMessage(ctx, in, deterministicID("reply", in.Trigger.MessageID), dec.Reply)
	if !out.Success {
		p.log.Error("reply delivery failed", zap.String("error", out.Error))
		dec.Action = ActionSkip
		dec.Reasoning = "reply delivery failed"
	}
}

func (p *Pipeline) publishAITyping(ctx context.Context, in *IntakeResult, typing bool) {
	p.events.Publish(ctx, model.RealtimeEvent{
		Type: model.EventAITyping,
		Payload: model.EventPayload{
			WebsiteID:      in.Conversation.WebsiteID,
			OrganizationID: in.Conversation.OrganizationID,
			ConversationID: in.Conversation.ID,
			VisitorID:      in.Conversation.VisitorID,
			AIAgentID:      in.Agent.ID,
			Data:           map[string]any{"typing": typing},
		},
	})
}

// publishDecisionMade emits the dashboard-only progress event describing
// what the agent decided and why.
func (p *Pipeline) publishDecisionMade(ctx context.Context, in *IntakeResult, outcome DecisionOutcome, dec Decision, exec ExecutionResult) {
	data := map[string]any{
		"action":    string(dec.Action),
		"mode":      string(outcome.Mode),
		"reasoning": dec.Reasoning,
		"success":   exec.PrimaryAction.Success,
	}
	if outcome.Smart != nil {
		data["intent"] = string(outcome.Smart.Intent)
		data["source"] = string(outcome.Smart.Source)
		if outcome.Smart.RuleID != "" {
			data["ruleId"] = outcome.Smart.RuleID
		}
	}
	p.events.Publish(ctx, model.RealtimeEvent{
		Type: model.EventAIDecisionMade,
		Payload: model.EventPayload{
			WebsiteID:      in.Conversation.WebsiteID,
			OrganizationID: in.Conversation.OrganizationID,
			ConversationID: in.Conversation.ID,
			AIAgentID:      in.Agent.ID,
			Audience:       model.AudienceDashboard,
			Data:           data,
		},
	})
}
