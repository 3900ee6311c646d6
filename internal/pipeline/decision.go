package pipeline

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/cossistant/realtime/internal/knowledge"
	"github.com/cossistant/realtime/internal/llm"
	"github.com/cossistant/realtime/internal/model"
)

// mention is a direct address of the agent in a message.
type mention struct {
	FromTeammate bool
	Command      string
}

// detectMention recognizes "@ai ..." or "@<agent-name> ..." at the start of
// a message. The remainder of the message is the command.
func detectMention(t *model.TimelineItem, agentName string) *mention {
	if t == nil || t.Type != model.ItemMessage {
		return nil
	}
	text := strings.TrimSpace(t.Text)
	if !strings.HasPrefix(text, "@") {
		return nil
	}

	token := text
	rest := ""
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		token, rest = text[:i], strings.TrimSpace(text[i:])
	}
	token = strings.ToLower(strings.TrimPrefix(token, "@"))

	handles := []string{"ai"}
	if slug := agentSlug(agentName); slug != "" {
		handles = append(handles, slug)
	}
	for _, h := range handles {
		if token == h {
			return &mention{
				FromTeammate: t.AuthorKind == model.AuthorUser,
				Command:      rest,
			}
		}
	}
	return nil
}

// agentSlug lowercases an agent name and joins words with hyphens, the form
// a teammate types after "@".
func agentSlug(name string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(name)))
	return strings.Join(fields, "-")
}

// decide gates the run: explicit mentions always act, everything else goes
// through the smart decision.
func (p *Pipeline) decide(ctx context.Context, in *IntakeResult) DecisionOutcome {
	if m := detectMention(in.TriggerItem, in.Agent.Name); m != nil {
		mode := ModeRespondToVisitor
		if m.FromTeammate {
			mode = ModeRespondToCommand
		}
		return DecisionOutcome{
			ShouldAct: true,
			Mode:      mode,
			Reason:    "explicit agent mention",
			Command:   m.Command,
		}
	}

	sd := p.runSmartDecision(ctx, in)
	if sd.Intent == IntentRespond {
		return DecisionOutcome{
			ShouldAct: true,
			Mode:      ModeRespondToVisitor,
			Reason:    sd.Reasoning,
			Smart:     &sd,
		}
	}
	return DecisionOutcome{
		ShouldAct: false,
		Mode:      ModeBackgroundOnly,
		Reason:    sd.Reasoning,
		Smart:     &sd,
	}
}

// generateDecision asks the responder model for an action, falling back to
// the secondary model and finally to a skip. Like the smart decision, this
// never propagates a model failure.
func (p *Pipeline) generateDecision(ctx context.Context, in *IntakeResult, outcome DecisionOutcome) Decision {
	history := buildChatHistory(in)
	for _, sn := range p.lookupKnowledge(ctx, in) {
		history = append(history, llm.ChatMessage{
			Role:    "user",
			Content: "[knowledge] " + sn.Content,
		})
	}
	if outcome.Command != "" {
		history = append(history, llm.ChatMessage{
			Role:    "user",
			Content: "[teammate command] " + outcome.Command,
		})
	}

	out, err := p.respondWith(ctx, p.cfg.PrimaryModel, history)
	if err != nil {
		p.log.Warn("primary responder failed, trying fallback",
			zap.String("model", p.cfg.PrimaryModel),
			zap.Error(err),
		)
		out, err = p.respondWith(ctx, p.cfg.FallbackModel, history)
	}
	if err != nil {
		p.log.Error("all responder models failed", zap.Error(err))
		return Decision{Action: ActionSkip, Reasoning: "decision models unavailable"}
	}

	dec := Decision{
		Action:     parseAction(out.Action),
		Reasoning:  out.Reasoning,
		Confidence: out.Confidence,
		Reply:      strings.TrimSpace(out.Reply),
	}
	if dec.Action == ActionEscalate {
		dec.Escalation = &Escalation{
			Reason:  strings.TrimSpace(out.EscalationReason),
			Urgency: strings.ToLower(strings.TrimSpace(out.EscalationUrgency)),
		}
		dec.AssignUserID = strings.TrimSpace(out.AssignUserID)
	}
	return dec
}

// lookupKnowledge pulls the chunks closest to the triggering message from
// the website's knowledge index. A lookup failure degrades to no context.
func (p *Pipeline) lookupKnowledge(ctx context.Context, in *IntakeResult) []knowledge.Snippet {
	if p.retriever == nil || in.TriggerItem == nil || strings.TrimSpace(in.TriggerItem.Text) == "" {
		return nil
	}
	snippets, err := p.retriever.Search(ctx, in.Conversation.WebsiteID, in.TriggerItem.Text, knowledgeSnippets)
	if err != nil {
		p.log.Warn("knowledge lookup failed", zap.Error(err))
		return nil
	}
	return snippets
}

func (p *Pipeline) respondWith(ctx context.Context, modelID string, history []llm.ChatMessage) (*llm.DecisionOutput, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.DecisionTimeout)
	defer cancel()
	out, err := p.responder.GenerateDecision(cctx, modelID, history)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("pipeline: responder returned no output")
	}
	return out, nil
}

func parseAction(s string) Action {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionRespond:
		return ActionRespond
	case ActionEscalate:
		return ActionEscalate
	case ActionResolve:
		return ActionResolve
	case ActionMarkSpam:
		return ActionMarkSpam
	default:
		return ActionSkip
	}
}
