package pipeline

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/cossistant/realtime/internal/llm"
	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/pkg/metrics"
)

// runSmartDecision resolves an intent for the trigger. Deterministic rules
// run before any model call; when they pass, the primary model decides, then
// the fallback model, and if both fail the run degrades to a synthetic
// observe. This function never returns an error.
func (p *Pipeline) runSmartDecision(ctx context.Context, in *IntakeResult) SmartDecision {
	if sd := p.evaluateRuleGate(in); sd != nil {
		metrics.DecisionsTotal.WithLabelValues(string(sd.Intent), string(sd.Source)).Inc()
		return *sd
	}

	history := buildChatHistory(in)

	out, failure := p.classifyWith(ctx, p.cfg.PrimaryModel, history)
	source := SourceModel
	if out == nil {
		p.log.Warn("primary classifier failed, trying fallback",
			zap.String("model", p.cfg.PrimaryModel),
			zap.String("failure", string(failure)),
		)
		out, failure = p.classifyWith(ctx, p.cfg.FallbackModel, history)
	}
	if out == nil {
		sd := syntheticObserve(failure)
		metrics.DecisionsTotal.WithLabelValues(string(sd.Intent), string(sd.Source)).Inc()
		return sd
	}

	sd := SmartDecision{
		Intent:     parseIntent(out.Intent),
		Reasoning:  out.Reasoning,
		Confidence: parseConfidence(out.Confidence),
		Source:     source,
	}

	if clamped := p.clampLowConfidence(in, sd); clamped != nil {
		sd = *clamped
	}

	metrics.DecisionsTotal.WithLabelValues(string(sd.Intent), string(sd.Source)).Inc()
	return sd
}

// evaluateRuleGate applies the deterministic pre-model rules. A non-nil
// result short-circuits all model calls.
func (p *Pipeline) evaluateRuleGate(in *IntakeResult) *SmartDecision {
	t := in.TriggerItem
	if t == nil {
		return nil
	}

	// Teammate messages never get a proactive model decision; commands are
	// recognized before this gate runs.
	if t.IsHumanTeammate() {
		ruleID := ruleHumanPublicObserve
		if t.IsPrivate() {
			ruleID = ruleHumanPrivateObserve
		}
		return &SmartDecision{
			Intent:     IntentObserve,
			Reasoning:  "teammate message without an agent command",
			Confidence: ConfidenceHigh,
			Source:     SourceRule,
			RuleID:     ruleID,
		}
	}

	// A bare acknowledgement from the visitor while a human is actively
	// working the conversation needs no reply.
	if t.AuthorKind == model.AuthorVisitor && isShortAck(t.Text) && p.humanRecentlyActive(in) {
		return &SmartDecision{
			Intent:     IntentObserve,
			Reasoning:  "visitor acknowledgement while a teammate is active",
			Confidence: ConfidenceHigh,
			Source:     SourceRule,
			RuleID:     ruleVisitorAckObserve,
		}
	}

	return nil
}

// clampLowConfidence suppresses a low-or-medium confidence respond for a
// non-question while a human is engaged. Returns nil when the model result
// stands.
func (p *Pipeline) clampLowConfidence(in *IntakeResult, sd SmartDecision) *SmartDecision {
	if sd.Intent != IntentRespond || sd.Confidence == ConfidenceHigh {
		return nil
	}
	if !p.humanRecentlyActive(in) || in.TriggerItem.IsQuestion() {
		return nil
	}
	return &SmartDecision{
		Intent:     IntentObserve,
		Reasoning:  "low-confidence reply suppressed while a teammate is active",
		Confidence: sd.Confidence,
		Source:     SourceRule,
		RuleID:     ruleLowConfidenceClamp,
	}
}

type classifyFailure string

const (
	failureTimeout classifyFailure = "timeout"
	failureEmpty   classifyFailure = "empty_output"
	failureError   classifyFailure = "error"
)

func (p *Pipeline) classifyWith(ctx context.Context, modelID string, history []llm.ChatMessage) (*llm.IntentOutput, classifyFailure) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.DecisionTimeout)
	defer cancel()

	out, err := p.classifier.ClassifyIntent(cctx, modelID, history)
	if err == nil {
		return out, ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return nil, failureTimeout
	case errors.Is(err, llm.ErrEmptyOutput):
		return nil, failureEmpty
	default:
		return nil, failureError
	}
}

// syntheticObserve is the terminal degradation: both models failed, so the
// agent quietly observes.
func syntheticObserve(failure classifyFailure) SmartDecision {
	ruleID := ruleEmptyOutputObserve
	if failure == failureTimeout {
		ruleID = ruleTimeoutObserve
	}
	return SmartDecision{
		Intent:     IntentObserve,
		Reasoning:  "decision models unavailable",
		Confidence: ConfidenceLow,
		Source:     SourceFallback,
		RuleID:     ruleID,
	}
}

// humanRecentlyActive reports whether a teammate sent a public message within
// the configured window before now.
func (p *Pipeline) humanRecentlyActive(in *IntakeResult) bool {
	cutoff := p.now().Add(-p.cfg.RecentHumanWindow)
	for i := len(in.History) - 1; i >= 0; i-- {
		it := &in.History[i]
		if it.CreatedAt.Before(cutoff) {
			return false
		}
		if it.IsHumanTeammate() && !it.IsPrivate() && it.Type == model.ItemMessage {
			return true
		}
	}
	return false
}

// ackPhrases are visitor messages that close a loop rather than open one.
var ackPhrases = map[string]struct{}{
	"thanks": {}, "thank you": {}, "thx": {}, "ty": {}, "ok": {}, "okay": {},
	"got it": {}, "great": {}, "perfect": {}, "cool": {}, "sounds good": {},
	"will do": {}, "done": {}, "np": {}, "no problem": {}, "cheers": {},
}

func isShortAck(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".!")
	if t == "" || len(t) > 24 {
		return false
	}
	_, ok := ackPhrases[t]
	return ok
}

func parseIntent(s string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentRespond:
		return IntentRespond
	case IntentAssistTeam:
		return IntentAssistTeam
	default:
		// Unknown intents resolve to the safe choice.
		return IntentObserve
	}
}

func parseConfidence(s string) Confidence {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceMedium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// buildChatHistory projects timeline messages into the model conversation.
// Private notes are included so the agent sees team context; tool and event
// entries are summarized as system-style user content.
func buildChatHistory(in *IntakeResult) []llm.ChatMessage {
	msgs := make([]llm.ChatMessage, 0, len(in.History))
	for i := range in.History {
		it := &in.History[i]
		switch it.Type {
		case model.ItemMessage:
			role := "user"
			if it.AuthorKind == model.AuthorAI {
				role = "assistant"
			}
			prefix := ""
			switch it.AuthorKind {
			case model.AuthorUser:
				prefix = "[teammate] "
				if it.IsPrivate() {
					prefix = "[teammate, private] "
				}
			case model.AuthorVisitor:
				prefix = "[visitor] "
			}
			msgs = append(msgs, llm.ChatMessage{Role: role, Content: prefix + it.Text})
		case model.ItemEvent:
			if it.EventName != "" {
				msgs = append(msgs, llm.ChatMessage{Role: "user", Content: "[event] " + string(it.EventName)})
			}
		}
	}
	return msgs
}
