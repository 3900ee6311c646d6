package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cossistant/realtime/internal/llm"
	"github.com/cossistant/realtime/internal/model"
)

// intakeFor builds a ready intake result around a history slice; the last
// item is the trigger.
func intakeFor(history []model.TimelineItem) *IntakeResult {
	in := &IntakeResult{
		Status:  IntakeReady,
		Trigger: Trigger{MessageID: history[len(history)-1].ID, ConversationID: "conv1"},
		Agent:   &model.Agent{ID: "agent1", Name: "Support Bot", IsActive: true},
		Conversation: &model.Conversation{
			ID: "conv1", OrganizationID: "org1", WebsiteID: "w1",
			VisitorID: "v1", Status: model.StatusOpen,
		},
		History: history,
	}
	in.TriggerItem = &in.History[len(in.History)-1]
	return in
}

func message(id string, author model.AuthorKind, vis model.Visibility, text string, age time.Duration) model.TimelineItem {
	return model.TimelineItem{
		ID:             id,
		ConversationID: "conv1",
		Type:           model.ItemMessage,
		Visibility:     vis,
		AuthorKind:     author,
		Text:           text,
		CreatedAt:      testBase.Add(-age),
	}
}

func TestRuleGateTeammateMessages(t *testing.T) {
	tests := []struct {
		name     string
		vis      model.Visibility
		wantRule string
	}{
		{"private note", model.VisibilityPrivate, ruleHumanPrivateObserve},
		{"public reply", model.VisibilityPublic, ruleHumanPublicObserve},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			in := intakeFor([]model.TimelineItem{
				message("m1", model.AuthorUser, tt.vis, "handling this myself", time.Second),
			})

			sd := h.pipeline.runSmartDecision(context.Background(), in)

			if sd.Intent != IntentObserve {
				t.Errorf("intent = %q, want observe", sd.Intent)
			}
			if sd.Source != SourceRule || sd.RuleID != tt.wantRule {
				t.Errorf("source/rule = %q/%q, want rule/%s", sd.Source, sd.RuleID, tt.wantRule)
			}
			if h.classifier.callCount() != 0 {
				t.Errorf("classifier called %d times, want 0", h.classifier.callCount())
			}
		})
	}
}

func TestRuleGateVisitorAck(t *testing.T) {
	tests := []struct {
		name       string
		history    []model.TimelineItem
		wantRuleID string
		wantModel  bool
	}{
		{
			name: "ack with recent teammate activity",
			history: []model.TimelineItem{
				message("m1", model.AuthorUser, model.VisibilityPublic, "done, try now", 2*time.Minute),
				message("m2", model.AuthorVisitor, model.VisibilityPublic, "thanks!", time.Second),
			},
			wantRuleID: ruleVisitorAckObserve,
		},
		{
			name: "ack with stale teammate activity goes to the model",
			history: []model.TimelineItem{
				message("m1", model.AuthorUser, model.VisibilityPublic, "done, try now", time.Hour),
				message("m2", model.AuthorVisitor, model.VisibilityPublic, "thanks!", time.Second),
			},
			wantModel: true,
		},
		{
			name: "substantive message goes to the model",
			history: []model.TimelineItem{
				message("m1", model.AuthorUser, model.VisibilityPublic, "done, try now", 2*time.Minute),
				message("m2", model.AuthorVisitor, model.VisibilityPublic, "thanks, but now the app crashes on login", time.Second),
			},
			wantModel: true,
		},
		{
			name: "private teammate note does not count as active presence",
			history: []model.TimelineItem{
				message("m1", model.AuthorUser, model.VisibilityPrivate, "watching this one", 2*time.Minute),
				message("m2", model.AuthorVisitor, model.VisibilityPublic, "thanks!", time.Second),
			},
			wantModel: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			sd := h.pipeline.runSmartDecision(context.Background(), intakeFor(tt.history))

			if tt.wantModel {
				if h.classifier.callCount() == 0 {
					t.Error("expected a model call, rule gate fired instead")
				}
				return
			}
			if h.classifier.callCount() != 0 {
				t.Errorf("classifier called %d times, want 0", h.classifier.callCount())
			}
			if sd.RuleID != tt.wantRuleID {
				t.Errorf("rule = %q, want %q", sd.RuleID, tt.wantRuleID)
			}
		})
	}
}

// Whatever combination of primary and fallback failures occurs, the smart
// decision resolves without an error and without a throw to the caller.
func TestSmartDecisionDegradation(t *testing.T) {
	ok := func(string) (*llm.IntentOutput, error) {
		return &llm.IntentOutput{Intent: "respond", Confidence: "high"}, nil
	}
	timeout := func(string) (*llm.IntentOutput, error) { return nil, context.DeadlineExceeded }
	empty := func(string) (*llm.IntentOutput, error) { return nil, llm.ErrEmptyOutput }
	boom := func(string) (*llm.IntentOutput, error) { return nil, errors.New("provider exploded") }

	tests := []struct {
		name       string
		primary    func(string) (*llm.IntentOutput, error)
		fallback   func(string) (*llm.IntentOutput, error)
		wantCalls  int
		wantIntent Intent
		wantSource DecisionSource
		wantRuleID string
	}{
		{"primary succeeds", ok, nil, 1, IntentRespond, SourceModel, ""},
		{"primary timeout, fallback succeeds", timeout, ok, 2, IntentRespond, SourceModel, ""},
		{"primary error, fallback succeeds", boom, ok, 2, IntentRespond, SourceModel, ""},
		{"both timeout", timeout, timeout, 2, IntentObserve, SourceFallback, ruleTimeoutObserve},
		{"both empty", empty, empty, 2, IntentObserve, SourceFallback, ruleEmptyOutputObserve},
		{"error then timeout", boom, timeout, 2, IntentObserve, SourceFallback, ruleTimeoutObserve},
		{"timeout then empty", timeout, empty, 2, IntentObserve, SourceFallback, ruleEmptyOutputObserve},
		{"both error", boom, boom, 2, IntentObserve, SourceFallback, ruleEmptyOutputObserve},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.classifier.fn = func(modelID string) (*llm.IntentOutput, error) {
				if modelID == testPrimary {
					return tt.primary(modelID)
				}
				if tt.fallback == nil {
					t.Fatalf("fallback model %s called unexpectedly", modelID)
				}
				return tt.fallback(modelID)
			}

			in := intakeFor([]model.TimelineItem{
				message("m1", model.AuthorVisitor, model.VisibilityPublic, "is there a way to export data?", time.Second),
			})
			sd := h.pipeline.runSmartDecision(context.Background(), in)

			if h.classifier.callCount() != tt.wantCalls {
				t.Errorf("model calls = %d, want %d", h.classifier.callCount(), tt.wantCalls)
			}
			if sd.Intent != tt.wantIntent {
				t.Errorf("intent = %q, want %q", sd.Intent, tt.wantIntent)
			}
			if sd.Source != tt.wantSource {
				t.Errorf("source = %q, want %q", sd.Source, tt.wantSource)
			}
			if sd.RuleID != tt.wantRuleID {
				t.Errorf("rule = %q, want %q", sd.RuleID, tt.wantRuleID)
			}
		})
	}
}

func TestPostModelConfidenceClamp(t *testing.T) {
	tests := []struct {
		name       string
		confidence string
		trigger    string
		humanAge   time.Duration
		wantRuleID string
	}{
		{
			name:       "medium confidence non-question with active human is clamped",
			confidence: "medium",
			trigger:    "the export broke again",
			humanAge:   2 * time.Minute,
			wantRuleID: ruleLowConfidenceClamp,
		},
		{
			name:       "high confidence stands",
			confidence: "high",
			trigger:    "the export broke again",
			humanAge:   2 * time.Minute,
		},
		{
			name:       "question stands even at low confidence",
			confidence: "low",
			trigger:    "how do I export?",
			humanAge:   2 * time.Minute,
		},
		{
			name:       "no active human stands",
			confidence: "low",
			trigger:    "the export broke again",
			humanAge:   time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.classifier.fn = func(string) (*llm.IntentOutput, error) {
				return &llm.IntentOutput{Intent: "respond", Confidence: tt.confidence}, nil
			}

			in := intakeFor([]model.TimelineItem{
				message("m1", model.AuthorUser, model.VisibilityPublic, "looking into it", tt.humanAge),
				message("m2", model.AuthorVisitor, model.VisibilityPublic, tt.trigger, time.Second),
			})
			sd := h.pipeline.runSmartDecision(context.Background(), in)

			if tt.wantRuleID != "" {
				if sd.Intent != IntentObserve || sd.RuleID != tt.wantRuleID {
					t.Errorf("got %q/%q, want observe clamped by %s", sd.Intent, sd.RuleID, tt.wantRuleID)
				}
				return
			}
			if sd.Intent != IntentRespond || sd.Source != SourceModel {
				t.Errorf("got %q/%q, want the model's respond to stand", sd.Intent, sd.Source)
			}
		})
	}
}

func TestIsShortAck(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"thanks", true},
		{"Thanks!", true},
		{"thank you.", true},
		{"ok", true},
		{"sounds good", true},
		{"thanks, but it still fails", false},
		{"how do I export?", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isShortAck(tt.text); got != tt.want {
			t.Errorf("isShortAck(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestParseIntentDefaultsToObserve(t *testing.T) {
	if got := parseIntent("eject"); got != IntentObserve {
		t.Errorf("parseIntent(eject) = %q, want observe", got)
	}
	if got := parseIntent("Respond"); got != IntentRespond {
		t.Errorf("parseIntent(Respond) = %q, want respond", got)
	}
	if got := parseIntent("assist_team"); got != IntentAssistTeam {
		t.Errorf("parseIntent(assist_team) = %q, want assist_team", got)
	}
}
