package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/internal/store"
)

func (h *harness) intakeNow(t *testing.T, messageID string) *IntakeResult {
	t.Helper()
	in, err := h.pipeline.intake(context.Background(), h.trigger(messageID))
	if err != nil {
		t.Fatalf("intake() error = %v", err)
	}
	if in.Status != IntakeReady {
		t.Fatalf("intake skipped: %s", in.Reason)
	}
	return in
}

func (h *harness) timelineEvents(t *testing.T) map[model.ConversationEventName]model.TimelineItem {
	t.Helper()
	items, err := h.store.ListTimelineItems(context.Background(), "conv1", store.TimelineFilter{})
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	out := make(map[model.ConversationEventName]model.TimelineItem)
	for _, it := range items {
		if it.Type == model.ItemEvent {
			out[it.EventName] = it
		}
	}
	return out
}

// An escalation without a reason must fail before any write.
func TestEscalateRequiresReason(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "this is unacceptable", time.Second)
	in := h.intakeNow(t, "m1")

	res := h.pipeline.execute(context.Background(), in, Decision{Action: ActionEscalate})

	if res.PrimaryAction.Success {
		t.Error("escalation without a reason reported success")
	}
	conv, _ := h.store.GetConversation(context.Background(), "conv1")
	if conv.IsEscalated {
		t.Error("conversation escalated despite failed validation")
	}
	if events := h.timelineEvents(t); len(events) != 0 {
		t.Errorf("failed escalation wrote %d timeline events, want 0", len(events))
	}
}

func TestEscalateWritesStateEventsAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "this is unacceptable", time.Second)
	in := h.intakeNow(t, "m1")

	dec := Decision{
		Action:     ActionEscalate,
		Reply:      "I've asked a teammate to join.",
		Escalation: &Escalation{Reason: "visitor is frustrated", Urgency: "high"},
	}
	res := h.pipeline.execute(context.Background(), in, dec)

	if !res.PrimaryAction.Success {
		t.Fatalf("escalation failed: %s", res.PrimaryAction.Error)
	}

	conv, _ := h.store.GetConversation(context.Background(), "conv1")
	if !conv.IsEscalated || conv.EscalationReason != "visitor is frustrated" {
		t.Errorf("conversation state = escalated=%v reason=%q", conv.IsEscalated, conv.EscalationReason)
	}
	if conv.Priority != model.PriorityUrgent {
		t.Errorf("priority = %q, want urgent for high urgency", conv.Priority)
	}

	events := h.timelineEvents(t)
	if ev, ok := events[model.ConvEventEscalated]; !ok {
		t.Error("missing escalated timeline event")
	} else if ev.Visibility != model.VisibilityPrivate {
		t.Errorf("escalated event visibility = %q, want private", ev.Visibility)
	}
	if ev, ok := events[model.ConvEventParticipantRequested]; !ok {
		t.Error("missing participant_requested timeline event")
	} else if ev.Visibility != model.VisibilityPublic {
		t.Errorf("participant_requested visibility = %q, want public", ev.Visibility)
	}

	if msgs := h.events.byType(model.EventMessageCreated); len(msgs) != 1 {
		t.Errorf("got %d messageCreated events, want the holding reply", len(msgs))
	}
	if updated := h.events.byType(model.EventConversationUpdated); len(updated) != 1 {
		t.Errorf("got %d conversationUpdated events, want 1", len(updated))
	}

	h.pipeline.tasks.Wait()
	if h.notifier.count() == 0 {
		t.Error("escalation sent no notifications")
	}
}

// Re-running the same trigger reproduces the same deterministic row ids and
// therefore writes nothing new.
func TestEscalateIdempotentOnRetry(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "this is unacceptable", time.Second)

	dec := Decision{
		Action:     ActionEscalate,
		Reply:      "I've asked a teammate to join.",
		Escalation: &Escalation{Reason: "visitor is frustrated", Urgency: "high"},
	}

	in := h.intakeNow(t, "m1")
	h.pipeline.execute(context.Background(), in, dec)
	items1, _ := h.store.ListTimelineItems(context.Background(), "conv1", store.TimelineFilter{})

	in = h.intakeNow(t, "m1")
	res := h.pipeline.execute(context.Background(), in, dec)
	items2, _ := h.store.ListTimelineItems(context.Background(), "conv1", store.TimelineFilter{})

	if !res.PrimaryAction.Success {
		t.Errorf("retry failed: %s", res.PrimaryAction.Error)
	}
	if len(items2) != len(items1) {
		t.Errorf("retry grew the timeline from %d to %d items", len(items1), len(items2))
	}
}

func TestEscalateAssignIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "this is unacceptable", time.Second)

	dec := Decision{
		Action:       ActionEscalate,
		Escalation:   &Escalation{Reason: "needs a human", Urgency: "medium"},
		AssignUserID: "u9",
	}

	for i := 0; i < 2; i++ {
		in := h.intakeNow(t, "m1")
		if res := h.pipeline.execute(context.Background(), in, dec); !res.PrimaryAction.Success {
			t.Fatalf("run %d failed: %s", i, res.PrimaryAction.Error)
		}
	}

	if n := h.store.CountActiveAssignees("conv1", "u9"); n != 1 {
		t.Errorf("active assignee rows = %d, want exactly 1", n)
	}
	conv, _ := h.store.GetConversation(context.Background(), "conv1")
	if conv.AssignedUserID != "u9" {
		t.Errorf("assigned user = %q, want u9", conv.AssignedUserID)
	}
	if conv.Priority != model.PriorityHigh {
		t.Errorf("priority = %q, want high for medium urgency", conv.Priority)
	}
}

// Escalating to a named teammate persists a participant row under the
// conversation+user key, not just the public timeline event. A retried run
// finds the existing row and writes nothing new.
func TestEscalateRecordsParticipantRow(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "this is unacceptable", time.Second)

	dec := Decision{
		Action:       ActionEscalate,
		Escalation:   &Escalation{Reason: "needs a human", Urgency: "medium"},
		AssignUserID: "u9",
	}

	for i := 0; i < 2; i++ {
		in := h.intakeNow(t, "m1")
		if res := h.pipeline.execute(context.Background(), in, dec); !res.PrimaryAction.Success {
			t.Fatalf("run %d failed: %s", i, res.PrimaryAction.Error)
		}
	}

	if n := h.store.CountActiveParticipants("conv1", "u9"); n != 1 {
		t.Errorf("active participant rows = %d, want exactly 1", n)
	}
	participants, err := h.store.ListActiveParticipants(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 1 || participants[0].UserID != "u9" {
		t.Errorf("participants = %+v, want the requested teammate", participants)
	}
}

func TestResolveComputesResolutionTime(t *testing.T) {
	h := newHarness(t)
	h.seed(t) // StartedAt is 45s before the pipeline clock
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "all good now", time.Second)
	in := h.intakeNow(t, "m1")

	res := h.pipeline.execute(context.Background(), in, Decision{Action: ActionResolve})

	if !res.PrimaryAction.Success {
		t.Fatalf("resolve failed: %s", res.PrimaryAction.Error)
	}
	conv, _ := h.store.GetConversation(context.Background(), "conv1")
	if conv.Status != model.StatusResolved {
		t.Errorf("status = %q, want resolved", conv.Status)
	}
	if conv.ResolutionTime == nil || *conv.ResolutionTime != 45 {
		t.Errorf("resolutionTime = %v, want 45", conv.ResolutionTime)
	}

	events := h.timelineEvents(t)
	if ev, ok := events[model.ConvEventResolved]; !ok {
		t.Error("missing resolved timeline event")
	} else if ev.Visibility != model.VisibilityPublic {
		t.Errorf("resolved event visibility = %q, want public", ev.Visibility)
	}

	updated := h.events.byType(model.EventConversationUpdated)
	if len(updated) != 1 {
		t.Fatalf("got %d conversationUpdated events, want 1", len(updated))
	}
	if updated[0].Payload.ResolutionTime == nil || *updated[0].Payload.ResolutionTime != 45 {
		t.Errorf("broadcast resolutionTime = %v, want 45", updated[0].Payload.ResolutionTime)
	}
}

func TestResolveCarriesForwardUnknownStart(t *testing.T) {
	h := newHarness(t)
	prior := 120
	h.store.PutAgent(&model.Agent{ID: "agent1", OrganizationID: "org1", Name: "Support Bot", IsActive: true})
	h.store.PutConversation(&model.Conversation{
		ID:             "conv1",
		OrganizationID: "org1",
		WebsiteID:      "w1",
		VisitorID:      "v1",
		Status:         model.StatusOpen,
		ResolutionTime: &prior,
	})
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "all good now", time.Second)
	in := h.intakeNow(t, "m1")

	h.pipeline.execute(context.Background(), in, Decision{Action: ActionResolve})

	conv, _ := h.store.GetConversation(context.Background(), "conv1")
	if conv.ResolutionTime == nil || *conv.ResolutionTime != 120 {
		t.Errorf("resolutionTime = %v, want prior value carried forward", conv.ResolutionTime)
	}
}

func TestResolveClampsNegativeDuration(t *testing.T) {
	h := newHarness(t)
	future := testBase.Add(time.Minute)
	h.store.PutAgent(&model.Agent{ID: "agent1", OrganizationID: "org1", Name: "Support Bot", IsActive: true})
	h.store.PutConversation(&model.Conversation{
		ID:             "conv1",
		OrganizationID: "org1",
		WebsiteID:      "w1",
		VisitorID:      "v1",
		Status:         model.StatusOpen,
		StartedAt:      &future,
	})
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "all good now", time.Second)
	in := h.intakeNow(t, "m1")

	h.pipeline.execute(context.Background(), in, Decision{Action: ActionResolve})

	conv, _ := h.store.GetConversation(context.Background(), "conv1")
	if conv.ResolutionTime == nil || *conv.ResolutionTime != 0 {
		t.Errorf("resolutionTime = %v, want clamped to 0", conv.ResolutionTime)
	}
}

// Resolving an already-resolved conversation is a successful no-op: no
// update, no timeline event, no broadcast.
func TestResolveUnchangedStatusIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.store.PutAgent(&model.Agent{ID: "agent1", OrganizationID: "org1", Name: "Support Bot", IsActive: true})
	h.store.PutConversation(&model.Conversation{
		ID:             "conv1",
		OrganizationID: "org1",
		WebsiteID:      "w1",
		VisitorID:      "v1",
		Status:         model.StatusResolved,
	})
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "resolved already", time.Second)
	in := h.intakeNow(t, "m1")

	res := h.pipeline.execute(context.Background(), in, Decision{Action: ActionResolve})

	if !res.PrimaryAction.Success {
		t.Errorf("no-op resolve reported failure: %s", res.PrimaryAction.Error)
	}
	if events := h.timelineEvents(t); len(events) != 0 {
		t.Errorf("no-op resolve wrote %d timeline events, want 0", len(events))
	}
	if updated := h.events.byType(model.EventConversationUpdated); len(updated) != 0 {
		t.Errorf("no-op resolve broadcast %d conversationUpdated events, want 0", len(updated))
	}
}

func TestMarkSpam(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "buy cheap watches", time.Second)
	in := h.intakeNow(t, "m1")

	res := h.pipeline.execute(context.Background(), in, Decision{Action: ActionMarkSpam})

	if !res.PrimaryAction.Success {
		t.Fatalf("mark_spam failed: %s", res.PrimaryAction.Error)
	}
	conv, _ := h.store.GetConversation(context.Background(), "conv1")
	if conv.Status != model.StatusSpam {
		t.Errorf("status = %q, want spam", conv.Status)
	}
	if conv.ResolutionTime != nil {
		t.Errorf("mark_spam set resolutionTime = %v, want untouched", conv.ResolutionTime)
	}
	if _, ok := h.timelineEvents(t)[model.ConvEventStatusChanged]; !ok {
		t.Error("missing status_changed timeline event")
	}
}

func TestExecuteUnknownActionFails(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "hello", time.Second)
	in := h.intakeNow(t, "m1")

	res := h.pipeline.execute(context.Background(), in, Decision{Action: "teleport"})
	if res.PrimaryAction.Success {
		t.Error("unknown action reported success")
	}
}
