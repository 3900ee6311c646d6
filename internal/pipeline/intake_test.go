package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/internal/store"
)

func TestIntakeLoadsFullContext(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.addMessage(t, "m1", model.AuthorUser, model.VisibilityPublic, "on it", 2*time.Minute)
	h.addMessage(t, "m2", model.AuthorVisitor, model.VisibilityPublic, "still broken", time.Second)

	ctx := context.Background()
	if err := h.store.InsertAssignee(ctx, &store.Assignee{
		ID: "as1", ConversationID: "conv1", UserID: "u1", Active: true, CreatedAt: testBase,
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.InsertParticipant(ctx, &store.Participant{
		ID: "pa1", ConversationID: "conv1", UserID: "u2", Active: true, CreatedAt: testBase,
	}); err != nil {
		t.Fatal(err)
	}

	in, err := h.pipeline.intake(ctx, h.trigger("m2"))
	if err != nil {
		t.Fatalf("intake() error = %v", err)
	}
	if in.Status != IntakeReady {
		t.Fatalf("intake skipped: %s", in.Reason)
	}

	if in.Agent == nil || in.Agent.ID != "agent1" {
		t.Error("agent not loaded")
	}
	if in.Visitor == nil || in.Visitor.Name != "Ada" {
		t.Error("visitor not loaded")
	}
	if len(in.History) != 2 {
		t.Errorf("history length = %d, want 2", len(in.History))
	}
	if in.TriggerItem == nil || in.TriggerItem.ID != "m2" {
		t.Errorf("trigger item = %+v, want m2", in.TriggerItem)
	}
	if !in.State.HasHumanAssignee {
		t.Error("assignee not reflected in state")
	}
	if len(in.State.AssigneeIDs) != 1 || in.State.AssigneeIDs[0] != "u1" {
		t.Errorf("assignee ids = %v, want [u1]", in.State.AssigneeIDs)
	}
	if len(in.State.ParticipantIDs) != 1 || in.State.ParticipantIDs[0] != "u2" {
		t.Errorf("participant ids = %v, want [u2]", in.State.ParticipantIDs)
	}
}

// A trigger referencing a message the store no longer has must not abort the
// run; later stages tolerate a nil trigger item.
func TestIntakeToleratesMissingTriggerMessage(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.addMessage(t, "m1", model.AuthorVisitor, model.VisibilityPublic, "hello", time.Minute)

	in, err := h.pipeline.intake(context.Background(), h.trigger("deleted-message"))
	if err != nil {
		t.Fatalf("intake() error = %v", err)
	}
	if in.Status != IntakeReady {
		t.Fatalf("intake skipped: %s", in.Reason)
	}
	if in.TriggerItem != nil {
		t.Errorf("trigger item = %+v, want nil", in.TriggerItem)
	}
}

func TestIntakeToleratesMissingVisitor(t *testing.T) {
	h := newHarness(t)
	h.store.PutAgent(&model.Agent{ID: "agent1", OrganizationID: "org1", Name: "Support Bot", IsActive: true})
	h.store.PutConversation(&model.Conversation{
		ID: "conv1", OrganizationID: "org1", WebsiteID: "w1",
		VisitorID: "ghost", Status: model.StatusOpen,
	})

	in, err := h.pipeline.intake(context.Background(), Trigger{
		AIAgentID: "agent1", ConversationID: "conv1", VisitorID: "ghost",
	})
	if err != nil {
		t.Fatalf("intake() error = %v", err)
	}
	if in.Status != IntakeReady {
		t.Fatalf("intake skipped: %s", in.Reason)
	}
	if in.Visitor != nil {
		t.Errorf("visitor = %+v, want nil for a deleted visitor", in.Visitor)
	}
}

func TestIntakeEscalationStateCarried(t *testing.T) {
	h := newHarness(t)
	h.store.PutAgent(&model.Agent{ID: "agent1", OrganizationID: "org1", Name: "Support Bot", IsActive: true})
	h.store.PutConversation(&model.Conversation{
		ID: "conv1", OrganizationID: "org1", WebsiteID: "w1",
		Status: model.StatusOpen, IsEscalated: true, EscalationReason: "refund dispute",
	})

	in, err := h.pipeline.intake(context.Background(), Trigger{AIAgentID: "agent1", ConversationID: "conv1"})
	if err != nil {
		t.Fatalf("intake() error = %v", err)
	}
	if !in.State.IsEscalated || in.State.EscalationReason != "refund dispute" {
		t.Errorf("state = %+v, want escalation carried", in.State)
	}
}
