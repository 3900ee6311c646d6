package realtime

import (
	"context"
	"testing"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/pkg/logger"
)

type broadcastCall struct {
	method  string
	key     string
	ev      model.RealtimeEvent
	exclude []string
}

type fakeBroadcaster struct {
	calls []broadcastCall
}

func (f *fakeBroadcaster) SendToConnection(id string, ev model.RealtimeEvent) {
	f.calls = append(f.calls, broadcastCall{method: "connection", key: id, ev: ev})
}

func (f *fakeBroadcaster) SendToVisitor(id string, ev model.RealtimeEvent, exclude ...string) {
	f.calls = append(f.calls, broadcastCall{method: "visitor", key: id, ev: ev, exclude: exclude})
}

func (f *fakeBroadcaster) SendToWebsite(id string, ev model.RealtimeEvent, exclude ...string) {
	f.calls = append(f.calls, broadcastCall{method: "website", key: id, ev: ev, exclude: exclude})
}

func (f *fakeBroadcaster) byMethod(method string) []broadcastCall {
	var out []broadcastCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakeTrigger struct {
	payloads []model.EventPayload
}

func (f *fakeTrigger) TriggerMessage(_ context.Context, payload model.EventPayload) {
	f.payloads = append(f.payloads, payload)
}

func newTestRouter(b Broadcaster, trigger PipelineTrigger) *Router {
	return NewRouter(b, NewPresence(), trigger, logger.NewNop())
}

func TestRuleForCoversEveryEventType(t *testing.T) {
	for _, et := range model.EventTypes {
		if _, ok := RuleFor(et); !ok {
			t.Errorf("RuleFor(%q) has no dispatch rule", et)
		}
	}
	if _, ok := RuleFor("bogusEvent"); ok {
		t.Error("RuleFor accepted an unknown event type")
	}
}

func TestRouteUnknownTypeFailsClosed(t *testing.T) {
	b := &fakeBroadcaster{}
	r := newTestRouter(b, nil)

	r.Route(context.Background(), model.RealtimeEvent{
		Type:    "bogusEvent",
		Payload: model.EventPayload{WebsiteID: "w1", VisitorID: "v1"},
	}, RouteContext{})

	if len(b.calls) != 0 {
		t.Errorf("unknown event type produced %d broadcasts, want 0", len(b.calls))
	}
}

// Private items must never reach the visitor leg, whatever the event type.
func TestVisitorAudienceNeverLeaksPrivateItems(t *testing.T) {
	privateItem := &model.TimelineItem{ID: "ti_1", Visibility: model.VisibilityPrivate}

	for _, et := range model.EventTypes {
		ev := model.RealtimeEvent{
			Type: et,
			Payload: model.EventPayload{
				WebsiteID: "w1",
				VisitorID: "v1",
				Item:      privateItem,
			},
		}
		if VisitorAudienceAllowed(ev) {
			t.Errorf("VisitorAudienceAllowed(%q) = true for a private item", et)
		}
	}
}

func TestVisitorAudienceBlocksDashboardAudience(t *testing.T) {
	for _, et := range model.EventTypes {
		ev := model.RealtimeEvent{
			Type: et,
			Payload: model.EventPayload{
				WebsiteID: "w1",
				VisitorID: "v1",
				Audience:  model.AudienceDashboard,
				Item:      &model.TimelineItem{ID: "ti_1", Visibility: model.VisibilityPublic},
			},
		}
		if VisitorAudienceAllowed(ev) {
			t.Errorf("VisitorAudienceAllowed(%q) = true for dashboard audience", et)
		}
	}
}

func TestVisitorAudiencePolicy(t *testing.T) {
	publicItem := &model.TimelineItem{ID: "ti_1", Visibility: model.VisibilityPublic}

	tests := []struct {
		name string
		ev   model.RealtimeEvent
		want bool
	}{
		{
			name: "public message allowed",
			ev: model.RealtimeEvent{
				Type:    model.EventMessageCreated,
				Payload: model.EventPayload{WebsiteID: "w1", Item: publicItem},
			},
			want: true,
		},
		{
			name: "message without item denied",
			ev: model.RealtimeEvent{
				Type:    model.EventMessageCreated,
				Payload: model.EventPayload{WebsiteID: "w1"},
			},
			want: false,
		},
		{
			name: "public tool call allowed",
			ev: model.RealtimeEvent{
				Type:    model.EventToolCallCreated,
				Payload: model.EventPayload{WebsiteID: "w1", Item: publicItem},
			},
			want: true,
		},
		{
			name: "tool call without explicit visibility denied",
			ev: model.RealtimeEvent{
				Type:    model.EventToolCallCreated,
				Payload: model.EventPayload{WebsiteID: "w1", Item: &model.TimelineItem{ID: "ti_2"}},
			},
			want: false,
		},
		{
			name: "decision event denied",
			ev: model.RealtimeEvent{
				Type:    model.EventAIDecisionMade,
				Payload: model.EventPayload{WebsiteID: "w1"},
			},
			want: false,
		},
		{
			name: "presence denied",
			ev: model.RealtimeEvent{
				Type:    model.EventUserPresenceUpdate,
				Payload: model.EventPayload{WebsiteID: "w1"},
			},
			want: false,
		},
		{
			name: "conversation update allowed",
			ev: model.RealtimeEvent{
				Type:    model.EventConversationUpdated,
				Payload: model.EventPayload{WebsiteID: "w1", Status: model.StatusResolved},
			},
			want: true,
		},
		{
			name: "user typing allowed",
			ev: model.RealtimeEvent{
				Type:    model.EventUserTyping,
				Payload: model.EventPayload{WebsiteID: "w1"},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VisitorAudienceAllowed(tt.ev); got != tt.want {
				t.Errorf("VisitorAudienceAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRouteSelfEchoExcluded(t *testing.T) {
	b := &fakeBroadcaster{}
	r := newTestRouter(b, nil)

	r.Route(context.Background(), model.RealtimeEvent{
		Type:    model.EventUserTyping,
		Payload: model.EventPayload{WebsiteID: "w1", UserID: "u1", VisitorID: "v1"},
	}, RouteContext{ConnectionID: "c1"})

	website := b.byMethod("website")
	if len(website) != 1 {
		t.Fatalf("got %d website broadcasts, want 1", len(website))
	}
	if len(website[0].exclude) != 1 || website[0].exclude[0] != "c1" {
		t.Errorf("website exclude = %v, want [c1]", website[0].exclude)
	}
	if visitor := b.byMethod("visitor"); len(visitor) != 1 {
		t.Errorf("got %d visitor broadcasts, want 1", len(visitor))
	}
}

func TestRoutePrivateMessageStaysOffVisitorLeg(t *testing.T) {
	b := &fakeBroadcaster{}
	r := newTestRouter(b, nil)

	r.Route(context.Background(), model.RealtimeEvent{
		Type: model.EventMessageCreated,
		Payload: model.EventPayload{
			WebsiteID: "w1",
			VisitorID: "v1",
			Item: &model.TimelineItem{
				ID:         "ti_1",
				AuthorKind: model.AuthorUser,
				Visibility: model.VisibilityPrivate,
				Type:       model.ItemMessage,
			},
		},
	}, RouteContext{})

	if visitor := b.byMethod("visitor"); len(visitor) != 0 {
		t.Errorf("private message produced %d visitor broadcasts, want 0", len(visitor))
	}
	if website := b.byMethod("website"); len(website) != 1 {
		t.Errorf("private message produced %d website broadcasts, want 1", len(website))
	}
}

func TestRouteTriggersPipelineForHumanMessagesOnly(t *testing.T) {
	tests := []struct {
		name       string
		authorKind model.AuthorKind
		wantRuns   int
	}{
		{"visitor message triggers", model.AuthorVisitor, 1},
		{"teammate message triggers", model.AuthorUser, 1},
		{"ai message does not trigger", model.AuthorAI, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger := &fakeTrigger{}
			r := newTestRouter(&fakeBroadcaster{}, trigger)

			r.Route(context.Background(), model.RealtimeEvent{
				Type: model.EventMessageCreated,
				Payload: model.EventPayload{
					WebsiteID: "w1",
					Item: &model.TimelineItem{
						ID:         "ti_1",
						AuthorKind: tt.authorKind,
						Visibility: model.VisibilityPublic,
						Type:       model.ItemMessage,
					},
				},
			}, RouteContext{})

			if len(trigger.payloads) != tt.wantRuns {
				t.Errorf("pipeline triggered %d times, want %d", len(trigger.payloads), tt.wantRuns)
			}
		})
	}
}

func TestRoutePresenceSideEffect(t *testing.T) {
	b := &fakeBroadcaster{}
	presence := NewPresence()
	r := NewRouter(b, presence, nil, logger.NewNop())

	r.Route(context.Background(), model.RealtimeEvent{
		Type: model.EventUserPresenceUpdate,
		Payload: model.EventPayload{
			WebsiteID: "w1",
			UserID:    "u1",
			Data:      map[string]any{"status": "away"},
		},
	}, RouteContext{ConnectionID: "c1"})

	if got := presence.Status("u1", 0); got != PresenceAway {
		t.Errorf("presence status = %q, want %q", got, PresenceAway)
	}
}
