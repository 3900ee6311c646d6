package realtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/pkg/logger"
)

// Broadcaster fans an event out to an audience. The local registry
// satisfies it directly; in production the dispatch.Fanout wrapper also
// appends an envelope to the cross-process log.
type Broadcaster interface {
	SendToConnection(connectionID string, ev model.RealtimeEvent)
	SendToVisitor(visitorID string, ev model.RealtimeEvent, exclude ...string)
	SendToWebsite(websiteID string, ev model.RealtimeEvent, exclude ...string)
}

// PipelineTrigger starts an AI pipeline run for an inbound message. The
// router fires it as the messageCreated side effect on the producing
// process only, so a message triggers exactly one run cluster-wide.
type PipelineTrigger interface {
	TriggerMessage(ctx context.Context, payload model.EventPayload)
}

// DispatchRule says which audiences receive an event. ExcludeSelf
// suppresses the echo back to the producing connection on website fanout.
type DispatchRule struct {
	Website     bool
	ExcludeSelf bool
	Visitor     bool
}

// RuleFor returns the dispatch rule for an event type. The switch is
// exhaustive over the closed type set; ok is false for unknown types and
// the router fails closed on it.
func RuleFor(t model.EventType) (rule DispatchRule, ok bool) {
	switch t {
	case model.EventMessageCreated,
		model.EventTimelineEventCreated,
		model.EventToolCallCreated,
		model.EventConversationCreated,
		model.EventConversationUpdated:
		return DispatchRule{Website: true, Visitor: true}, true

	case model.EventAIDecisionMade:
		// Dashboard-only progress events; the audience filter also blocks
		// the visitor leg, the rule just avoids the wasted lookup.
		return DispatchRule{Website: true}, true

	case model.EventAITyping:
		return DispatchRule{Website: true, Visitor: true}, true

	case model.EventUserTyping:
		return DispatchRule{Website: true, ExcludeSelf: true, Visitor: true}, true

	case model.EventVisitorTyping:
		// Dashboard sees the visitor typing; the visitor needs no echo.
		return DispatchRule{Website: true, ExcludeSelf: true}, true

	case model.EventMessageSeen:
		return DispatchRule{Website: true, ExcludeSelf: true, Visitor: true}, true

	case model.EventUserPresenceUpdate:
		return DispatchRule{Website: true, ExcludeSelf: true}, true

	case model.EventVisitorConnected, model.EventVisitorDisconnected:
		return DispatchRule{Website: true}, true
	}
	return DispatchRule{}, false
}

// VisitorAudienceAllowed is the visitor-leg audience policy: it decides,
// per event type, whether an event may reach the visitor-facing client.
// A bug here leaks private team communication to the end customer, so the
// policy is an explicit per-variant switch with a deny default.
func VisitorAudienceAllowed(ev model.RealtimeEvent) bool {
	if ev.Payload.Audience == model.AudienceDashboard {
		return false
	}
	switch ev.Type {
	case model.EventMessageCreated, model.EventTimelineEventCreated:
		// Private notes and team-only events never reach the visitor.
		return ev.Payload.Item != nil && !ev.Payload.Item.IsPrivate()

	case model.EventToolCallCreated:
		// Tool invocation traces default to team-only; only explicitly
		// public ones go out.
		return ev.Payload.Item != nil && ev.Payload.Item.Visibility == model.VisibilityPublic

	case model.EventConversationCreated, model.EventConversationUpdated,
		model.EventAITyping, model.EventUserTyping, model.EventMessageSeen:
		return true

	case model.EventAIDecisionMade,
		model.EventVisitorTyping,
		model.EventUserPresenceUpdate,
		model.EventVisitorConnected, model.EventVisitorDisconnected:
		return false
	}
	// Unknown variant: deny. A newly added event type must opt in here.
	return false
}

// RouteContext carries per-dispatch call context.
type RouteContext struct {
	// ConnectionID is the producing connection, when the event originated
	// from a socket; used for self-echo suppression.
	ConnectionID string
	// WebsiteID resolves the website audience when the payload lacks one.
	WebsiteID string
}

// Router maps each typed event to its side effects and its audiences.
type Router struct {
	broadcaster Broadcaster
	presence    *Presence
	trigger     PipelineTrigger
	log         *logger.Logger
}

// NewRouter creates a router. trigger may be nil when no AI pipeline is
// attached to this process.
func NewRouter(b Broadcaster, presence *Presence, trigger PipelineTrigger, log *logger.Logger) *Router {
	return &Router{
		broadcaster: b,
		presence:    presence,
		trigger:     trigger,
		log:         log.Named("router"),
	}
}

// Route runs the event's side-effect handler, then fans the event out per
// its dispatch rule. Unknown event types are logged and dropped.
func (r *Router) Route(ctx context.Context, ev model.RealtimeEvent, rctx RouteContext) {
	rule, ok := RuleFor(ev.Type)
	if !ok {
		r.log.Error("unknown event type, not dispatching", zap.String("event_type", string(ev.Type)))
		return
	}

	// A handler failure must not suppress delivery of the event itself.
	if err := r.runSideEffects(ctx, ev); err != nil {
		r.log.Warn("event side effect failed",
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
	}

	if rule.Website {
		if websiteID := resolveWebsiteID(ev, rctx); websiteID != "" {
			var exclude []string
			if rule.ExcludeSelf && rctx.ConnectionID != "" {
				exclude = []string{rctx.ConnectionID}
			}
			r.broadcaster.SendToWebsite(websiteID, ev, exclude...)
		}
	}

	if rule.Visitor && ev.Payload.VisitorID != "" && VisitorAudienceAllowed(ev) {
		r.broadcaster.SendToVisitor(ev.Payload.VisitorID, ev)
	}
}

func resolveWebsiteID(ev model.RealtimeEvent, rctx RouteContext) string {
	if ev.Payload.WebsiteID != "" {
		return ev.Payload.WebsiteID
	}
	return rctx.WebsiteID
}

// runSideEffects executes the per-type side effect handler, if any.
func (r *Router) runSideEffects(ctx context.Context, ev model.RealtimeEvent) error {
	switch ev.Type {
	case model.EventUserPresenceUpdate:
		status := PresenceOnline
		if s, ok := ev.Payload.Data["status"].(string); ok {
			status = PresenceStatus(s)
		}
		r.presence.Mark(ev.Payload.UserID, status)
		return nil

	case model.EventVisitorConnected, model.EventVisitorDisconnected:
		// Presence for visitors is derived from the registry itself; no
		// extra state to keep.
		return nil

	case model.EventMessageCreated:
		if r.trigger != nil && ev.Payload.Item != nil && ev.Payload.Item.AuthorKind != model.AuthorAI {
			r.trigger.TriggerMessage(ctx, ev.Payload)
		}
		return nil

	case model.EventTimelineEventCreated, model.EventToolCallCreated,
		model.EventConversationCreated, model.EventConversationUpdated,
		model.EventAIDecisionMade, model.EventAITyping,
		model.EventUserTyping, model.EventVisitorTyping, model.EventMessageSeen:
		return nil
	}
	return fmt.Errorf("no side effect handler for %q", ev.Type)
}
