package realtime

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/cossistant/realtime/internal/model"
)

// ClientFrame is the inbound wire shape: {"type": ..., "payload": {...}}.
type ClientFrame struct {
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AuthorizeInbound checks that a connection may emit an event of this type.
// Only client-originable types pass; everything else, including known
// server-only types like conversationUpdated, is rejected at the boundary
// and never reaches the router.
func AuthorizeInbound(t model.EventType, rec ConnectionRecord) error {
	switch t {
	case model.EventUserTyping, model.EventUserPresenceUpdate:
		if rec.UserID == "" {
			return fmt.Errorf("event %s requires a dashboard session", t)
		}
		return nil

	case model.EventVisitorTyping:
		if rec.VisitorID == "" {
			return fmt.Errorf("event %s requires a visitor session", t)
		}
		return nil

	case model.EventMessageSeen:
		// Both session kinds report read receipts.
		return nil
	}
	return fmt.Errorf("event type %q is not client-originable", t)
}

// inboundPayload is the subset of payload fields a client may supply.
// Identity fields are deliberately absent: they are always enriched from
// the authenticated connection record.
type inboundPayload struct {
	ConversationID string         `json:"conversationId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// EnrichInbound builds the routed event from a client frame. The declared
// websiteId/visitorId/userId routing keys come from the server-side record,
// never from the client payload.
func EnrichInbound(frame ClientFrame, rec ConnectionRecord) (model.RealtimeEvent, error) {
	var in inboundPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &in); err != nil {
			return model.RealtimeEvent{}, fmt.Errorf("malformed payload: %w", err)
		}
	}
	if err := validateInboundData(in.Data); err != nil {
		return model.RealtimeEvent{}, err
	}

	return model.RealtimeEvent{
		Type: frame.Type,
		Payload: model.EventPayload{
			WebsiteID:      rec.WebsiteID,
			OrganizationID: rec.OrganizationID,
			ConversationID: in.ConversationID,
			VisitorID:      rec.VisitorID,
			UserID:         rec.UserID,
			Data:           in.Data,
		},
	}, nil
}

// validateInboundData bounds the free-form data a client may attach
// (typing previews and the like).
func validateInboundData(data map[string]any) error {
	for key, v := range data {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if len(s) > 2048 {
			return fmt.Errorf("data field %q exceeds maximum length", key)
		}
		if !utf8.ValidString(s) {
			return fmt.Errorf("data field %q must be valid UTF-8", key)
		}
	}
	return nil
}
