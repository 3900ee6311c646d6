package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TargetKind selects which registry dispatch method an envelope fans out
// through on the consuming process.
type TargetKind string

const (
	TargetConnection TargetKind = "connection"
	TargetVisitor    TargetKind = "visitor"
	TargetWebsite    TargetKind = "website"
)

// DispatchTarget names the audience for one envelope.
type DispatchTarget struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
	// Exclude lists connection ids to skip, used for self-echo suppression.
	Exclude []string `json:"exclude,omitempty"`
}

// DispatchEnvelope wraps a RealtimeEvent for the cross-process log. It lives
// only inside the bounded dispatch stream and is never persisted elsewhere.
type DispatchEnvelope struct {
	Target      DispatchTarget `json:"target"`
	SourceID    string         `json:"sourceId"`
	Event       RealtimeEvent  `json:"event"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// Validate rejects envelopes the consumer must not forward to dispatch:
// unknown target kinds, empty targets, and events that fail their own
// variant checks. Invalid entries are logged and skipped, never delivered.
func (e DispatchEnvelope) Validate() error {
	switch e.Target.Kind {
	case TargetConnection, TargetVisitor, TargetWebsite:
	default:
		return fmt.Errorf("unknown target kind %q", e.Target.Kind)
	}
	if e.Target.ID == "" {
		return fmt.Errorf("envelope target %s: missing id", e.Target.Kind)
	}
	if e.SourceID == "" {
		return fmt.Errorf("envelope: missing sourceId")
	}
	return e.Event.Validate()
}

// Encode serializes the envelope for a log append.
func (e DispatchEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a log entry back into an envelope.
func DecodeEnvelope(data []byte) (DispatchEnvelope, error) {
	var env DispatchEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return DispatchEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
