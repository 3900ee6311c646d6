// Package realtime implements the local connection registry, the event
// router and the websocket gateway.
package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/pkg/logger"
	"github.com/cossistant/realtime/pkg/metrics"
)

// Sender pushes one event to a socket. Implementations must not block the
// caller; the gateway's connection wrapper satisfies this with a buffered
// outbound channel.
type Sender interface {
	Send(ev model.RealtimeEvent) error
}

// ConnectionRecord describes one local socket connection. Past the
// authentication gate a record has exactly one of UserID or VisitorID set:
// dashboard sessions carry a user, widget sessions carry a visitor.
type ConnectionRecord struct {
	Sender         Sender
	WebsiteID      string
	OrganizationID string
	UserID         string
	VisitorID      string
}

// Registry indexes local connections by id, website and visitor for O(1)
// fanout. It is constructor-injected everywhere so tests can run isolated
// instances; mutation goes only through Register/Unregister to keep the
// secondary indexes in lock-step with the primary map.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]ConnectionRecord
	byWebsite map[string]map[string]struct{}
	byVisitor map[string]map[string]struct{}
	log       *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		conns:     make(map[string]ConnectionRecord),
		byWebsite: make(map[string]map[string]struct{}),
		byVisitor: make(map[string]map[string]struct{}),
		log:       log.Named("registry"),
	}
}

// Register inserts or replaces a connection record. A replaced record is
// first removed from its old index sets so a rebound connection can never
// be fanned out under a stale website or visitor key.
func (r *Registry) Register(connectionID string, rec ConnectionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.conns[connectionID]; ok {
		r.removeFromIndexes(connectionID, old)
	}

	r.conns[connectionID] = rec
	if rec.WebsiteID != "" {
		set, ok := r.byWebsite[rec.WebsiteID]
		if !ok {
			set = make(map[string]struct{})
			r.byWebsite[rec.WebsiteID] = set
		}
		set[connectionID] = struct{}{}
	}
	if rec.VisitorID != "" {
		set, ok := r.byVisitor[rec.VisitorID]
		if !ok {
			set = make(map[string]struct{})
			r.byVisitor[rec.VisitorID] = set
		}
		set[connectionID] = struct{}{}
	}
}

// Unregister removes a connection from the primary map and both indexes.
// No-op if the id is unknown.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connectionID]
	if !ok {
		return
	}
	delete(r.conns, connectionID)
	r.removeFromIndexes(connectionID, rec)
}

// removeFromIndexes must be called with the write lock held.
func (r *Registry) removeFromIndexes(connectionID string, rec ConnectionRecord) {
	if rec.WebsiteID != "" {
		if set, ok := r.byWebsite[rec.WebsiteID]; ok {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.byWebsite, rec.WebsiteID)
			}
		}
	}
	if rec.VisitorID != "" {
		if set, ok := r.byVisitor[rec.VisitorID]; ok {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.byVisitor, rec.VisitorID)
			}
		}
	}
}

// Get returns the record for a connection id.
func (r *Registry) Get(connectionID string) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conns[connectionID]
	return rec, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendToConnection delivers an event to a single connection. A missing
// target is a silent no-op: the connection may have closed between the
// decision to send and the send itself.
func (r *Registry) SendToConnection(connectionID string, ev model.RealtimeEvent) {
	r.mu.RLock()
	rec, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.send(connectionID, rec, ev, "connection")
}

// SendToVisitor delivers an event to every connection of one visitor,
// skipping ids in exclude.
func (r *Registry) SendToVisitor(visitorID string, ev model.RealtimeEvent, exclude ...string) {
	for id, rec := range r.snapshot(r.byVisitor, visitorID) {
		if contains(exclude, id) {
			continue
		}
		r.send(id, rec, ev, "visitor")
	}
}

// SendToWebsite delivers an event to every dashboard connection watching a
// website. Visitor sessions attached to the same website are excluded:
// they only receive visitor-scoped and conversation-scoped events.
func (r *Registry) SendToWebsite(websiteID string, ev model.RealtimeEvent, exclude ...string) {
	for id, rec := range r.snapshot(r.byWebsite, websiteID) {
		if rec.UserID == "" {
			continue
		}
		if contains(exclude, id) {
			continue
		}
		r.send(id, rec, ev, "website")
	}
}

// snapshot resolves an index set against the primary map under the read
// lock. Ids present in the set but absent from the primary map are dropped
// here: a stale index entry must never be dereferenced as a dispatch target.
func (r *Registry) snapshot(index map[string]map[string]struct{}, key string) map[string]ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := index[key]
	if !ok {
		return nil
	}
	out := make(map[string]ConnectionRecord, len(set))
	for id := range set {
		if rec, present := r.conns[id]; present {
			out[id] = rec
		}
	}
	return out
}

// send writes through the connection's sender. Write failures are logged
// and swallowed; a dead socket must not break the dispatch loop.
func (r *Registry) send(connectionID string, rec ConnectionRecord, ev model.RealtimeEvent, target string) {
	if err := rec.Sender.Send(ev); err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("send_failed").Inc()
		r.log.Warn("socket send failed",
			zap.String("connection_id", connectionID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
		return
	}
	metrics.RecordDispatch(string(ev.Type), target)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
