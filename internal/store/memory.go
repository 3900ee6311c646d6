package store

import (
	"context"
	"sort"
	"sync"

	"github.com/cossistant/realtime/internal/model"
)

// Memory is an in-memory Store. Tests and local development use it; it
// mirrors the uniqueness semantics the pgx binding gets from primary keys.
type Memory struct {
	mu sync.RWMutex

	agents        map[string]*model.Agent
	conversations map[string]*model.Conversation
	timeline      map[string][]model.TimelineItem // by conversation id
	timelineIDs   map[string]struct{}
	assignees     []Assignee
	participants  []Participant
	views         []ConversationView
	visitors      map[string]*model.Visitor
	websites      map[string]*model.Website // by public key
	markers       map[string]struct{}       // conversationID+"/"+direction
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:        make(map[string]*model.Agent),
		conversations: make(map[string]*model.Conversation),
		timeline:      make(map[string][]model.TimelineItem),
		timelineIDs:   make(map[string]struct{}),
		visitors:      make(map[string]*model.Visitor),
		websites:      make(map[string]*model.Website),
		markers:       make(map[string]struct{}),
	}
}

// PutAgent seeds an agent row.
func (m *Memory) PutAgent(a *model.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
}

// PutConversation seeds a conversation row.
func (m *Memory) PutConversation(c *model.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.conversations[c.ID] = &cp
}

// PutVisitor seeds a visitor row.
func (m *Memory) PutVisitor(v *model.Visitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.visitors[v.ID] = &cp
}

// PutWebsite seeds a website row, keyed by its public key.
func (m *Memory) PutWebsite(w *model.Website) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.websites[w.PublicKey] = &cp
}

func (m *Memory) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) IncrementAgentUsage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.UsageCount++
	return nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Status != nil {
		c.Status = *upd.Status
	}
	if upd.Priority != nil {
		c.Priority = *upd.Priority
	}
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.Sentiment != nil {
		c.Sentiment = *upd.Sentiment
	}
	if upd.IsEscalated != nil {
		c.IsEscalated = *upd.IsEscalated
	}
	if upd.EscalationReason != nil {
		c.EscalationReason = *upd.EscalationReason
	}
	if upd.AssignedUserID != nil {
		c.AssignedUserID = *upd.AssignedUserID
	}
	if upd.ResolutionTime != nil {
		c.ResolutionTime = upd.ResolutionTime
	}
	return nil
}

func (m *Memory) ListTimelineItems(ctx context.Context, conversationID string, filter TimelineFilter) ([]model.TimelineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.timeline[conversationID]
	out := make([]model.TimelineItem, 0, len(items))
	for _, it := range items {
		if filter.VisibleToVisitor && it.Visibility != model.VisibilityPublic {
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (m *Memory) InsertTimelineItem(ctx context.Context, item *model.TimelineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.timelineIDs[item.ID]; exists {
		return ErrDuplicate
	}
	m.timelineIDs[item.ID] = struct{}{}
	m.timeline[item.ConversationID] = append(m.timeline[item.ConversationID], *item)
	return nil
}

func (m *Memory) FindActiveAssignee(ctx context.Context, conversationID, userID string) (*Assignee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.assignees {
		a := m.assignees[i]
		if a.ConversationID == conversationID && a.UserID == userID && a.Active {
			cp := a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListActiveAssignees(ctx context.Context, conversationID string) ([]Assignee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Assignee
	for i := range m.assignees {
		if m.assignees[i].ConversationID == conversationID && m.assignees[i].Active {
			out = append(out, m.assignees[i])
		}
	}
	return out, nil
}

func (m *Memory) InsertAssignee(ctx context.Context, a *Assignee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.assignees {
		if m.assignees[i].ID == a.ID {
			return ErrDuplicate
		}
	}
	m.assignees = append(m.assignees, *a)
	return nil
}

func (m *Memory) FindActiveParticipant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.participants {
		p := m.participants[i]
		if p.ConversationID == conversationID && p.UserID == userID && p.Active {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListActiveParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Participant
	for i := range m.participants {
		if m.participants[i].ConversationID == conversationID && m.participants[i].Active {
			out = append(out, m.participants[i])
		}
	}
	return out, nil
}

func (m *Memory) InsertParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.participants {
		if m.participants[i].ID == p.ID {
			return ErrDuplicate
		}
	}
	m.participants = append(m.participants, *p)
	return nil
}

func (m *Memory) FindConversationView(ctx context.Context, conversationID, viewID string) (*ConversationView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.views {
		v := m.views[i]
		if v.ConversationID == conversationID && v.ViewID == viewID {
			cp := v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) InsertConversationView(ctx context.Context, v *ConversationView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.views {
		if m.views[i].ID == v.ID {
			return ErrDuplicate
		}
	}
	m.views = append(m.views, *v)
	return nil
}

func (m *Memory) GetVisitor(ctx context.Context, id string) (*model.Visitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.visitors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) GetWebsiteByPublicKey(ctx context.Context, key string) (*model.Website, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.websites[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) SetWorkflowMarker(ctx context.Context, conversationID, direction string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := conversationID + "/" + direction
	if _, exists := m.markers[key]; exists {
		return false, nil
	}
	m.markers[key] = struct{}{}
	return true, nil
}

func (m *Memory) ClearWorkflowMarker(ctx context.Context, conversationID, direction string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, conversationID+"/"+direction)
	return nil
}

// HasWorkflowMarker reports whether a marker is set; test helper.
func (m *Memory) HasWorkflowMarker(conversationID, direction string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.markers[conversationID+"/"+direction]
	return ok
}

// CountActiveParticipants returns the number of active participant rows for
// a conversation+user pair; test helper.
func (m *Memory) CountActiveParticipants(conversationID, userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for i := range m.participants {
		p := m.participants[i]
		if p.ConversationID == conversationID && p.UserID == userID && p.Active {
			n++
		}
	}
	return n
}

// CountActiveAssignees returns the number of active assignee rows for a
// conversation+user pair; test helper.
func (m *Memory) CountActiveAssignees(conversationID, userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for i := range m.assignees {
		a := m.assignees[i]
		if a.ConversationID == conversationID && a.UserID == userID && a.Active {
			n++
		}
	}
	return n
}

var _ Store = (*Memory)(nil)
