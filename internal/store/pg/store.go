// Package pg implements store.Store backed by Postgres via pgx.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/internal/store"
)

// Store is the Postgres-backed persistence binding.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pgx pool against the given DSN.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	var behavior []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, is_active, behavior, usage_count
		 FROM ai_agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.OrganizationID, &a.Name, &a.IsActive, &behavior, &a.UsageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if len(behavior) > 0 {
		if err := json.Unmarshal(behavior, &a.Behavior); err != nil {
			return nil, fmt.Errorf("get agent: decode behavior: %w", err)
		}
	}
	return &a, nil
}

func (s *Store) IncrementAgentUsage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_agents SET usage_count = usage_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment agent usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, website_id, visitor_id, status, priority,
		        COALESCE(title, ''), COALESCE(sentiment, ''), is_escalated,
		        COALESCE(escalation_reason, ''), COALESCE(assigned_user_id, ''),
		        started_at, resolution_time, created_at, updated_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.OrganizationID, &c.WebsiteID, &c.VisitorID, &c.Status,
		&c.Priority, &c.Title, &c.Sentiment, &c.IsEscalated,
		&c.EscalationReason, &c.AssignedUserID,
		&c.StartedAt, &c.ResolutionTime, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, upd store.ConversationUpdate) error {
	set := "updated_at = now()"
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Priority != nil {
		add("priority", *upd.Priority)
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Sentiment != nil {
		add("sentiment", *upd.Sentiment)
	}
	if upd.IsEscalated != nil {
		add("is_escalated", *upd.IsEscalated)
	}
	if upd.EscalationReason != nil {
		add("escalation_reason", *upd.EscalationReason)
	}
	if upd.AssignedUserID != nil {
		add("assigned_user_id", *upd.AssignedUserID)
	}
	if upd.ResolutionTime != nil {
		add("resolution_time", *upd.ResolutionTime)
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE conversations SET %s WHERE id = $1`, set), args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListTimelineItems(ctx context.Context, conversationID string, filter store.TimelineFilter) ([]model.TimelineItem, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, conversation_id, organization_id, type, visibility,
	                 author_kind, COALESCE(author_id, ''), COALESCE(text, ''),
	                 COALESCE(event_name, ''), event_data, COALESCE(tool_name, ''), created_at
	          FROM timeline_items WHERE conversation_id = $1`
	args := []any{conversationID}
	if filter.VisibleToVisitor {
		query += ` AND visibility = 'public'`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timeline items: %w", err)
	}
	defer rows.Close()

	var items []model.TimelineItem
	for rows.Next() {
		var it model.TimelineItem
		var eventData []byte
		if err := rows.Scan(&it.ID, &it.ConversationID, &it.OrganizationID,
			&it.Type, &it.Visibility, &it.AuthorKind, &it.AuthorID, &it.Text,
			&it.EventName, &eventData, &it.ToolName, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("list timeline items: %w", err)
		}
		if len(eventData) > 0 {
			if err := json.Unmarshal(eventData, &it.EventData); err != nil {
				return nil, fmt.Errorf("list timeline items: decode event data: %w", err)
			}
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list timeline items: %w", err)
	}
	// Rows arrive newest first; callers expect chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *Store) InsertTimelineItem(ctx context.Context, item *model.TimelineItem) error {
	var eventData []byte
	if item.EventData != nil {
		var err error
		if eventData, err = json.Marshal(item.EventData); err != nil {
			return fmt.Errorf("insert timeline item: encode event data: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO timeline_items
		   (id, conversation_id, organization_id, type, visibility, author_kind,
		    author_id, text, event_name, event_data, tool_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		item.ID, item.ConversationID, item.OrganizationID, item.Type,
		item.Visibility, item.AuthorKind, item.AuthorID, item.Text,
		item.EventName, eventData, item.ToolName, item.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert timeline item: %w", err)
	}
	return nil
}

func (s *Store) FindActiveAssignee(ctx context.Context, conversationID, userID string) (*store.Assignee, error) {
	var a store.Assignee
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, user_id, active, created_at
		 FROM conversation_assignees
		 WHERE conversation_id = $1 AND user_id = $2 AND active`, conversationID, userID,
	).Scan(&a.ID, &a.ConversationID, &a.UserID, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find assignee: %w", err)
	}
	return &a, nil
}

func (s *Store) ListActiveAssignees(ctx context.Context, conversationID string) ([]store.Assignee, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, active, created_at
		 FROM conversation_assignees WHERE conversation_id = $1 AND active`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list assignees: %w", err)
	}
	defer rows.Close()
	var out []store.Assignee
	for rows.Next() {
		var a store.Assignee
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.UserID, &a.Active, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("list assignees: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) InsertAssignee(ctx context.Context, a *store.Assignee) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_assignees (id, conversation_id, user_id, active, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.ConversationID, a.UserID, a.Active, a.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert assignee: %w", err)
	}
	return nil
}

func (s *Store) FindActiveParticipant(ctx context.Context, conversationID, userID string) (*store.Participant, error) {
	var p store.Participant
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, user_id, active, created_at
		 FROM conversation_participants
		 WHERE conversation_id = $1 AND user_id = $2 AND active`, conversationID, userID,
	).Scan(&p.ID, &p.ConversationID, &p.UserID, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find participant: %w", err)
	}
	return &p, nil
}

func (s *Store) ListActiveParticipants(ctx context.Context, conversationID string) ([]store.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, active, created_at
		 FROM conversation_participants WHERE conversation_id = $1 AND active`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	var out []store.Participant
	for rows.Next() {
		var p store.Participant
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.UserID, &p.Active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("list participants: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertParticipant(ctx context.Context, p *store.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_participants (id, conversation_id, user_id, active, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.ConversationID, p.UserID, p.Active, p.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *Store) FindConversationView(ctx context.Context, conversationID, viewID string) (*store.ConversationView, error) {
	var v store.ConversationView
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, view_id, created_at
		 FROM conversation_views
		 WHERE conversation_id = $1 AND view_id = $2`, conversationID, viewID,
	).Scan(&v.ID, &v.ConversationID, &v.ViewID, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation view: %w", err)
	}
	return &v, nil
}

func (s *Store) InsertConversationView(ctx context.Context, v *store.ConversationView) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_views (id, conversation_id, view_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		v.ID, v.ConversationID, v.ViewID, v.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert conversation view: %w", err)
	}
	return nil
}

func (s *Store) GetVisitor(ctx context.Context, id string) (*model.Visitor, error) {
	var v model.Visitor
	err := s.pool.QueryRow(ctx,
		`SELECT id, website_id, COALESCE(name, ''), COALESCE(email, ''), last_seen
		 FROM visitors WHERE id = $1`, id,
	).Scan(&v.ID, &v.WebsiteID, &v.Name, &v.Email, &v.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get visitor: %w", err)
	}
	return &v, nil
}

func (s *Store) GetWebsiteByPublicKey(ctx context.Context, key string) (*model.Website, error) {
	var w model.Website
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, public_key, name
		 FROM websites WHERE public_key = $1`, key,
	).Scan(&w.ID, &w.OrganizationID, &w.PublicKey, &w.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get website: %w", err)
	}
	return &w, nil
}

func (s *Store) SetWorkflowMarker(ctx context.Context, conversationID, direction string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_markers (conversation_id, direction, created_at)
		 VALUES ($1, $2, now()) ON CONFLICT (conversation_id, direction) DO NOTHING`,
		conversationID, direction)
	if err != nil {
		return false, fmt.Errorf("set workflow marker: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ClearWorkflowMarker(ctx context.Context, conversationID, direction string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM workflow_markers WHERE conversation_id = $1 AND direction = $2`,
		conversationID, direction)
	if err != nil {
		return fmt.Errorf("clear workflow marker: %w", err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
