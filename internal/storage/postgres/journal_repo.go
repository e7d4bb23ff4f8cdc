package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/storage"
)

// JournalRepository implements the session and tool-call half of
// storage.Store on any GORM dialect.
type JournalRepository struct {
	db *gorm.DB
}

// NewJournalRepository creates a JournalRepository.
func NewJournalRepository(db *gorm.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// CreateSession inserts s, assigning an ID and start time when unset.
func (r *JournalRepository) CreateSession(ctx context.Context, s *storage.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = storage.StatusRunning
	}
	model := toSessionModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// FinishSession stamps the end time, final status and turn count.
func (r *JournalRepository) FinishSession(ctx context.Context, id uuid.UUID, status string, turns int) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "turns": turns, "ended_at": &now})
	if res.Error != nil {
		return fmt.Errorf("finishing session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finishing session %s: %w", id, storage.ErrSessionNotFound)
	}
	return nil
}

// GetSession loads one session.
func (r *JournalRepository) GetSession(ctx context.Context, id uuid.UUID) (*storage.Session, error) {
	var m SessionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	s := toSessionDomain(&m)
	return &s, nil
}

// ListSessions returns sessions newest first.
func (r *JournalRepository) ListSessions(ctx context.Context, limit int) ([]storage.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []SessionModel
	if err := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	sessions := make([]storage.Session, len(models))
	for i := range models {
		sessions[i] = toSessionDomain(&models[i])
	}
	return sessions, nil
}

// RecordToolCall appends c. Output is truncated to storage.MaxJournaledOutput.
func (r *JournalRepository) RecordToolCall(ctx context.Context, c *storage.ToolCall) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	model := toToolCallModel(c)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns a session's calls oldest first.
func (r *JournalRepository) ListToolCalls(ctx context.Context, sessionID uuid.UUID, limit int) ([]storage.ToolCall, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ToolCallModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing tool calls: %w", err)
	}
	calls := make([]storage.ToolCall, len(models))
	for i := range models {
		calls[i] = toToolCallDomain(&models[i])
	}
	return calls, nil
}

// Ping checks the database connection for the readiness probe.
func (r *JournalRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (r *JournalRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toSessionModel(s *storage.Session) SessionModel {
	return SessionModel{
		ID:          s.ID,
		SandboxRoot: s.SandboxRoot,
		Source:      s.Source,
		Status:      s.Status,
		Turns:       s.Turns,
		StartedAt:   s.StartedAt,
		Model:       s.Model,
		EndedAt:     s.EndedAt,
	}
}

func toSessionDomain(m *SessionModel) storage.Session {
	return storage.Session{
		ID:          m.ID,
		SandboxRoot: m.SandboxRoot,
		Source:      m.Source,
		Model:       m.Model,
		Status:      m.Status,
		Turns:       m.Turns,
		StartedAt:   m.StartedAt,
		EndedAt:     m.EndedAt,
	}
}

func toToolCallModel(c *storage.ToolCall) ToolCallModel {
	return ToolCallModel{
		ID:         c.ID,
		SessionID:  c.SessionID,
		Tool:       c.Tool,
		Arguments:  JSONB(c.Arguments),
		Output:     storage.TruncateOutput(c.Output),
		Success:    c.Success,
		DurationMS: c.DurationMS,
		CreatedAt:  c.CreatedAt,
	}
}

func toToolCallDomain(m *ToolCallModel) storage.ToolCall {
	return storage.ToolCall{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Tool:       m.Tool,
		Arguments:  []byte(m.Arguments),
		Output:     m.Output,
		Success:    m.Success,
		DurationMS: m.DurationMS,
		CreatedAt:  m.CreatedAt,
	}
}
