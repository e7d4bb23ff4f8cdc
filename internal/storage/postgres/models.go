package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column (TEXT on SQLite).
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONB(nil), v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB from %T", src)
	}
	return nil
}

// SessionModel maps to the "sessions" table.
type SessionModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SandboxRoot string    `gorm:"not null;index"`
	Source      string    `gorm:"not null"`
	Status      string    `gorm:"not null;default:'running'"`
	Turns       int       `gorm:"not null;default:0"`
	StartedAt   time.Time `gorm:"not null;index"`
	Model       string
	EndedAt     *time.Time
}

func (SessionModel) TableName() string { return "sessions" }

// ToolCallModel maps to the "tool_calls" table.
// Append-only: no UpdatedAt or DeletedAt.
type ToolCallModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  uuid.UUID `gorm:"type:uuid;not null;index"`
	Tool       string    `gorm:"not null;index"`
	Arguments  JSONB     `gorm:"type:jsonb;not null"`
	Output     string    `gorm:"type:text;not null"`
	Success    bool      `gorm:"not null"`
	DurationMS int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"index"`
}

func (ToolCallModel) TableName() string { return "tool_calls" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&SessionModel{}, &ToolCallModel{}}
}
