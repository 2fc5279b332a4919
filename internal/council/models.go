package council

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status of an assistant pipeline record. Monotonic: pending ->
// partially_populated -> complete | error.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPartial  Status = "partially_populated"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Kind classifies a user turn by its payload.
type Kind string

const (
	KindText      Kind = "text"
	KindImage     Kind = "image"
	KindImageText Kind = "image_text"
)

type Conversation struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ConversationID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"conversation_id"`
	UserID         uint64    `gorm:"index;not null" json:"-"`
	Title          string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// Turn is one user submission. Immutable once created, except for the
// auxiliary vision fields attached by a vision_complete event.
type Turn struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TurnID         string     `gorm:"type:varchar(26);uniqueIndex;not null" json:"turn_id"`
	ConversationID string     `gorm:"type:varchar(26);index;not null" json:"conversation_id"`
	UserID         uint64     `gorm:"index;not null" json:"-"`
	Kind           Kind       `gorm:"type:varchar(16);not null" json:"kind"`
	Content        string     `gorm:"type:text;not null" json:"content"`
	AttachmentRefs StringList `gorm:"type:json" json:"attachment_refs"`
	ImageRef       *string    `gorm:"type:varchar(255)" json:"image_ref,omitempty"`
	VisionModel    *string    `gorm:"type:varchar(64)" json:"vision_model,omitempty"`
	VisionAnalysis *string    `gorm:"type:text" json:"vision_analysis,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (Turn) TableName() string { return "council_turns" }

// AssistantTurn is the mutable pipeline record for one council turn. Stage
// fields are populated at most once each, in order, and never cleared.
// Processing is true from creation until exactly one terminal transition
// (Finish or Fail) is applied.
type AssistantTurn struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement" json:"-"`
	TurnID          string          `gorm:"type:varchar(26);uniqueIndex;not null" json:"turn_id"`
	ConversationID  string          `gorm:"type:varchar(26);index;not null" json:"conversation_id"`
	UserID          uint64          `gorm:"index;not null" json:"-"`
	Status          Status          `gorm:"type:varchar(24);index;not null" json:"status"`
	Stage1          StageOneList    `gorm:"type:json" json:"stage1"`
	Stage2          StageTwoList    `gorm:"type:json" json:"stage2"`
	Stage2Aggregate json.RawMessage `gorm:"type:json" json:"stage2_aggregate,omitempty"`
	Stage3          StageThree      `gorm:"type:json" json:"stage3"`
	FinalContent    string          `gorm:"type:text;not null" json:"final_content"`
	Processing      bool            `gorm:"not null" json:"processing"`
	Error           *string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (AssistantTurn) TableName() string { return "council_assistant_turns" }

// StageOneEntry is one council member's independent answer.
type StageOneEntry struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// StageTwoEntry is one council member's peer ranking.
type StageTwoEntry struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`
	ParsedRanking []string `json:"parsed_ranking"`
}

// StageThree is the chairman's synthesis. A populated Model marks the
// pipeline as functionally done.
type StageThree struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

func (s StageThree) IsZero() bool { return s == StageThree{} }

type StageOneList []StageOneEntry

type StageTwoList []StageTwoEntry

type StringList []string

func (l StageOneList) Value() (driver.Value, error) { return jsonListValue(l == nil, l) }
func (l StageTwoList) Value() (driver.Value, error) { return jsonListValue(l == nil, l) }
func (l StringList) Value() (driver.Value, error)   { return jsonListValue(l == nil, l) }

func (l *StageOneList) Scan(src any) error { return jsonScan(src, l) }
func (l *StageTwoList) Scan(src any) error { return jsonScan(src, l) }
func (l *StringList) Scan(src any) error   { return jsonScan(src, l) }

func (s StageThree) Value() (driver.Value, error) {
	if s.IsZero() {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *StageThree) Scan(src any) error {
	*s = StageThree{}
	if src == nil {
		return nil
	}
	return jsonScan(src, s)
}

func jsonListValue(isNil bool, l any) (driver.Value, error) {
	if isNil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func jsonScan(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("council: cannot scan %T into json column", src)
	}
}
