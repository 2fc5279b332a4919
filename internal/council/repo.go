package council

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/consilium-chat/consilium/internal/common"
)

// ErrTurnInFlight means the conversation already has a processing assistant
// turn. Serializing runs per conversation keeps the pipeline record's stage
// ordering meaningful to readers.
var ErrTurnInFlight = errors.New("council: conversation already has a turn in flight")

// Repo owns every durable transition of the pipeline records. Each
// transition is one UPDATE scoped by (turn_id, user_id), so a non-owner's
// call matches zero rows and surfaces as record-not-found, the same answer
// a missing record gives.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateConversation(ctx context.Context, userID uint64, title string) (*Conversation, error) {
	cid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = "New conversation"
	}
	conv := &Conversation{ConversationID: cid, UserID: userID, Title: title}
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, err
	}
	return conv, nil
}

// GetOwnedConversation hides non-owned conversations behind record-not-found.
func (r *Repo) GetOwnedConversation(ctx context.Context, userID uint64, conversationID string) (*Conversation, error) {
	var conv Conversation
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		First(&conv).Error; err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return &conv, nil
}

func (r *Repo) ListConversations(ctx context.Context, userID uint64, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

// CreateUserTurn persists the user side of a turn and bumps the
// conversation's activity timestamp.
func (r *Repo) CreateUserTurn(ctx context.Context, userID uint64, conversationID, content string, attachmentRefs []string, imageRef *string, kind Kind) (*Turn, error) {
	if _, err := r.GetOwnedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	tid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	turn := &Turn{
		TurnID:         tid,
		ConversationID: conversationID,
		UserID:         userID,
		Kind:           kind,
		Content:        content,
		AttachmentRefs: attachmentRefs,
		ImageRef:       imageRef,
	}
	if err := r.db.WithContext(ctx).Create(turn).Error; err != nil {
		return nil, err
	}
	r.touchConversation(ctx, conversationID)
	return turn, nil
}

// lockOwnedConversation bumps the conversation's activity timestamp inside
// tx. The UPDATE holds an exclusive lock on the row until the transaction
// commits, so concurrent begins on one conversation serialize here and the
// later one sees the earlier one's in-flight record. Zero rows means missing
// or non-owned, both answered with record-not-found.
func lockOwnedConversation(tx *gorm.DB, userID uint64, conversationID string) error {
	res := tx.Model(&Conversation{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("updated_at", time.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func newPlaceholder(tx *gorm.DB, userID uint64, conversationID string) (*AssistantTurn, error) {
	var inFlight int64
	if err := tx.Model(&AssistantTurn{}).
		Where("conversation_id = ? AND processing = ?", conversationID, true).
		Count(&inFlight).Error; err != nil {
		return nil, err
	}
	if inFlight > 0 {
		return nil, ErrTurnInFlight
	}

	tid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	at := &AssistantTurn{
		TurnID:         tid,
		ConversationID: conversationID,
		UserID:         userID,
		Status:         StatusPending,
		Stage1:         StageOneList{},
		Stage2:         StageTwoList{},
		FinalContent:   "",
		Processing:     true,
	}
	if err := tx.Create(at).Error; err != nil {
		return nil, err
	}
	return at, nil
}

// CreateAssistantPlaceholder inserts the pending pipeline record. At most
// one processing assistant turn may exist per conversation; the guard runs
// under the conversation row lock.
func (r *Repo) CreateAssistantPlaceholder(ctx context.Context, userID uint64, conversationID string) (*AssistantTurn, error) {
	var at *AssistantTurn
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOwnedConversation(tx, userID, conversationID); err != nil {
			return err
		}
		var err error
		at, err = newPlaceholder(tx, userID, conversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return at, nil
}

// BeginTurn persists the user turn and the pending assistant record as one
// unit. A conversation with a turn already in flight rejects with
// ErrTurnInFlight and stores nothing.
func (r *Repo) BeginTurn(ctx context.Context, userID uint64, conversationID, content string, attachmentRefs []string, imageRef *string, kind Kind) (*Turn, *AssistantTurn, error) {
	var (
		turn *Turn
		at   *AssistantTurn
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOwnedConversation(tx, userID, conversationID); err != nil {
			return err
		}

		tid, err := common.NewULID()
		if err != nil {
			return err
		}
		turn = &Turn{
			TurnID:         tid,
			ConversationID: conversationID,
			UserID:         userID,
			Kind:           kind,
			Content:        content,
			AttachmentRefs: attachmentRefs,
			ImageRef:       imageRef,
		}
		if err := tx.Create(turn).Error; err != nil {
			return err
		}

		at, err = newPlaceholder(tx, userID, conversationID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return turn, at, nil
}

func (r *Repo) SetStage1(ctx context.Context, userID uint64, turnID string, entries StageOneList) error {
	return r.updateTurn(ctx, userID, turnID, map[string]any{
		"stage1": entries,
		"status": StatusPartial,
	})
}

func (r *Repo) SetStage2(ctx context.Context, userID uint64, turnID string, entries StageTwoList, aggregate json.RawMessage) error {
	updates := map[string]any{
		"stage2": entries,
		"status": StatusPartial,
	}
	if len(aggregate) > 0 {
		updates["stage2_aggregate"] = []byte(aggregate)
	}
	return r.updateTurn(ctx, userID, turnID, updates)
}

func (r *Repo) SetStage3(ctx context.Context, userID uint64, turnID string, stage3 StageThree, finalContent string) error {
	return r.updateTurn(ctx, userID, turnID, map[string]any{
		"stage3":        stage3,
		"final_content": finalContent,
		"status":        StatusPartial,
	})
}

func (r *Repo) SetConversationTitle(ctx context.Context, userID uint64, conversationID, title string) error {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetVisionAnalysis attaches image interpretation metadata to the user turn.
// Not a pipeline stage.
func (r *Repo) SetVisionAnalysis(ctx context.Context, userID uint64, userTurnID, model, analysis string) error {
	res := r.db.WithContext(ctx).Model(&Turn{}).
		Where("turn_id = ? AND user_id = ?", userTurnID, userID).
		Updates(map[string]any{
			"vision_model":    model,
			"vision_analysis": analysis,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Finish is the terminal success transition. Stage fields stay as the
// stream left them.
func (r *Repo) Finish(ctx context.Context, userID uint64, turnID, conversationID string) error {
	if err := r.updateTurn(ctx, userID, turnID, map[string]any{
		"processing": false,
		"status":     StatusComplete,
	}); err != nil {
		return err
	}
	r.touchConversation(ctx, conversationID)
	return nil
}

// Fail is the terminal failure transition.
func (r *Repo) Fail(ctx context.Context, userID uint64, turnID, conversationID, errMsg string) error {
	if err := r.updateTurn(ctx, userID, turnID, map[string]any{
		"processing":    false,
		"status":        StatusError,
		"error":         errMsg,
		"final_content": "Error: " + errMsg,
	}); err != nil {
		return err
	}
	r.touchConversation(ctx, conversationID)
	return nil
}

func (r *Repo) GetAssistantTurn(ctx context.Context, userID uint64, turnID string) (*AssistantTurn, error) {
	var at AssistantTurn
	if err := r.db.WithContext(ctx).
		Where("turn_id = ? AND user_id = ?", turnID, userID).
		First(&at).Error; err != nil {
		return nil, err
	}
	return &at, nil
}

// ListTurns returns both sides of a conversation's turns, oldest first.
func (r *Repo) ListTurns(ctx context.Context, userID uint64, conversationID string, limit int) ([]Turn, []AssistantTurn, error) {
	if _, err := r.GetOwnedConversation(ctx, userID, conversationID); err != nil {
		return nil, nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	var turns []Turn
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Limit(limit).
		Find(&turns).Error; err != nil {
		return nil, nil, err
	}

	var assistant []AssistantTurn
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Limit(limit).
		Find(&assistant).Error; err != nil {
		return nil, nil, err
	}
	return turns, assistant, nil
}

func (r *Repo) updateTurn(ctx context.Context, userID uint64, turnID string, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&AssistantTurn{}).
		Where("turn_id = ? AND user_id = ?", turnID, userID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) touchConversation(ctx context.Context, conversationID string) {
	_ = r.db.WithContext(ctx).Model(&Conversation{}).
		Where("conversation_id = ?", conversationID).
		Update("updated_at", time.Now()).Error
}
