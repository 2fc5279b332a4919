package council

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Turn{}, &AssistantTurn{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func mustConversation(t *testing.T, repo *Repo, userID uint64) *Conversation {
	t.Helper()
	conv, err := repo.CreateConversation(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func TestCreateAssistantPlaceholder_Defaults(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	at, err := repo.CreateAssistantPlaceholder(ctx, 1, conv.ConversationID)
	if err != nil {
		t.Fatalf("placeholder: %v", err)
	}

	got, err := repo.GetAssistantTurn(ctx, 1, at.TurnID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || !got.Processing {
		t.Fatalf("status=%q processing=%v", got.Status, got.Processing)
	}
	if len(got.Stage1) != 0 || len(got.Stage2) != 0 || !got.Stage3.IsZero() {
		t.Fatalf("stages should be empty: %+v", got)
	}
	if got.FinalContent != "" || got.Error != nil {
		t.Fatalf("final=%q err=%v", got.FinalContent, got.Error)
	}
}

func TestCreateAssistantPlaceholder_RejectsSecondInFlight(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	at, err := repo.CreateAssistantPlaceholder(ctx, 1, conv.ConversationID)
	if err != nil {
		t.Fatalf("first placeholder: %v", err)
	}
	if _, err := repo.CreateAssistantPlaceholder(ctx, 1, conv.ConversationID); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}

	// After a terminal transition a new turn may start.
	if err := repo.Finish(ctx, 1, at.TurnID, conv.ConversationID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := repo.CreateAssistantPlaceholder(ctx, 1, conv.ConversationID); err != nil {
		t.Fatalf("placeholder after finish: %v", err)
	}
}

func TestBeginTurn_CreatesBothSidesTogether(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	ref := "inline:image/png;sha256:abc"
	turn, at, err := repo.BeginTurn(ctx, 1, conv.ConversationID, "look", nil, &ref, KindImage)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if turn.ImageRef == nil || *turn.ImageRef != ref {
		t.Fatalf("image ref: %v", turn.ImageRef)
	}
	if at.Status != StatusPending || !at.Processing {
		t.Fatalf("placeholder: %+v", at)
	}

	turns, assistant, _ := repo.ListTurns(ctx, 1, conv.ConversationID, 0)
	if len(turns) != 1 || len(assistant) != 1 {
		t.Fatalf("turns=%d assistant=%d", len(turns), len(assistant))
	}
}

func TestBeginTurn_InFlightRejectionStoresNothing(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	if _, _, err := repo.BeginTurn(ctx, 1, conv.ConversationID, "first", nil, nil, KindText); err != nil {
		t.Fatalf("first begin: %v", err)
	}
	if _, _, err := repo.BeginTurn(ctx, 1, conv.ConversationID, "second", nil, nil, KindText); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}

	// The rejection rolls back the whole transaction: no second user turn.
	turns, assistant, _ := repo.ListTurns(ctx, 1, conv.ConversationID, 0)
	if len(turns) != 1 || turns[0].Content != "first" {
		t.Fatalf("turns: %+v", turns)
	}
	if len(assistant) != 1 {
		t.Fatalf("assistant turns: %d", len(assistant))
	}
}

func TestBeginTurn_NonOwnerGetsNotFound(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	if _, _, err := repo.BeginTurn(ctx, 2, conv.ConversationID, "hi", nil, nil, KindText); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found for non-owner, got %v", err)
	}
	turns, assistant, _ := repo.ListTurns(ctx, 1, conv.ConversationID, 0)
	if len(turns) != 0 || len(assistant) != 0 {
		t.Fatalf("non-owner begin stored rows: turns=%d assistant=%d", len(turns), len(assistant))
	}
}

func TestStageTransitions_PopulateInOrder(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)
	at, _ := repo.CreateAssistantPlaceholder(ctx, 1, conv.ConversationID)

	stage1 := StageOneList{{Model: "a", Response: "ra"}, {Model: "b", Response: "rb"}}
	if err := repo.SetStage1(ctx, 1, at.TurnID, stage1); err != nil {
		t.Fatalf("stage1: %v", err)
	}
	got, _ := repo.GetAssistantTurn(ctx, 1, at.TurnID)
	if got.Status != StatusPartial || len(got.Stage1) != 2 || got.Stage1[0].Model != "a" {
		t.Fatalf("after stage1: %+v", got)
	}
	if !got.Processing {
		t.Fatal("stage transitions must not terminate the turn")
	}

	stage2 := StageTwoList{{Model: "a", Ranking: "1. b", ParsedRanking: []string{"b", "a"}}}
	if err := repo.SetStage2(ctx, 1, at.TurnID, stage2, json.RawMessage(`{"winner":"b"}`)); err != nil {
		t.Fatalf("stage2: %v", err)
	}
	got, _ = repo.GetAssistantTurn(ctx, 1, at.TurnID)
	if len(got.Stage2) != 1 || got.Stage2[0].ParsedRanking[0] != "b" {
		t.Fatalf("after stage2: %+v", got)
	}
	if len(got.Stage1) != 2 {
		t.Fatal("stage2 must not clear stage1")
	}

	if err := repo.SetStage3(ctx, 1, at.TurnID, StageThree{Model: "x", Response: "4"}, "4"); err != nil {
		t.Fatalf("stage3: %v", err)
	}
	got, _ = repo.GetAssistantTurn(ctx, 1, at.TurnID)
	if got.Stage3.Response != "4" || got.FinalContent != "4" {
		t.Fatalf("after stage3: %+v", got)
	}
}

func TestFinish_TerminalSuccess(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)
	at, _ := repo.CreateAssistantPlaceholder(ctx, 1, conv.ConversationID)

	_ = repo.SetStage3(ctx, 1, at.TurnID, StageThree{Model: "x", Response: "done"}, "done")
	if err := repo.Finish(ctx, 1, at.TurnID, conv.ConversationID); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, _ := repo.GetAssistantTurn(ctx, 1, at.TurnID)
	if got.Processing || got.Status != StatusComplete || got.Error != nil {
		t.Fatalf("after finish: %+v", got)
	}
	if got.FinalContent != "done" {
		t.Fatal("finish must leave content untouched")
	}
}

func TestFail_TerminalFailure(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)
	at, _ := repo.CreateAssistantPlaceholder(ctx, 1, conv.ConversationID)

	if err := repo.Fail(ctx, 1, at.TurnID, conv.ConversationID, "upstream down"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := repo.GetAssistantTurn(ctx, 1, at.TurnID)
	if got.Processing || got.Status != StatusError {
		t.Fatalf("after fail: %+v", got)
	}
	if got.Error == nil || *got.Error != "upstream down" {
		t.Fatalf("error=%v", got.Error)
	}
	if got.FinalContent != "Error: upstream down" {
		t.Fatalf("final=%q", got.FinalContent)
	}
}

func TestOwnership_NonOwnerGetsNotFound(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)
	at, _ := repo.CreateAssistantPlaceholder(ctx, 1, conv.ConversationID)

	if err := repo.SetStage1(ctx, 2, at.TurnID, StageOneList{{Model: "a", Response: "r"}}); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found for non-owner, got %v", err)
	}
	if err := repo.SetConversationTitle(ctx, 2, conv.ConversationID, "hijack"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found for non-owner, got %v", err)
	}
	if _, err := repo.CreateUserTurn(ctx, 2, conv.ConversationID, "hi", nil, nil, KindText); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found for non-owner, got %v", err)
	}

	// No effect on the record.
	got, _ := repo.GetAssistantTurn(ctx, 1, at.TurnID)
	if len(got.Stage1) != 0 {
		t.Fatal("non-owner write mutated the record")
	}
}

func TestCreateUserTurn_BumpsConversationActivity(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	turn, err := repo.CreateUserTurn(ctx, 1, conv.ConversationID, "What is 2+2?", []string{"file-1"}, nil, KindText)
	if err != nil {
		t.Fatalf("user turn: %v", err)
	}
	if turn.Kind != KindText || len(turn.AttachmentRefs) != 1 {
		t.Fatalf("turn: %+v", turn)
	}

	turns, _, err := repo.ListTurns(ctx, 1, conv.ConversationID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "What is 2+2?" {
		t.Fatalf("turns: %+v", turns)
	}
}

func TestSetVisionAnalysis_AttachesToUserTurn(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	turn, _ := repo.CreateUserTurn(ctx, 1, conv.ConversationID, "what is this", nil, nil, KindImageText)
	if err := repo.SetVisionAnalysis(ctx, 1, turn.TurnID, "vision-model", "a cat"); err != nil {
		t.Fatalf("vision: %v", err)
	}

	turns, _, _ := repo.ListTurns(ctx, 1, conv.ConversationID, 0)
	if turns[0].VisionModel == nil || *turns[0].VisionAnalysis != "a cat" {
		t.Fatalf("vision fields: %+v", turns[0])
	}
}
