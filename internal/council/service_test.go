package council

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/consilium-chat/consilium/internal/ratelimit"
	"github.com/consilium-chat/consilium/internal/vault"
)

// scriptedStreamer replays a fixed event sequence and records the request it
// was given.
type scriptedStreamer struct {
	events []Event
	err    error
	last   StreamRequest
}

func (s *scriptedStreamer) Stream(ctx context.Context, req StreamRequest) (<-chan Event, <-chan error) {
	s.last = req
	events := make(chan Event, len(s.events))
	errs := make(chan error, 1)
	for _, ev := range s.events {
		events <- ev
	}
	if s.err != nil {
		errs <- s.err
	}
	close(events)
	close(errs)
	return events, errs
}

type staticCreds struct {
	stored *string
}

func (c *staticCreds) EncryptedGatewayKey(ctx context.Context, userID uint64) (*string, error) {
	return c.stored, nil
}

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestService(t *testing.T, repo *Repo, streamer Streamer, creds CredentialSource, limit int) *Service {
	t.Helper()
	v, err := vault.New(testVaultKey, vault.ModeDev, nil)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	if creds == nil {
		creds = &staticCreds{}
	}
	return NewService(repo, streamer, v, ratelimit.NewMemoryLimiter(), creds, nil, limit, time.Minute)
}

func successEvents() []Event {
	return []Event{
		{Kind: EventStage1, Type: "stage1_complete", Stage1: []StageOneEntry{
			{Model: "a", Response: "ra"}, {Model: "b", Response: "rb"},
		}},
		{Kind: EventStage2, Type: "stage2_complete", Stage2: []StageTwoEntry{
			{Model: "a", Ranking: "1. b", ParsedRanking: []string{"b", "a"}},
			{Model: "b", Ranking: "1. b", ParsedRanking: []string{"b", "a"}},
		}},
		{Kind: EventStage3, Type: "stage3_complete", Stage3: StageThree{Model: "x", Response: "4"}},
	}
}

func TestRun_SuccessfulPipeline(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	streamer := &scriptedStreamer{events: successEvents()}
	svc := newTestService(t, repo, streamer, nil, 5)

	res, err := svc.Run(ctx, RunRequest{
		UserID:         1,
		ConversationID: conv.ConversationID,
		Content:        "What is 2+2?",
		Context:        "extracted file text",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || res.TurnID == "" {
		t.Fatalf("result: %+v", res)
	}

	got, err := repo.GetAssistantTurn(ctx, 1, res.TurnID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Stage1) != 2 || len(got.Stage2) != 2 || got.Stage3.Response != "4" {
		t.Fatalf("stages: %+v", got)
	}
	if got.FinalContent != "4" || got.Processing || got.Error != nil || got.Status != StatusComplete {
		t.Fatalf("terminal state: %+v", got)
	}

	// Stored user content stays undecorated; context travels only to the
	// gateway.
	turns, _, _ := repo.ListTurns(ctx, 1, conv.ConversationID, 0)
	if turns[0].Content != "What is 2+2?" {
		t.Fatalf("stored content %q", turns[0].Content)
	}
	if streamer.last.Context != "extracted file text" {
		t.Fatalf("gateway request context %q", streamer.last.Context)
	}
}

func TestRun_ErrorEventFailsTurn(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	streamer := &scriptedStreamer{events: []Event{
		{Kind: EventStage1, Type: "stage1_complete", Stage1: []StageOneEntry{{Model: "a", Response: "ra"}}},
		{Kind: EventError, Type: "error", Message: "council imploded"},
	}}
	svc := newTestService(t, repo, streamer, nil, 5)

	res, err := svc.Run(ctx, RunRequest{UserID: 1, ConversationID: conv.ConversationID, Content: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success || res.Error != "council imploded" {
		t.Fatalf("result: %+v", res)
	}

	got, _ := repo.GetAssistantTurn(ctx, 1, res.TurnID)
	if got.Processing || got.Status != StatusError {
		t.Fatalf("terminal state: %+v", got)
	}
	if got.Error == nil || *got.Error != "council imploded" {
		t.Fatalf("error: %v", got.Error)
	}
	if !strings.HasPrefix(got.FinalContent, "Error: ") {
		t.Fatalf("final: %q", got.FinalContent)
	}
	// Stage populated before the error stays.
	if len(got.Stage1) != 1 {
		t.Fatalf("stage1 lost: %+v", got)
	}
}

func TestRun_StreamErrorFailsTurn(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	streamer := &scriptedStreamer{err: errors.New("connection reset")}
	svc := newTestService(t, repo, streamer, nil, 5)

	res, err := svc.Run(ctx, RunRequest{UserID: 1, ConversationID: conv.ConversationID, Content: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success || res.Error != "connection reset" {
		t.Fatalf("result: %+v", res)
	}
	got, _ := repo.GetAssistantTurn(ctx, 1, res.TurnID)
	if got.Processing {
		t.Fatal("record left processing")
	}
}

func TestRun_TitleAndVisionEvents(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	events := append(successEvents(),
		Event{Kind: EventTitle, Type: "title_complete", Title: "Arithmetic"},
		Event{Kind: EventVision, Type: "vision_complete", VisionModel: "vm", VisionAnalysis: "a chart"},
		Event{Kind: EventUnknown, Type: "stage9_complete"},
	)
	svc := newTestService(t, repo, &scriptedStreamer{events: events}, nil, 5)

	res, err := svc.Run(ctx, RunRequest{
		UserID:         1,
		ConversationID: conv.ConversationID,
		Content:        "look",
		Image:          &ImagePayload{Data: "aGk=", MimeType: "image/png"},
	})
	if err != nil || !res.Success {
		t.Fatalf("run: res=%+v err=%v", res, err)
	}

	gotConv, _ := repo.GetOwnedConversation(ctx, 1, conv.ConversationID)
	if gotConv.Title != "Arithmetic" {
		t.Fatalf("title %q", gotConv.Title)
	}

	turns, _, _ := repo.ListTurns(ctx, 1, conv.ConversationID, 0)
	if turns[0].Kind != KindImageText {
		t.Fatalf("kind %q", turns[0].Kind)
	}
	if turns[0].VisionAnalysis == nil || *turns[0].VisionAnalysis != "a chart" {
		t.Fatalf("vision: %+v", turns[0])
	}
	want := (&ImagePayload{Data: "aGk=", MimeType: "image/png"}).Ref()
	if turns[0].ImageRef == nil || *turns[0].ImageRef != want {
		t.Fatalf("image ref: %v, want %q", turns[0].ImageRef, want)
	}
}

func TestRun_InFlightConversationStoresNothing(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	if _, err := repo.CreateAssistantPlaceholder(ctx, 1, conv.ConversationID); err != nil {
		t.Fatalf("seed placeholder: %v", err)
	}

	svc := newTestService(t, repo, &scriptedStreamer{events: successEvents()}, nil, 5)
	_, err := svc.Run(ctx, RunRequest{UserID: 1, ConversationID: conv.ConversationID, Content: "second"})
	if !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}

	// The rejection leaves no user turn behind, only the seeded record.
	turns, assistant, err := repo.ListTurns(ctx, 1, conv.ConversationID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("rejected run left %d stored user turn(s): %+v", len(turns), turns)
	}
	if len(assistant) != 1 {
		t.Fatalf("assistant turns: %d", len(assistant))
	}
}

func TestRun_RateLimitBlocksBeforeAnyEffect(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	svc := newTestService(t, repo, &scriptedStreamer{events: successEvents()}, nil, 5)

	for i := 0; i < 5; i++ {
		res, err := svc.Run(ctx, RunRequest{UserID: 1, ConversationID: conv.ConversationID, Content: "q"})
		if err != nil || !res.Success {
			t.Fatalf("run %d: res=%+v err=%v", i+1, res, err)
		}
	}

	_, err := svc.Run(ctx, RunRequest{UserID: 1, ConversationID: conv.ConversationID, Content: "q"})
	if !errors.Is(err, ratelimit.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	// The rejected call created nothing.
	turns, assistant, _ := repo.ListTurns(ctx, 1, conv.ConversationID, 0)
	if len(turns) != 5 || len(assistant) != 5 {
		t.Fatalf("turns=%d assistant=%d", len(turns), len(assistant))
	}
}

func TestRun_NoIdentityIsUnauthorized(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	svc := newTestService(t, repo, &scriptedStreamer{}, nil, 5)

	_, err := svc.Run(context.Background(), RunRequest{UserID: 0, ConversationID: "x", Content: "q"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRun_ForwardsDecryptedCredential(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	v, _ := vault.New(testVaultKey, vault.ModeDev, nil)
	enc, err := v.Encrypt("sk-byok-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	streamer := &scriptedStreamer{events: successEvents()}
	svc := newTestService(t, repo, streamer, &staticCreds{stored: &enc}, 5)

	if _, err := svc.Run(ctx, RunRequest{UserID: 1, ConversationID: conv.ConversationID, Content: "q"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if streamer.last.APIKey != "sk-byok-key" {
		t.Fatalf("api key %q", streamer.last.APIKey)
	}
}

func TestRun_UndecryptableCredentialIsTreatedAsAbsent(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	// Encrypted under a different key: decrypt fails authentication.
	other, _ := vault.New(strings.Repeat("ff", 32), vault.ModeDev, nil)
	enc, _ := other.Encrypt("sk-unreachable")

	streamer := &scriptedStreamer{events: successEvents()}
	svc := newTestService(t, repo, streamer, &staticCreds{stored: &enc}, 5)

	res, err := svc.Run(ctx, RunRequest{UserID: 1, ConversationID: conv.ConversationID, Content: "q"})
	if err != nil || !res.Success {
		t.Fatalf("decrypt failure must not abort the turn: res=%+v err=%v", res, err)
	}
	if streamer.last.APIKey != "" {
		t.Fatalf("api key should be absent, got %q", streamer.last.APIKey)
	}
}

func TestRun_GatewayHTTPErrorEndToEnd(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second, 30*time.Second, nil)
	svc := newTestService(t, repo, client, nil, 5)

	res, err := svc.Run(ctx, RunRequest{UserID: 1, ConversationID: conv.ConversationID, Content: "q"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.Error, "500") || !strings.Contains(res.Error, "upstream down") {
		t.Fatalf("error %q should carry status and body", res.Error)
	}

	got, _ := repo.GetAssistantTurn(ctx, 1, res.TurnID)
	if got.Processing || got.Error == nil {
		t.Fatalf("record: %+v", got)
	}
}

func TestRunJob_RecordsOutcome(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	conv := mustConversation(t, repo, 1)

	svc := newTestService(t, repo, &scriptedStreamer{events: successEvents()}, nil, 5)

	job := &Job{ID: "01JOBULID0000000000000000A", UserID: 1, ConversationID: conv.ConversationID, Content: "q", Status: JobQueued}
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}

	got, _ := repo.GetJobByID(ctx, job.ID)
	if got.Status != JobSucceeded || got.ResultTurnID == nil {
		t.Fatalf("job: %+v", got)
	}

	failing := &Job{ID: "01JOBULID0000000000000000B", UserID: 1, ConversationID: conv.ConversationID, Content: "q", Status: JobQueued}
	_ = repo.CreateJob(ctx, failing)
	svc2 := newTestService(t, repo, &scriptedStreamer{err: fmt.Errorf("gateway exploded")}, nil, 5)
	_ = svc2.RunJob(ctx, failing.ID)

	got, _ = repo.GetJobByID(ctx, failing.ID)
	if got.Status != JobFailed || got.Error == nil || *got.Error != "gateway exploded" {
		t.Fatalf("job: %+v", got)
	}
}
