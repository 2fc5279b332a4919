package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/consilium-chat/consilium/internal/ratelimit"
	"github.com/consilium-chat/consilium/internal/vault"
)

// ErrUnauthorized means no caller identity was resolved. Nothing is
// persisted.
var ErrUnauthorized = errors.New("council: unauthorized")

const actionCouncilRun = "council_run"

// CredentialSource resolves a user's stored encrypted gateway key. nil, nil
// means no credential is configured.
type CredentialSource interface {
	EncryptedGatewayKey(ctx context.Context, userID uint64) (*string, error)
}

// Service drives one council turn end to end: rate limit, persist the user
// turn and the pending assistant record, stream the gateway pipeline, and
// apply exactly one terminal transition.
type Service struct {
	repo    *Repo
	gateway Streamer
	vault   *vault.Vault
	limiter ratelimit.Limiter
	creds   CredentialSource
	log     *slog.Logger

	rateLimit  int
	rateWindow time.Duration
}

func NewService(repo *Repo, gateway Streamer, v *vault.Vault, limiter ratelimit.Limiter, creds CredentialSource, log *slog.Logger, rateLimit int, rateWindow time.Duration) *Service {
	if rateLimit <= 0 {
		rateLimit = 5
	}
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:       repo,
		gateway:    gateway,
		vault:      v,
		limiter:    limiter,
		creds:      creds,
		log:        log,
		rateLimit:  rateLimit,
		rateWindow: rateWindow,
	}
}

// RunRequest is one council turn invocation.
type RunRequest struct {
	UserID         uint64
	ConversationID string
	Content        string
	Context        string // extracted file content etc., shown to the model only
	AttachmentRefs []string
	Image          *ImagePayload
	CouncilMembers []string
	ChairmanModel  string

	// OnEvent, when set, observes each dispatched event after its store
	// transition has been applied. Used by the live SSE relay.
	OnEvent func(Event)
}

// RunResult is the caller-visible outcome. Error is a short human-readable
// message, never raw credential or exception state.
type RunResult struct {
	Success        bool   `json:"success"`
	TurnID         string `json:"turn_id,omitempty"`
	UserTurnID     string `json:"user_turn_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Run executes one council turn. Failures before the assistant placeholder
// exists (unauthorized, rate limit, unknown conversation, turn in flight)
// return an error and store nothing, the user turn included. Every failure
// after that point routes through exactly one Fail transition and comes back
// as a Success=false result, so the stored record never stays processing.
func (s *Service) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.UserID == 0 {
		return nil, ErrUnauthorized
	}

	identifier := fmt.Sprintf("user:%d", req.UserID)
	if err := s.limiter.Check(ctx, identifier, actionCouncilRun, s.rateLimit, s.rateWindow); err != nil {
		return nil, err
	}

	kind := classifyKind(req.Content, req.Image)
	var imageRef *string
	if req.Image != nil {
		ref := req.Image.Ref()
		imageRef = &ref
	}
	userTurn, at, err := s.repo.BeginTurn(ctx, req.UserID, req.ConversationID, req.Content, req.AttachmentRefs, imageRef, kind)
	if err != nil {
		return nil, err
	}

	apiKey := s.resolveCredential(ctx, req.UserID)

	attachmentType := ""
	if kind != KindText {
		attachmentType = string(kind)
	}
	streamReq := StreamRequest{
		Content:        req.Content,
		Context:        req.Context,
		CouncilMembers: req.CouncilMembers,
		ChairmanModel:  req.ChairmanModel,
		Image:          req.Image,
		AttachmentType: attachmentType,
		APIKey:         apiKey,
	}

	// Cancelling on every exit unblocks the gateway reader if dispatch
	// aborts mid-stream.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errs := s.gateway.Stream(sctx, streamReq)

	for ev := range events {
		if ev.Kind == EventError {
			return s.failTurn(ctx, req, at, userTurn, ev.Message), nil
		}
		if err := s.dispatch(ctx, req, userTurn, at, ev); err != nil {
			s.log.Error("pipeline transition failed", "turn_id", at.TurnID, "event", ev.Type, "err", err)
			return s.failTurn(ctx, req, at, userTurn, "failed to persist pipeline state"), nil
		}
		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}

	if err := <-errs; err != nil {
		return s.failTurn(ctx, req, at, userTurn, failureMessage(err)), nil
	}

	if err := s.repo.Finish(ctx, req.UserID, at.TurnID, req.ConversationID); err != nil {
		s.log.Error("finish transition failed", "turn_id", at.TurnID, "err", err)
		return s.failTurn(ctx, req, at, userTurn, "failed to finalize turn"), nil
	}

	return &RunResult{
		Success:        true,
		TurnID:         at.TurnID,
		UserTurnID:     userTurn.TurnID,
		ConversationID: req.ConversationID,
	}, nil
}

// dispatch applies the single store transition for one event, in arrival
// order. Unknown kinds are ignored.
func (s *Service) dispatch(ctx context.Context, req RunRequest, userTurn *Turn, at *AssistantTurn, ev Event) error {
	switch ev.Kind {
	case EventStage1:
		return s.repo.SetStage1(ctx, req.UserID, at.TurnID, ev.Stage1)
	case EventStage2:
		return s.repo.SetStage2(ctx, req.UserID, at.TurnID, ev.Stage2, ev.Stage2Aggregate)
	case EventStage3:
		return s.repo.SetStage3(ctx, req.UserID, at.TurnID, ev.Stage3, ev.Stage3.Response)
	case EventTitle:
		return s.repo.SetConversationTitle(ctx, req.UserID, req.ConversationID, ev.Title)
	case EventVision:
		return s.repo.SetVisionAnalysis(ctx, req.UserID, userTurn.TurnID, ev.VisionModel, ev.VisionAnalysis)
	default:
		return nil
	}
}

// failTurn applies the terminal failure transition. Every caller returns
// immediately afterwards, so it runs at most once per turn. The write uses a
// detached context: a cancelled caller must not leave the record processing.
func (s *Service) failTurn(ctx context.Context, req RunRequest, at *AssistantTurn, userTurn *Turn, msg string) *RunResult {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.repo.Fail(dctx, req.UserID, at.TurnID, req.ConversationID, msg); err != nil {
		s.log.Error("fail transition did not apply", "turn_id", at.TurnID, "err", err)
	}
	return &RunResult{
		Success:        false,
		TurnID:         at.TurnID,
		UserTurnID:     userTurn.TurnID,
		ConversationID: req.ConversationID,
		Error:          msg,
	}
}

func (s *Service) resolveCredential(ctx context.Context, userID uint64) string {
	if s.creds == nil || s.vault == nil {
		return ""
	}
	stored, err := s.creds.EncryptedGatewayKey(ctx, userID)
	if err != nil {
		s.log.Warn("credential lookup failed, proceeding without key", "user_id", userID)
		return ""
	}
	if stored == nil || *stored == "" {
		return ""
	}
	key, err := s.vault.Decrypt(*stored)
	if err != nil {
		// Treated as absent: the gateway makes the final authorization call.
		s.log.Warn("credential decrypt failed, proceeding without key", "user_id", userID)
		return ""
	}
	return key
}

func classifyKind(content string, image *ImagePayload) Kind {
	switch {
	case image != nil && content != "":
		return KindImageText
	case image != nil:
		return KindImage
	default:
		return KindText
	}
}

// failureMessage collapses transport failures into the short user-facing
// strings the UI shows; gateway status errors keep their detail so the
// caller can see what the upstream said.
func failureMessage(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return "connection to council gateway failed"
	default:
		return err.Error()
	}
}

// RunJob replays a queued job through Run and records the outcome on the
// job row. Used by the async worker.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	_ = s.repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	res, err := s.Run(ctx, RunRequest{
		UserID:         j.UserID,
		ConversationID: j.ConversationID,
		Content:        j.Content,
		Context:        j.Context,
		CouncilMembers: j.CouncilMembers,
		ChairmanModel:  j.ChairmanModel,
	})
	if err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}
	if !res.Success {
		return s.repo.MarkJobFailed(ctx, jobID, res.Error)
	}
	return s.repo.MarkJobSucceeded(ctx, jobID, res.TurnID)
}
