package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/consilium-chat/consilium/internal/common"
	"github.com/consilium-chat/consilium/internal/council"
	"github.com/consilium-chat/consilium/internal/ratelimit"
)

type createConversationReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createConversationReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	conv, err := h.Repo.CreateConversation(c.Request.Context(), uid, req.Title)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create conversation")
		return
	}
	common.OK(c, gin.H{"conversation_id": conv.ConversationID, "title": conv.Title})
}

func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	convs, err := h.Repo.ListConversations(c.Request.Context(), uid, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list conversations")
		return
	}
	common.OK(c, gin.H{"conversations": convs})
}

func (h *Handler) ListTurns(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	turns, assistant, err := h.Repo.ListTurns(c.Request.Context(), uid, c.Param("conversation_id"), limit)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "conversation not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list turns")
		return
	}
	common.OK(c, gin.H{"turns": turns, "assistant_turns": assistant})
}

type runCouncilReq struct {
	ConversationID string                `json:"conversation_id" binding:"required"`
	Content        string                `json:"content"`
	Context        string                `json:"context"`
	AttachmentRefs []string              `json:"attachment_refs"`
	CouncilMembers []string              `json:"council_members"`
	ChairmanModel  string                `json:"chairman_model"`
	ImageData      *council.ImagePayload `json:"image_data"`
}

func (r runCouncilReq) toRunRequest(uid uint64) council.RunRequest {
	return council.RunRequest{
		UserID:         uid,
		ConversationID: r.ConversationID,
		Content:        r.Content,
		Context:        r.Context,
		AttachmentRefs: r.AttachmentRefs,
		CouncilMembers: r.CouncilMembers,
		ChairmanModel:  r.ChairmanModel,
		Image:          r.ImageData,
	}
}

// RunCouncil executes a council turn and relays pipeline progress to the
// caller as outbound SSE frames while the record is persisted stage by
// stage.
func (h *Handler) RunCouncil(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req runCouncilReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Content == "" && req.ImageData == nil {
		common.Fail(c, http.StatusBadRequest, 10002, "content or image_data required")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"flusher not supported\"}\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	ctx := c.Request.Context()
	runReq := req.toRunRequest(uid)

	evCh := make(chan council.Event, 16)
	resCh := make(chan *council.RunResult, 1)
	errCh := make(chan error, 1)

	runReq.OnEvent = func(ev council.Event) {
		select {
		case evCh <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		res, err := h.Svc.Run(ctx, runReq)
		close(evCh)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-evCh:
			if !open {
				evCh = nil
				continue
			}
			writeJSON("progress", relayPayload(ev))

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case err := <-errCh:
			writeJSON("error", gin.H{"type": "error", "message": preRunErrorMessage(err)})
			return

		case res := <-resCh:
			writeJSON("done", res)
			return

		case <-ctx.Done():
			return
		}
	}
}

// relayPayload shapes one pipeline event for the outbound stream. Stage
// bodies are re-emitted as stored, never the raw gateway frame.
func relayPayload(ev council.Event) gin.H {
	payload := gin.H{"type": ev.Type}
	switch ev.Kind {
	case council.EventStage1:
		payload["data"] = ev.Stage1
	case council.EventStage2:
		payload["data"] = ev.Stage2
		if len(ev.Stage2Aggregate) > 0 {
			payload["metadata"] = json.RawMessage(ev.Stage2Aggregate)
		}
	case council.EventStage3:
		payload["data"] = ev.Stage3
	case council.EventTitle:
		payload["data"] = gin.H{"title": ev.Title}
	case council.EventVision:
		payload["data"] = gin.H{"model": ev.VisionModel, "analysis": ev.VisionAnalysis}
	}
	return payload
}

// preRunErrorMessage maps failures that happen before the pipeline record
// exists onto short client-facing strings.
func preRunErrorMessage(err error) string {
	switch {
	case errors.Is(err, ratelimit.ErrLimitExceeded):
		return "rate limit exceeded, try again later"
	case errors.Is(err, council.ErrTurnInFlight):
		return "a turn is already running for this conversation"
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "conversation not found"
	case errors.Is(err, council.ErrUnauthorized):
		return "unauthorized"
	default:
		return "failed to run council"
	}
}

// RunCouncilAsync queues a council job and returns immediately; the worker
// replays it through the same orchestrator.
func (h *Handler) RunCouncilAsync(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req runCouncilReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Content == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "content required")
		return
	}

	// Fail fast on conversations the caller does not own.
	if _, err := h.Repo.GetOwnedConversation(c.Request.Context(), uid, req.ConversationID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "conversation not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &council.Job{
		ID:             jobID,
		UserID:         uid,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Context:        req.Context,
		CouncilMembers: req.CouncilMembers,
		ChairmanModel:  req.ChairmanModel,
		IdempotencyKey: idempoKeyPtr,
		Status:         council.JobQueued,
	}

	j, created, err := h.Repo.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		h.Log.Error("create job failed", "user_id", uid, "conversation_id", req.ConversationID, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			h.Log.Error("publish job failed", "job_id", j.ID, "err", err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetCouncilJob(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.Repo.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":              j.ID,
			"conversation_id": j.ConversationID,
			"status":          j.Status,
			"result_turn_id":  j.ResultTurnID,
			"error":           j.Error,
			"created_at":      j.CreatedAt,
			"updated_at":      j.UpdatedAt,
		},
	})
}

// GetAssistantTurn lets clients poll one pipeline record while or after it
// runs.
func (h *Handler) GetAssistantTurn(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	at, err := h.Repo.GetAssistantTurn(c.Request.Context(), uid, c.Param("turn_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "turn not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"turn": at})
}
