package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/consilium-chat/consilium/internal/common"
)

type putCredentialReq struct {
	APIKey string `json:"api_key" binding:"required"`
}

// PutCredential encrypts and stores the caller's BYOK gateway key. The key
// is never echoed back; responses carry only a configured flag.
func (h *Handler) PutCredential(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req putCredentialReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		common.Fail(c, http.StatusBadRequest, 10005, "api_key required")
		return
	}

	enc, err := h.Vault.Encrypt(key)
	if err != nil {
		h.Log.Error("credential encrypt failed", "user_id", uid)
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to store credential")
		return
	}
	if err := h.Users.SetEncryptedGatewayKey(c.Request.Context(), uid, &enc); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to store credential")
		return
	}

	common.OK(c, gin.H{"configured": true})
}

func (h *Handler) GetCredentialStatus(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	stored, err := h.Users.EncryptedGatewayKey(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{"configured": stored != nil && *stored != ""})
}

func (h *Handler) DeleteCredential(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	if err := h.Users.SetEncryptedGatewayKey(c.Request.Context(), uid, nil); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to delete credential")
		return
	}
	common.OK(c, gin.H{"configured": false})
}
