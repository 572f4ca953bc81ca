package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/quote-approval/internal/application/service"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

const (
	headerLarkTimestamp = "X-Lark-Request-Timestamp"
	headerLarkNonce     = "X-Lark-Request-Nonce"
	headerLarkSignature = "X-Lark-Signature"
)

// ExternalEventRequest is a signed status notification from the external system
type ExternalEventRequest struct {
	ExternalReferenceID string    `json:"externalReferenceId" binding:"required"`
	ExternalStatus      string    `json:"externalStatus" binding:"required"`
	Timestamp           time.Time `json:"timestamp"`
	Signature           string    `json:"signature" binding:"required"`
	ActorID             string    `json:"actorId"`
	Comment             string    `json:"comment"`
}

// ExternalEvent handles POST /approvals/external-events
func (h *Handlers) ExternalEvent(c *gin.Context) {
	if h.services.Inbound == nil {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "external channel is not enabled"})
		return
	}

	var req ExternalEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body: " + err.Error()})
		return
	}

	if err := h.services.Verifier.VerifyExternal(req.Timestamp, req.ExternalReferenceID, req.ExternalStatus, req.Signature); err != nil {
		h.logger.Error("Rejected external event", "reference", req.ExternalReferenceID, "error", err)
		c.JSON(http.StatusUnauthorized, Response{Success: false, Error: "invalid signature"})
		return
	}

	result, err := h.services.Inbound.Handle(c.Request.Context(), service.ExternalEvent{
		ExternalReferenceID: req.ExternalReferenceID,
		ExternalStatus:      req.ExternalStatus,
		Timestamp:           req.Timestamp,
		ActorID:             req.ActorID,
		Comment:             req.Comment,
	})
	if err != nil {
		h.fail(c, "failed to handle external event", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// LarkEvent handles POST /lark/events, Lark's event subscription callback.
// Events that can never apply are acknowledged so Lark stops redelivering
// them; other failures return 500 and are retried by Lark.
func (h *Handlers) LarkEvent(c *gin.Context) {
	if h.services.Lark == nil {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "lark channel is not enabled"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "failed to read body"})
		return
	}

	plain, err := h.services.Verifier.Decrypt(body)
	if err != nil {
		h.logger.Error("Failed to decrypt Lark event", "error", err)
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "failed to decrypt event"})
		return
	}

	challenge, isChallenge, err := h.services.Verifier.VerifyChallenge(plain)
	if err != nil {
		h.fail(c, "invalid Lark event", err)
		return
	}
	if isChallenge {
		c.JSON(http.StatusOK, gin.H{"challenge": challenge})
		return
	}

	if !h.services.Verifier.VerifyLarkSignature(
		c.GetHeader(headerLarkTimestamp),
		c.GetHeader(headerLarkNonce),
		c.GetHeader(headerLarkSignature),
		body,
	) {
		h.logger.Error("Lark event signature mismatch", "path", c.Request.URL.Path)
		c.JSON(http.StatusUnauthorized, Response{Success: false, Error: "invalid signature"})
		return
	}

	if _, err := h.services.Lark.ProcessEvent(c.Request.Context(), plain); err != nil {
		if errors.Is(err, workflow.ErrNotFound) || errors.Is(err, workflow.ErrValidation) {
			h.logger.Info("Ignoring Lark event", "error", err)
			c.JSON(http.StatusOK, gin.H{"msg": "ignored"})
			return
		}
		h.logger.Error("Failed to process Lark event", "error", err)
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "failed to process event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}
