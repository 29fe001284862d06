package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/invest-assistant/internal/dispatch"
	"github.com/NikhilSetiya/invest-assistant/internal/feedback"
	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/resilience"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// CommandDispatcher handles one user command
type CommandDispatcher interface {
	Handle(ctx context.Context, cmd dispatch.Command) (*dispatch.RoutingResult, error)
}

// ExpertStore is the data the read and feedback endpoints need
type ExpertStore interface {
	ListExperts(ctx context.Context) ([]types.Expert, error)
	UpdateFeedbackRecord(ctx context.Context, requestID string, quality, satisfaction *float64) (*types.FeedbackRecord, error)
}

// CommandRequest accepts both snake_case and camelCase field names
type CommandRequest struct {
	Query       string                 `json:"query"`
	Command     string                 `json:"command"`
	UserID      string                 `json:"user_id"`
	UserIDCamel string                 `json:"userId"`
	Context     map[string]interface{} `json:"context"`
}

func (r CommandRequest) toCommand() dispatch.Command {
	query := r.Query
	if strings.TrimSpace(query) == "" {
		query = r.Command
	}
	userID := r.UserID
	if userID == "" {
		userID = r.UserIDCamel
	}
	return dispatch.Command{Query: query, UserID: userID, Context: r.Context}
}

// FeedbackRequest rates an answered command on a 1..5 scale
type FeedbackRequest struct {
	RequestID        string   `json:"request_id" binding:"required"`
	ResponseQuality  *float64 `json:"response_quality"`
	UserSatisfaction *float64 `json:"user_satisfaction"`
}

func (r FeedbackRequest) validate() error {
	if r.ResponseQuality == nil && r.UserSatisfaction == nil {
		return errors.NewValidationError("response_quality or user_satisfaction is required")
	}
	for name, v := range map[string]*float64{
		"response_quality":  r.ResponseQuality,
		"user_satisfaction": r.UserSatisfaction,
	} {
		if v != nil && (*v < 1 || *v > 5) {
			return errors.NewValidationError(fmt.Sprintf("%s must be between 1 and 5", name))
		}
	}
	return nil
}

// Handler serves the command and inspection endpoints
type Handler struct {
	dispatcher CommandDispatcher
	store      ExpertStore
	health     *resilience.HealthRegistry
	feedback   dispatch.FeedbackQueue
	logger     *logging.Logger
}

// NewHandler creates a handler. health and queue may be nil.
func NewHandler(dispatcher CommandDispatcher, store ExpertStore, health *resilience.HealthRegistry, queue dispatch.FeedbackQueue) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		store:      store,
		health:     health,
		feedback:   queue,
		logger:     logging.GetLogger(),
	}
}

// HandleCommand routes and answers a command. Downstream failures still
// answer 200 with a degraded result; only malformed input is an error.
func (h *Handler) HandleCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "request body must be a JSON object")
		return
	}

	cmd := req.toCommand()
	if userID, ok := GetCurrentUserID(c); ok {
		cmd.UserID = userID
	}

	result, err := h.dispatcher.Handle(c.Request.Context(), cmd)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SubmitFeedback stores the user's rating and queues a score update
func (h *Handler) SubmitFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "request_id is required")
		return
	}
	if err := req.validate(); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	record, err := h.store.UpdateFeedbackRecord(c.Request.Context(), req.RequestID, req.ResponseQuality, req.UserSatisfaction)
	if err != nil {
		if !errors.IsNotFound(err) {
			h.logger.WithContext(c.Request.Context()).WithError(err).Error("Failed to update feedback record")
		}
		ErrorResponseFromError(c, err)
		return
	}

	queued := false
	if h.feedback != nil && !record.FallbackUsed {
		queued = h.feedback.Submit(feedback.Job{
			RequestID: record.RequestID,
			Expert:    record.ExpertName,
			Feedback:  feedback.FromRecord(record),
		})
	}

	AcceptedResponse(c, gin.H{
		"request_id": record.RequestID,
		"expert":     record.ExpertName,
		"queued":     queued,
	})
}

// ListExperts returns every registered expert
func (h *Handler) ListExperts(c *gin.Context) {
	experts, err := h.store.ListExperts(c.Request.Context())
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, experts)
}

// ListCircuits returns the health of every dependency seen so far
func (h *Handler) ListCircuits(c *gin.Context) {
	if h.health == nil {
		SuccessResponse(c, []resilience.ServiceHealth{})
		return
	}
	SuccessResponse(c, h.health.All())
}

// CommandPreflight answers OPTIONS requests that reach the router without
// an Origin header
func CommandPreflight(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
	c.Status(http.StatusNoContent)
}
