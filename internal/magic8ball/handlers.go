package magic8ball

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/magic8ball/internal/logging"
	"github.com/mbd888/magic8ball/internal/validation"
)

// Handler provides HTTP endpoints for the registry.
type Handler struct {
	service *Service
}

// NewHandler creates a new registry handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/questions", h.ListQuestions)
	r.GET("/questions/:id", h.GetQuestion)
	r.GET("/questions/:id/can-answer/:address", validation.AddressParamMiddleware("address"), h.CanAnswer)
	r.GET("/registry", h.GetStatus)
	r.GET("/events", h.ListEvents)
}

// RegisterProtectedRoutes sets up routes that act on behalf of the
// authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/questions", h.AskQuestion)
	r.POST("/questions/:id/answer", h.AnswerQuestion)
	r.POST("/questions/:id/oracles", h.AssignOracles)
	r.DELETE("/questions/:id/oracles", h.RemoveOracles)
	r.POST("/registry/pause", h.Pause)
	r.POST("/registry/unpause", h.Unpause)
}

// AskRequestBody is the JSON body for POST /v1/questions.
type AskRequestBody struct {
	TokenContract  string   `json:"tokenContract" binding:"required"`
	BountyAmount   string   `json:"bountyAmount" binding:"required"`
	Content        string   `json:"content"`
	AllowedOracles []string `json:"allowedOracles"`
}

// AnswerRequestBody is the JSON body for POST /v1/questions/:id/answer.
type AnswerRequestBody struct {
	Answer string `json:"answer"`
}

// OraclesRequestBody is the JSON body for oracle assignment and removal.
type OraclesRequestBody struct {
	Oracles []string `json:"oracles" binding:"required"`
}

// AskQuestion handles POST /v1/questions
func (h *Handler) AskQuestion(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}

	var req AskRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("tokenContract", req.TokenContract),
		validation.ValidAmount("bountyAmount", req.BountyAmount),
		validation.MaxLength("content", req.Content, validation.MaxContentLength),
		validation.ValidAddressList("allowedOracles", req.AllowedOracles),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	amount, _ := validation.ParseAmount(req.BountyAmount)
	oracles, _ := validation.ParseAddresses(req.AllowedOracles)

	q, err := h.service.Ask(c.Request.Context(), caller, AskRequest{
		TokenContract:  common.HexToAddress(req.TokenContract),
		BountyAmount:   amount,
		Content:        req.Content,
		AllowedOracles: oracles,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("question asked",
		"question", q.ID, "asker", caller.Hex(), "bounty", q.BountyAmount.String())
	c.JSON(http.StatusCreated, gin.H{"question": q})
}

// GetQuestion handles GET /v1/questions/:id
func (h *Handler) GetQuestion(c *gin.Context) {
	id, ok := questionID(c)
	if !ok {
		return
	}

	q, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"question": q})
}

// ListQuestions handles GET /v1/questions
func (h *Handler) ListQuestions(c *gin.Context) {
	var filter ListFilter
	if a := c.Query("asker"); a != "" {
		addr, ok := validation.ParseAddress(a)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "asker: must be a valid Ethereum address"})
			return
		}
		filter.Asker = &addr
	}
	filter.Offset = queryInt(c, "offset", 0)
	filter.Limit = queryInt(c, "limit", DefaultListLimit)

	questions, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions, "count": len(questions)})
}

// AnswerQuestion handles POST /v1/questions/:id/answer
func (h *Handler) AnswerQuestion(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	id, ok := questionID(c)
	if !ok {
		return
	}

	var req AnswerRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("answer", req.Answer, validation.MaxContentLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	q, err := h.service.Answer(c.Request.Context(), id, req.Answer, caller)
	if err != nil {
		writeError(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("question answered",
		"question", q.ID, "oracle", caller.Hex(), "bounty", q.BountyAmount.String())
	c.JSON(http.StatusOK, gin.H{"question": q})
}

// AssignOracles handles POST /v1/questions/:id/oracles
func (h *Handler) AssignOracles(c *gin.Context) {
	h.updateOracles(c, h.service.AssignOracles)
}

// RemoveOracles handles DELETE /v1/questions/:id/oracles
func (h *Handler) RemoveOracles(c *gin.Context) {
	h.updateOracles(c, h.service.RemoveOracles)
}

type oracleUpdate func(ctx context.Context, id uint64, oracles []common.Address, caller common.Address) (*Question, error)

func (h *Handler) updateOracles(c *gin.Context, update oracleUpdate) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	id, ok := questionID(c)
	if !ok {
		return
	}

	var req OraclesRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddressList("oracles", req.Oracles),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	oracles, _ := validation.ParseAddresses(req.Oracles)

	q, err := update(c.Request.Context(), id, oracles, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"question": q})
}

// CanAnswer handles GET /v1/questions/:id/can-answer/:address
func (h *Handler) CanAnswer(c *gin.Context) {
	id, ok := questionID(c)
	if !ok {
		return
	}
	addr := common.HexToAddress(c.Param("address"))

	allowed, err := h.service.CanAnswer(c.Request.Context(), addr, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"questionId": id, "address": addr, "canAnswer": allowed})
}

// GetStatus handles GET /v1/registry
func (h *Handler) GetStatus(c *gin.Context) {
	st, err := h.service.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registry": st})
}

// ListEvents handles GET /v1/events
func (h *Handler) ListEvents(c *gin.Context) {
	var after uint64
	if a := c.Query("after"); a != "" {
		parsed, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "after: must be a non-negative integer"})
			return
		}
		after = parsed
	}

	events, err := h.service.Events(c.Request.Context(), after, queryInt(c, "limit", DefaultListLimit))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Pause handles POST /v1/registry/pause
func (h *Handler) Pause(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	if err := h.service.Pause(c.Request.Context(), caller); err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Warn("registry paused", "by", caller.Hex())
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// Unpause handles POST /v1/registry/unpause
func (h *Handler) Unpause(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	if err := h.service.Unpause(c.Request.Context(), caller); err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("registry unpaused", "by", caller.Hex())
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func questionID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "id: must be a non-negative integer"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}

func callerAddress(c *gin.Context) (common.Address, bool) {
	addr, ok := validation.ParseAddress(c.GetString("authAddr"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "Signed request required"})
		return common.Address{}, false
	}
	return addr, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()
	switch {
	case errors.Is(err, ErrQuestionNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorizedOracle):
		status, code = http.StatusForbidden, "unauthorized_oracle"
	case errors.Is(err, ErrUnauthorizedOracleManagement):
		status, code = http.StatusForbidden, "unauthorized_oracle_management"
	case errors.Is(err, ErrNotOwner):
		status, code = http.StatusForbidden, "not_owner"
	case errors.Is(err, ErrAlreadyAnswered):
		status, code = http.StatusConflict, "already_answered"
	case errors.Is(err, ErrRegistryPaused):
		status, code = http.StatusConflict, "registry_paused"
	case errors.Is(err, ErrNotPaused):
		status, code = http.StatusConflict, "not_paused"
	case errors.Is(err, ErrInsufficientAuthorization):
		status, code = http.StatusBadRequest, "insufficient_authorization"
	case errors.Is(err, ErrInsufficientBalance):
		status, code = http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrUnknownToken):
		status, code = http.StatusBadRequest, "unknown_token"
	default:
		logging.L(c.Request.Context()).Error("registry request failed", "path", c.FullPath(), "error", err)
		message = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
