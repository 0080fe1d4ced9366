package token

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/magic8ball/internal/validation"
)

// Handler provides HTTP endpoints for the token bank.
type Handler struct {
	bank *Bank
}

// NewHandler creates a new token handler.
func NewHandler(bank *Bank) *Handler {
	return &Handler{bank: bank}
}

// RegisterRoutes sets up public (read-only) token routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tokens", h.ListTokens)
	r.GET("/tokens/:token", validation.AddressParamMiddleware("token"), h.GetToken)
	r.GET("/tokens/:token/balances/:address", validation.AddressParamMiddleware("token", "address"), h.GetBalance)
	r.GET("/tokens/:token/allowances/:owner/:spender", validation.AddressParamMiddleware("token", "owner", "spender"), h.GetAllowance)
}

// RegisterProtectedRoutes sets up routes that act on behalf of the
// authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/tokens", h.DeployToken)
	r.POST("/tokens/:token/approve", validation.AddressParamMiddleware("token"), h.Approve)
	r.POST("/tokens/:token/transfer", validation.AddressParamMiddleware("token"), h.TransferTokens)
}

// DeployRequestBody is the JSON body for POST /v1/tokens.
type DeployRequestBody struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals *uint8 `json:"decimals"`
	Supply   string `json:"supply"`
}

// AmountRequest is the JSON body for approve and transfer.
type AmountRequest struct {
	Counterparty string `json:"counterparty"` // spender for approve, recipient for transfer
	Amount       string `json:"amount"`
}

// DeployToken handles POST /v1/tokens
func (h *Handler) DeployToken(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}

	var req DeployRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.Required("symbol", req.Symbol),
		validation.Required("supply", req.Supply),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	supply, ok := new(big.Int).SetString(req.Supply, 10)
	if !ok || supply.Sign() < 0 || supply.BitLen() > 256 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "supply: must be a non-negative integer"})
		return
	}
	decimals := uint8(DefaultDecimals)
	if req.Decimals != nil {
		decimals = *req.Decimals
	}

	info, err := h.bank.Deploy(c.Request.Context(), caller, DeployRequest{
		Name:     validation.SanitizeString(req.Name, 64),
		Symbol:   validation.SanitizeString(req.Symbol, 16),
		Decimals: decimals,
		Supply:   supply,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": info})
}

// ListTokens handles GET /v1/tokens
func (h *Handler) ListTokens(c *gin.Context) {
	tokens := h.bank.List(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"tokens": tokens, "count": len(tokens)})
}

// GetToken handles GET /v1/tokens/:token
func (h *Handler) GetToken(c *gin.Context) {
	info, err := h.bank.Info(c.Request.Context(), common.HexToAddress(c.Param("token")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": info})
}

// GetBalance handles GET /v1/tokens/:token/balances/:address
func (h *Handler) GetBalance(c *gin.Context) {
	holder := common.HexToAddress(c.Param("address"))
	bal, err := h.bank.BalanceOf(c.Request.Context(), common.HexToAddress(c.Param("token")), holder)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": holder, "balance": bal})
}

// GetAllowance handles GET /v1/tokens/:token/allowances/:owner/:spender
func (h *Handler) GetAllowance(c *gin.Context) {
	owner := common.HexToAddress(c.Param("owner"))
	spender := common.HexToAddress(c.Param("spender"))
	allowance, err := h.bank.Allowance(c.Request.Context(), common.HexToAddress(c.Param("token")), owner, spender)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "spender": spender, "allowance": allowance})
}

// Approve handles POST /v1/tokens/:token/approve
func (h *Handler) Approve(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	spender, amount, ok := bindAmountRequest(c)
	if !ok {
		return
	}

	tokenAddr := common.HexToAddress(c.Param("token"))
	if err := h.bank.Approve(c.Request.Context(), tokenAddr, caller, spender, amount); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"owner": caller, "spender": spender, "allowance": amount})
}

// TransferTokens handles POST /v1/tokens/:token/transfer
func (h *Handler) TransferTokens(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	to, amount, ok := bindAmountRequest(c)
	if !ok {
		return
	}

	tokenAddr := common.HexToAddress(c.Param("token"))
	if err := h.bank.Transfer(c.Request.Context(), tokenAddr, caller, to, amount); err != nil {
		writeError(c, err)
		return
	}

	bal, _ := h.bank.BalanceOf(c.Request.Context(), tokenAddr, caller)
	c.JSON(http.StatusOK, gin.H{"from": caller, "to": to, "amount": amount, "balance": bal})
}

func bindAmountRequest(c *gin.Context) (common.Address, *big.Int, bool) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return common.Address{}, nil, false
	}
	if errs := validation.Validate(
		validation.Required("counterparty", req.Counterparty),
		validation.ValidAddress("counterparty", req.Counterparty),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return common.Address{}, nil, false
	}
	amount, _ := validation.ParseAmount(req.Amount)
	return common.HexToAddress(req.Counterparty), amount, true
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
	switch {
	case errors.Is(err, ErrUnknownToken):
		status = http.StatusNotFound
		code = "unknown_token"
	case errors.Is(err, ErrInsufficientBalance):
		status = http.StatusBadRequest
		code = "insufficient_balance"
	case errors.Is(err, ErrInsufficientAllowance):
		status = http.StatusBadRequest
		code = "insufficient_allowance"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrZeroAddress):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
