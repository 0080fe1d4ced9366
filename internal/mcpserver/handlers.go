package mcpserver

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/magic8ball/internal/magic8ball"
	"github.com/mbd888/magic8ball/internal/validation"
)

const defaultToolLimit = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetQuestion describes one question.
func (h *Handlers) HandleGetQuestion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "question_id", true, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	q, err := h.client.GetQuestion(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get question: %v", err)), nil
	}
	return mcp.NewToolResultText(formatQuestion(q)), nil
}

// HandleListQuestions lists questions, optionally for one asker.
func (h *Handlers) HandleListQuestions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var asker *common.Address
	if a := req.GetString("asker", ""); a != "" {
		addr, err := addressArg(a, "asker")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		asker = &addr
	}
	offset, err := uintArg(req, "offset", false, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit, err := uintArg(req, "limit", false, defaultToolLimit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	questions, err := h.client.ListQuestions(ctx, asker, int(offset), int(limit))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list questions: %v", err)), nil
	}
	if len(questions) == 0 {
		return mcp.NewToolResultText("No questions found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d question(s):\n\n", len(questions))
	for _, q := range questions {
		state := "open"
		if q.Answered {
			state = "answered"
		}
		fmt.Fprintf(&sb, "#%d [%s] %s (bounty %s of %s)\n", q.ID, state, truncate(q.Content, 80), amountString(q.BountyAmount), q.TokenContract.Hex())
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCanAnswer checks oracle eligibility.
func (h *Handlers) HandleCanAnswer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "question_id", true, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	addr, err := addressArg(req.GetString("address", ""), "address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ok, err := h.client.CanAnswer(ctx, id, addr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check eligibility: %v", err)), nil
	}
	if ok {
		return mcp.NewToolResultText(fmt.Sprintf("%s can answer question #%d.", addr.Hex(), id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s cannot answer question #%d.", addr.Hex(), id)), nil
}

// HandleListEvents pages through the event log.
func (h *Handlers) HandleListEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	after, err := uintArg(req, "after", false, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit, err := uintArg(req, "limit", false, defaultToolLimit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	events, err := h.client.ListEvents(ctx, after, int(limit))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}
	if len(events) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No events after #%d.", after)), nil
	}

	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(formatEvent(ev))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nLast sequence number: %d", events[len(events)-1].Seq)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleTokenBalance returns a holder's token balance.
func (h *Handlers) HandleTokenBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tok, err := addressArg(req.GetString("token", ""), "token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	holder, err := addressArg(req.GetString("address", ""), "address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	bal, err := h.client.TokenBalance(ctx, tok, holder)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Balance of %s in token %s: %s", holder.Hex(), tok.Hex(), bal.String())), nil
}

// HandleRegistryStatus describes the registry.
func (h *Handlers) HandleRegistryStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.client.RegistryStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get registry status: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Magic8Ball registry:\n")
	fmt.Fprintf(&sb, "  Address: %s\n", st.Address.Hex())
	fmt.Fprintf(&sb, "  Owner:   %s\n", st.Owner.Hex())
	if st.Paused {
		sb.WriteString("  State:   PAUSED\n")
	} else {
		sb.WriteString("  State:   active\n")
	}
	fmt.Fprintf(&sb, "  Questions asked: %d\n", st.NextQuestionID)
	return mcp.NewToolResultText(sb.String()), nil
}

func formatQuestion(q *magic8ball.Question) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question #%d\n", q.ID)
	fmt.Fprintf(&sb, "  Asker:   %s\n", q.Asker.Hex())
	fmt.Fprintf(&sb, "  Content: %s\n", q.Content)
	fmt.Fprintf(&sb, "  Bounty:  %s of token %s\n", amountString(q.BountyAmount), q.TokenContract.Hex())

	if len(q.AllowedOracles) == 0 {
		sb.WriteString("  Oracles: none\n")
	} else {
		oracles := make([]string, len(q.AllowedOracles))
		for i, o := range q.AllowedOracles {
			oracles[i] = o.Hex()
		}
		fmt.Fprintf(&sb, "  Oracles: %s\n", strings.Join(oracles, ", "))
	}

	if q.Answered {
		fmt.Fprintf(&sb, "  Answer:  %s\n", q.Answer)
		if q.Oracle != nil {
			fmt.Fprintf(&sb, "  Answered by: %s\n", q.Oracle.Hex())
		}
	} else {
		sb.WriteString("  Status:  awaiting answer\n")
	}
	return sb.String()
}

func formatEvent(ev *magic8ball.Event) string {
	prefix := fmt.Sprintf("#%d %s", ev.Seq, ev.Type)
	switch ev.Type {
	case magic8ball.EventQuestionAsked:
		return fmt.Sprintf("%s question=%d asker=%s bounty=%s", prefix, derefID(ev.QuestionID), addrString(ev.Asker), amountString(ev.BountyAmount))
	case magic8ball.EventQuestionAnswered:
		return fmt.Sprintf("%s question=%d oracle=%s answer=%q", prefix, derefID(ev.QuestionID), addrString(ev.Oracle), truncate(ev.Answer, 80))
	default:
		return fmt.Sprintf("%s account=%s", prefix, addrString(ev.Account))
	}
}

// uintArg reads a non-negative integer argument. JSON numbers arrive as
// float64; numeric strings are accepted too.
func uintArg(req mcp.CallToolRequest, name string, required bool, def uint64) (uint64, error) {
	raw, ok := req.GetArguments()[name]
	if !ok || raw == nil {
		if required {
			return 0, fmt.Errorf("%s is required", name)
		}
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) || v > math.MaxInt32 {
			return 0, fmt.Errorf("%s must be a non-negative integer", name)
		}
		return uint64(v), nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a non-negative integer", name)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
}

func addressArg(s, name string) (common.Address, error) {
	if s == "" {
		return common.Address{}, fmt.Errorf("%s is required", name)
	}
	addr, ok := validation.ParseAddress(s)
	if !ok {
		return common.Address{}, fmt.Errorf("%s must be a valid Ethereum address", name)
	}
	return addr, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func addrString(a *common.Address) string {
	if a == nil {
		return "-"
	}
	return a.Hex()
}

func derefID(id *uint64) uint64 {
	if id == nil {
		return 0
	}
	return *id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
