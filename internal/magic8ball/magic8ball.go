// Package magic8ball is a question/answer registry that escrows token bounties.
//
// Flow:
//  1. Asker approves the registry for a bounty and asks a question naming
//     the oracles allowed to answer it → bounty moved: asker → registry
//  2. Asker may add or remove allowed oracles while the question is open
//  3. An allowed oracle answers → bounty moved: registry → oracle, and the
//     question is closed for good
//
// The registry owner can pause it, which halts every mutating operation
// until unpaused.
package magic8ball

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/magic8ball/internal/metrics"
	"github.com/mbd888/magic8ball/internal/syncutil"
	"github.com/mbd888/magic8ball/internal/token"
	"github.com/mbd888/magic8ball/internal/traces"
)

var (
	ErrQuestionNotFound             = errors.New("question not found")
	ErrAlreadyAnswered              = errors.New("question already answered")
	ErrUnauthorizedOracle           = errors.New("caller is not an allowed oracle for this question")
	ErrUnauthorizedOracleManagement = errors.New("only the asker may manage oracles for this question")
	ErrInsufficientAuthorization    = errors.New("registry not approved for the bounty amount")
	ErrInsufficientBalance          = errors.New("insufficient token balance for the bounty")
	ErrInvalidAmount                = errors.New("bounty amount must be positive")
	ErrUnknownToken                 = errors.New("unknown token contract")
	ErrRegistryPaused               = errors.New("registry is paused")
	ErrNotPaused                    = errors.New("registry is not paused")
	ErrNotOwner                     = errors.New("caller is not the registry owner")
	ErrStaleState                   = errors.New("registry state changed concurrently")
)

// Question is a single escrowed question.
type Question struct {
	ID             uint64           `json:"id"`
	Asker          common.Address   `json:"asker"`
	TokenContract  common.Address   `json:"tokenContract"`
	BountyAmount   *big.Int         `json:"bountyAmount"`
	Content        string           `json:"content"`
	Answered       bool             `json:"answered"`
	Answer         string           `json:"answer"`
	Oracle         *common.Address  `json:"oracle,omitempty"`
	AllowedOracles []common.Address `json:"allowedOracles"`
	CreatedAt      time.Time        `json:"createdAt"`
	AnsweredAt     *time.Time       `json:"answeredAt,omitempty"`
}

// IsAllowed reports whether addr is in the question's allowed oracle set.
func (q *Question) IsAllowed(addr common.Address) bool {
	for _, o := range q.AllowedOracles {
		if o == addr {
			return true
		}
	}
	return false
}

func (q *Question) clone() *Question {
	cp := *q
	if q.BountyAmount != nil {
		cp.BountyAmount = new(big.Int).Set(q.BountyAmount)
	}
	cp.AllowedOracles = append([]common.Address(nil), q.AllowedOracles...)
	if q.Oracle != nil {
		o := *q.Oracle
		cp.Oracle = &o
	}
	if q.AnsweredAt != nil {
		t := *q.AnsweredAt
		cp.AnsweredAt = &t
	}
	return &cp
}

// RegistryState is the registry-wide state persisted next to the questions.
type RegistryState struct {
	NextQuestionID uint64 `json:"nextQuestionId"`
	Paused         bool   `json:"paused"`
}

// Status is the public view of the registry.
type Status struct {
	Address        common.Address `json:"address"`
	Owner          common.Address `json:"owner"`
	Paused         bool           `json:"paused"`
	NextQuestionID uint64         `json:"nextQuestionId"`
}

// ListFilter narrows List results. A zero Limit means DefaultListLimit.
type ListFilter struct {
	Asker  *common.Address
	Offset int
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store persists questions, registry state and the event log.
//
// Every mutating method writes its state change and its event together or
// not at all, and assigns ev.Seq.
type Store interface {
	State(ctx context.Context) (*RegistryState, error)
	SetPaused(ctx context.Context, paused bool, ev *Event) error
	// Create inserts q, which must carry the current next id, and advances
	// the counter. Returns ErrStaleState if the counter moved.
	// Create, Answer and SetOracles return ErrRegistryPaused while paused.
	Create(ctx context.Context, q *Question, ev *Event) error
	Get(ctx context.Context, id uint64) (*Question, error)
	// Answer records the answer unless the question is already answered.
	Answer(ctx context.Context, q *Question, ev *Event) error
	SetOracles(ctx context.Context, id uint64, oracles []common.Address) error
	List(ctx context.Context, filter ListFilter) ([]*Question, error)
	Events(ctx context.Context, afterSeq uint64, limit int) ([]*Event, error)
}

// TokenBank abstracts the token operations the registry needs so magic8ball
// does not depend on a particular token implementation.
type TokenBank interface {
	IsToken(ctx context.Context, tokenAddr common.Address) bool
	BalanceOf(ctx context.Context, tokenAddr, holder common.Address) (*big.Int, error)
	Allowance(ctx context.Context, tokenAddr, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, tokenAddr, owner, spender common.Address, amount *big.Int) error
	Transfer(ctx context.Context, tokenAddr, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, tokenAddr, spender, from, to common.Address, amount *big.Int) error
}

// AskRequest contains the parameters for asking a question.
type AskRequest struct {
	TokenContract  common.Address
	BountyAmount   *big.Int
	Content        string
	AllowedOracles []common.Address
}

// Service implements the registry.
type Service struct {
	store   Store
	tokens  TokenBank
	owner   common.Address
	address common.Address
	mu      *syncutil.ContextMutex // serializes every state transition
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a registry owned by owner that holds bounties at address.
func NewService(store Store, tokens TokenBank, owner, address common.Address) *Service {
	return &Service{
		store:   store,
		tokens:  tokens,
		owner:   owner,
		address: address,
		mu:      syncutil.NewContextMutex(),
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithLogger sets the logger used for compensation failures.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// Address returns the registry's custody address.
func (s *Service) Address() common.Address { return s.address }

// Owner returns the registry owner.
func (s *Service) Owner() common.Address { return s.owner }

// Ask escrows the bounty and records a new question. On any failure no id is
// consumed and no tokens move.
func (s *Service) Ask(ctx context.Context, caller common.Address, req AskRequest) (q *Question, err error) {
	ctx, span := traces.StartSpan(ctx, "magic8ball.Ask",
		traces.Caller(caller.Hex()), traces.TokenContract(req.TokenContract.Hex()))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		recordFailure("ask", err)
	}()

	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := s.store.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry state: %w", err)
	}
	if state.Paused {
		return nil, ErrRegistryPaused
	}
	if req.BountyAmount == nil || req.BountyAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !s.tokens.IsToken(ctx, req.TokenContract) {
		return nil, ErrUnknownToken
	}

	allowance, err := s.tokens.Allowance(ctx, req.TokenContract, caller, s.address)
	if err != nil {
		return nil, translateTokenErr(err)
	}
	if allowance.Cmp(req.BountyAmount) < 0 {
		return nil, fmt.Errorf("%w: approved %s, bounty %s", ErrInsufficientAuthorization, allowance, req.BountyAmount)
	}
	balance, err := s.tokens.BalanceOf(ctx, req.TokenContract, caller)
	if err != nil {
		return nil, translateTokenErr(err)
	}
	if balance.Cmp(req.BountyAmount) < 0 {
		return nil, fmt.Errorf("%w: balance %s, bounty %s", ErrInsufficientBalance, balance, req.BountyAmount)
	}

	q = &Question{
		ID:             state.NextQuestionID,
		Asker:          caller,
		TokenContract:  req.TokenContract,
		BountyAmount:   new(big.Int).Set(req.BountyAmount),
		Content:        req.Content,
		AllowedOracles: addOracles(nil, req.AllowedOracles),
		CreatedAt:      s.now(),
	}
	ev, err := questionAskedEvent(q)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.TransferFrom(ctx, q.TokenContract, s.address, caller, s.address, q.BountyAmount); err != nil {
		return nil, fmt.Errorf("failed to escrow bounty: %w", translateTokenErr(err))
	}

	if err := s.store.Create(ctx, q, ev); err != nil {
		s.refundAsk(ctx, q, allowance)
		return nil, fmt.Errorf("failed to record question: %w", err)
	}

	metrics.QuestionsAskedTotal.Inc()
	span.SetAttributes(traces.QuestionID(q.ID), traces.Amount(q.BountyAmount.String()))
	return q.clone(), nil
}

// refundAsk undoes the escrow pull of a question that could not be recorded,
// restoring both the asker's balance and the allowance it consumed.
func (s *Service) refundAsk(ctx context.Context, q *Question, allowance *big.Int) {
	if err := s.tokens.Transfer(ctx, q.TokenContract, s.address, q.Asker, q.BountyAmount); err != nil {
		s.logger.Error("CRITICAL: bounty escrowed but question not recorded and refund failed",
			"asker", q.Asker.Hex(), "token", q.TokenContract.Hex(), "amount", q.BountyAmount.String(), "error", err)
		return
	}
	if err := s.tokens.Approve(ctx, q.TokenContract, q.Asker, s.address, allowance); err != nil {
		s.logger.Error("failed to restore allowance after refund",
			"asker", q.Asker.Hex(), "token", q.TokenContract.Hex(), "allowance", allowance.String(), "error", err)
	}
}

// Get returns a question by id.
func (s *Service) Get(ctx context.Context, id uint64) (*Question, error) {
	return s.store.Get(ctx, id)
}

// Answer closes the question and pays its bounty to the calling oracle.
func (s *Service) Answer(ctx context.Context, id uint64, answer string, caller common.Address) (q *Question, err error) {
	ctx, span := traces.StartSpan(ctx, "magic8ball.Answer", traces.QuestionID(id), traces.Caller(caller.Hex()))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		recordFailure("answer", err)
	}()

	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.requireNotPaused(ctx); err != nil {
		return nil, err
	}
	q, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.Answered {
		return nil, ErrAlreadyAnswered
	}
	if !q.IsAllowed(caller) {
		return nil, ErrUnauthorizedOracle
	}

	now := s.now()
	oracle := caller
	q.Answered = true
	q.Answer = answer
	q.Oracle = &oracle
	q.AnsweredAt = &now

	ev, err := questionAnsweredEvent(q)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Transfer(ctx, q.TokenContract, s.address, caller, q.BountyAmount); err != nil {
		return nil, fmt.Errorf("failed to pay bounty: %w", translateTokenErr(err))
	}

	if err := s.store.Answer(ctx, q, ev); errors.Is(err, ErrRegistryPaused) {
		// Paused by another instance after our check
		s.reclaimBounty(ctx, q, err)
		return nil, err
	} else if err != nil {
		// Retry once, the bounty already moved
		if retryErr := s.store.Answer(ctx, q, ev); retryErr != nil {
			// The first attempt may have committed before reporting an error.
			if stored, getErr := s.store.Get(ctx, id); getErr == nil && stored.Answered &&
				stored.Oracle != nil && *stored.Oracle == caller && stored.Answer == answer {
				q = stored
			} else {
				s.reclaimBounty(ctx, q, retryErr)
				return nil, fmt.Errorf("failed to record answer: %w", retryErr)
			}
		}
	}

	metrics.QuestionsAnsweredTotal.Inc()
	metrics.QuestionAnswerDuration.Observe(now.Sub(q.CreatedAt).Seconds())
	return q.clone(), nil
}

// reclaimBounty moves a paid bounty back into custody after the answer could
// not be recorded.
func (s *Service) reclaimBounty(ctx context.Context, q *Question, cause error) {
	if err := s.tokens.Transfer(ctx, q.TokenContract, *q.Oracle, s.address, q.BountyAmount); err != nil {
		s.logger.Error("CRITICAL: bounty paid but answer not recorded and reclaim failed",
			"question", q.ID, "oracle", q.Oracle.Hex(), "amount", q.BountyAmount.String(),
			"persist_error", cause, "error", err)
		return
	}
	s.logger.Warn("answer not recorded, bounty returned to escrow",
		"question", q.ID, "oracle", q.Oracle.Hex(), "error", cause)
}

// AssignOracles adds identities to the question's allowed oracle set.
func (s *Service) AssignOracles(ctx context.Context, id uint64, oracles []common.Address, caller common.Address) (*Question, error) {
	return s.updateOracles(ctx, "assign_oracles", id, caller, func(q *Question) []common.Address {
		return addOracles(q.AllowedOracles, oracles)
	})
}

// RemoveOracles removes identities from the question's allowed oracle set.
func (s *Service) RemoveOracles(ctx context.Context, id uint64, oracles []common.Address, caller common.Address) (*Question, error) {
	return s.updateOracles(ctx, "remove_oracles", id, caller, func(q *Question) []common.Address {
		return removeOracles(q.AllowedOracles, oracles)
	})
}

func (s *Service) updateOracles(ctx context.Context, op string, id uint64, caller common.Address, next func(*Question) []common.Address) (q *Question, err error) {
	ctx, span := traces.StartSpan(ctx, "magic8ball."+op, traces.QuestionID(id), traces.Caller(caller.Hex()))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		recordFailure(op, err)
	}()

	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.requireNotPaused(ctx); err != nil {
		return nil, err
	}
	q, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.Asker != caller {
		return nil, ErrUnauthorizedOracleManagement
	}

	q.AllowedOracles = next(q)
	if err := s.store.SetOracles(ctx, id, q.AllowedOracles); err != nil {
		return nil, fmt.Errorf("failed to update oracles: %w", err)
	}
	return q.clone(), nil
}

// CanAnswer reports whether addr may answer the question right now. Unknown
// and answered questions yield false.
func (s *Service) CanAnswer(ctx context.Context, addr common.Address, id uint64) (bool, error) {
	q, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrQuestionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !q.Answered && q.IsAllowed(addr), nil
}

// Pause halts all mutating operations. Owner only.
func (s *Service) Pause(ctx context.Context, caller common.Address) error {
	return s.setPaused(ctx, caller, true)
}

// Unpause resumes normal operation. Owner only.
func (s *Service) Unpause(ctx context.Context, caller common.Address) error {
	return s.setPaused(ctx, caller, false)
}

func (s *Service) setPaused(ctx context.Context, caller common.Address, paused bool) (err error) {
	op := "unpause"
	if paused {
		op = "pause"
	}
	ctx, span := traces.StartSpan(ctx, "magic8ball."+op, traces.Caller(caller.Hex()))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		recordFailure(op, err)
	}()

	if caller != s.owner {
		return ErrNotOwner
	}

	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.store.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registry state: %w", err)
	}
	switch {
	case paused && state.Paused:
		return ErrRegistryPaused
	case !paused && !state.Paused:
		return ErrNotPaused
	}

	ev, err := pauseEvent(paused, caller, s.now())
	if err != nil {
		return err
	}
	if err := s.store.SetPaused(ctx, paused, ev); err != nil {
		return fmt.Errorf("failed to %s registry: %w", op, err)
	}

	setPausedGauge(paused)
	return nil
}

// SyncMetrics sets the pause gauge from stored state. Call it once at
// startup; a registry paused by an earlier process otherwise reports 0.
func (s *Service) SyncMetrics(ctx context.Context) error {
	state, err := s.store.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registry state: %w", err)
	}
	setPausedGauge(state.Paused)
	return nil
}

func setPausedGauge(paused bool) {
	if paused {
		metrics.RegistryPaused.Set(1)
	} else {
		metrics.RegistryPaused.Set(0)
	}
}

// Status returns the registry's owner, custody address and state.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	state, err := s.store.State(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Address:        s.address,
		Owner:          s.owner,
		Paused:         state.Paused,
		NextQuestionID: state.NextQuestionID,
	}, nil
}

// NextQuestionID returns the id the next question will receive, which is
// also the number of questions ever asked.
func (s *Service) NextQuestionID(ctx context.Context) (uint64, error) {
	state, err := s.store.State(ctx)
	if err != nil {
		return 0, err
	}
	return state.NextQuestionID, nil
}

// Paused reports whether the registry is paused.
func (s *Service) Paused(ctx context.Context) (bool, error) {
	state, err := s.store.State(ctx)
	if err != nil {
		return false, err
	}
	return state.Paused, nil
}

// List returns questions ordered by id.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Question, error) {
	filter.Limit = clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.List(ctx, filter)
}

// Events returns log entries with seq greater than afterSeq, oldest first.
func (s *Service) Events(ctx context.Context, afterSeq uint64, limit int) ([]*Event, error) {
	return s.store.Events(ctx, afterSeq, clampLimit(limit))
}

func (s *Service) requireNotPaused(ctx context.Context) error {
	state, err := s.store.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registry state: %w", err)
	}
	if state.Paused {
		return ErrRegistryPaused
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// addOracles returns set ∪ add, keeping first-seen order and skipping the
// zero address.
func addOracles(set, add []common.Address) []common.Address {
	out := make([]common.Address, 0, len(set)+len(add))
	seen := make(map[common.Address]bool, len(set)+len(add))
	for _, list := range [][]common.Address{set, add} {
		for _, a := range list {
			if a == (common.Address{}) || seen[a] {
				continue
			}
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func removeOracles(set, remove []common.Address) []common.Address {
	drop := make(map[common.Address]bool, len(remove))
	for _, a := range remove {
		drop[a] = true
	}
	out := make([]common.Address, 0, len(set))
	for _, a := range set {
		if !drop[a] {
			out = append(out, a)
		}
	}
	return out
}

func translateTokenErr(err error) error {
	switch {
	case errors.Is(err, token.ErrInsufficientAllowance):
		return fmt.Errorf("%w: %v", ErrInsufficientAuthorization, err)
	case errors.Is(err, token.ErrInsufficientBalance):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case errors.Is(err, token.ErrUnknownToken):
		return ErrUnknownToken
	case errors.Is(err, token.ErrInvalidAmount):
		return ErrInvalidAmount
	}
	return err
}

func recordFailure(op string, err error) {
	if err == nil {
		return
	}
	metrics.RegistryOperationFailures.WithLabelValues(op, failureReason(err)).Inc()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrQuestionNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyAnswered):
		return "already_answered"
	case errors.Is(err, ErrUnauthorizedOracle), errors.Is(err, ErrUnauthorizedOracleManagement), errors.Is(err, ErrNotOwner):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientAuthorization):
		return "insufficient_authorization"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownToken):
		return "invalid_request"
	case errors.Is(err, ErrRegistryPaused), errors.Is(err, ErrNotPaused):
		return "pause_state"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}
