// Package token is an in-process bank of ERC20-style fungible tokens.
//
// It stands in for the on-chain token contracts the registry escrows
// bounties in. Each token is addressed by the contract address it would
// have had if its creator deployed it, and supports the subset of ERC20 the
// registry relies on:
//
//  1. approve(spender, amount) by the holder
//  2. transferFrom(from, to, amount) by the approved spender
//  3. transfer(to, amount) by the holder
//  4. balanceOf(holder)
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnknownToken          = errors.New("token: unknown token contract")
	ErrInvalidAmount         = errors.New("token: invalid amount")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrZeroAddress           = errors.New("token: zero address")
)

// DefaultDecimals matches the SimpleToken used by the registry's test fixtures.
const DefaultDecimals = 18

// Info describes a deployed token.
type Info struct {
	Address     common.Address `json:"address"`
	Name        string         `json:"name"`
	Symbol      string         `json:"symbol"`
	Decimals    uint8          `json:"decimals"`
	TotalSupply *big.Int       `json:"totalSupply"`
	Creator     common.Address `json:"creator"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// DeployRequest contains the parameters for deploying a token.
type DeployRequest struct {
	Name     string
	Symbol   string
	Decimals uint8
	Supply   *big.Int
}

type ledger struct {
	info       Info
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

// Bank holds every token deployed in this process.
type Bank struct {
	mu     sync.RWMutex
	tokens map[common.Address]*ledger
	nonces map[common.Address]uint64
}

// NewBank creates an empty bank.
func NewBank() *Bank {
	return &Bank{
		tokens: make(map[common.Address]*ledger),
		nonces: make(map[common.Address]uint64),
	}
}

// Deploy creates a token and credits its whole supply to creator. The token
// address is derived from the creator and a per-creator nonce the same way
// contract addresses are.
func (b *Bank) Deploy(ctx context.Context, creator common.Address, req DeployRequest) (*Info, error) {
	if creator == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if req.Supply == nil || req.Supply.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	nonce := b.nonces[creator]
	addr := crypto.CreateAddress(creator, nonce)
	for b.tokens[addr] != nil {
		nonce++
		addr = crypto.CreateAddress(creator, nonce)
	}
	b.nonces[creator] = nonce + 1

	l := &ledger{
		info: Info{
			Address:     addr,
			Name:        req.Name,
			Symbol:      req.Symbol,
			Decimals:    req.Decimals,
			TotalSupply: new(big.Int).Set(req.Supply),
			Creator:     creator,
			CreatedAt:   time.Now(),
		},
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
	if req.Supply.Sign() > 0 {
		l.balances[creator] = new(big.Int).Set(req.Supply)
	}
	b.tokens[addr] = l

	info := l.info.clone()
	return &info, nil
}

// IsToken reports whether addr is a deployed token.
func (b *Bank) IsToken(ctx context.Context, addr common.Address) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tokens[addr] != nil
}

// Info returns metadata for a token.
func (b *Bank) Info(ctx context.Context, tokenAddr common.Address) (*Info, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l, ok := b.tokens[tokenAddr]
	if !ok {
		return nil, ErrUnknownToken
	}
	info := l.info.clone()
	return &info, nil
}

// List returns all deployed tokens ordered by creation time.
func (b *Bank) List(ctx context.Context) []*Info {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Info, 0, len(b.tokens))
	for _, l := range b.tokens {
		info := l.info.clone()
		out = append(out, &info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// BalanceOf returns holder's balance of the token.
func (b *Bank) BalanceOf(ctx context.Context, tokenAddr, holder common.Address) (*big.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l, ok := b.tokens[tokenAddr]
	if !ok {
		return nil, ErrUnknownToken
	}
	return l.balance(holder), nil
}

// Allowance returns how much spender may still pull from owner.
func (b *Bank) Allowance(ctx context.Context, tokenAddr, owner, spender common.Address) (*big.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l, ok := b.tokens[tokenAddr]
	if !ok {
		return nil, ErrUnknownToken
	}
	return l.allowance(owner, spender), nil
}

// Approve sets spender's allowance over owner's tokens. Like ERC20 it
// overwrites the previous value rather than adding to it.
func (b *Bank) Approve(ctx context.Context, tokenAddr, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.tokens[tokenAddr]
	if !ok {
		return ErrUnknownToken
	}
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]*big.Int)
	}
	l.allowances[owner][spender] = new(big.Int).Set(amount)
	return nil
}

// Transfer moves amount from one holder to another.
func (b *Bank) Transfer(ctx context.Context, tokenAddr, from, to common.Address, amount *big.Int) error {
	if err := checkTransfer(to, amount); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.tokens[tokenAddr]
	if !ok {
		return ErrUnknownToken
	}
	if l.balance(from).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), l.balance(from), amount)
	}
	l.move(from, to, amount)
	return nil
}

// TransferFrom moves amount from one holder to another on behalf of spender,
// consuming spender's allowance. Nothing changes unless both the allowance
// and the balance cover the amount.
func (b *Bank) TransferFrom(ctx context.Context, tokenAddr, spender, from, to common.Address, amount *big.Int) error {
	if err := checkTransfer(to, amount); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.tokens[tokenAddr]
	if !ok {
		return ErrUnknownToken
	}
	allowed := l.allowance(from, spender)
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s approved %s for %s, needs %s", ErrInsufficientAllowance, from.Hex(), spender.Hex(), allowed, amount)
	}
	if l.balance(from).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), l.balance(from), amount)
	}

	l.allowances[from][spender] = allowed.Sub(allowed, amount)
	l.move(from, to, amount)
	return nil
}

func checkTransfer(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return nil
}

func (l *ledger) balance(holder common.Address) *big.Int {
	if bal, ok := l.balances[holder]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (l *ledger) allowance(owner, spender common.Address) *big.Int {
	if a, ok := l.allowances[owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// move assumes the caller checked from's balance.
func (l *ledger) move(from, to common.Address, amount *big.Int) {
	l.balances[from] = new(big.Int).Sub(l.balance(from), amount)
	l.balances[to] = new(big.Int).Add(l.balance(to), amount)
}

func (i Info) clone() Info {
	i.TotalSupply = new(big.Int).Set(i.TotalSupply)
	return i
}
