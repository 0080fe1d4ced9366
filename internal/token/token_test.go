package token

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	creator = common.HexToAddress("0x1000000000000000000000000000000000000001")
	spender = common.HexToAddress("0x2000000000000000000000000000000000000002")
	other   = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func deploySimpleToken(t *testing.T, b *Bank, supply int64) common.Address {
	t.Helper()
	info, err := b.Deploy(context.Background(), creator, DeployRequest{
		Name:     "Simple Token",
		Symbol:   "SIM",
		Decimals: DefaultDecimals,
		Supply:   big.NewInt(supply),
	})
	require.NoError(t, err)
	return info.Address
}

func balance(t *testing.T, b *Bank, tok, holder common.Address) int64 {
	t.Helper()
	bal, err := b.BalanceOf(context.Background(), tok, holder)
	require.NoError(t, err)
	return bal.Int64()
}

func TestDeploy_CreditsCreatorAndDerivesAddress(t *testing.T) {
	b := NewBank()
	tok := deploySimpleToken(t, b, 10000)

	assert.Equal(t, crypto.CreateAddress(creator, 0), tok)
	assert.Equal(t, int64(10000), balance(t, b, tok, creator))
	assert.True(t, b.IsToken(context.Background(), tok))

	second := deploySimpleToken(t, b, 1)
	assert.Equal(t, crypto.CreateAddress(creator, 1), second)
	assert.NotEqual(t, tok, second)
	assert.Len(t, b.List(context.Background()), 2)
}

func TestDeploy_Rejects(t *testing.T) {
	b := NewBank()
	ctx := context.Background()

	_, err := b.Deploy(ctx, common.Address{}, DeployRequest{Supply: big.NewInt(1)})
	assert.ErrorIs(t, err, ErrZeroAddress)

	_, err = b.Deploy(ctx, creator, DeployRequest{Supply: big.NewInt(-1)})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = b.Deploy(ctx, creator, DeployRequest{})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestInfo_ReturnsCopy(t *testing.T) {
	b := NewBank()
	tok := deploySimpleToken(t, b, 500)

	info, err := b.Info(context.Background(), tok)
	require.NoError(t, err)
	info.TotalSupply.SetInt64(1)

	again, err := b.Info(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, int64(500), again.TotalSupply.Int64())
}

func TestUnknownToken(t *testing.T) {
	b := NewBank()
	ctx := context.Background()
	bogus := common.HexToAddress("0xdead000000000000000000000000000000000000")

	_, err := b.BalanceOf(ctx, bogus, creator)
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = b.Allowance(ctx, bogus, creator, spender)
	assert.ErrorIs(t, err, ErrUnknownToken)
	assert.ErrorIs(t, b.Approve(ctx, bogus, creator, spender, big.NewInt(1)), ErrUnknownToken)
	assert.ErrorIs(t, b.Transfer(ctx, bogus, creator, spender, big.NewInt(1)), ErrUnknownToken)
	assert.ErrorIs(t, b.TransferFrom(ctx, bogus, spender, creator, spender, big.NewInt(1)), ErrUnknownToken)
	assert.False(t, b.IsToken(ctx, bogus))
}

func TestTransfer(t *testing.T) {
	b := NewBank()
	ctx := context.Background()
	tok := deploySimpleToken(t, b, 100)

	require.NoError(t, b.Transfer(ctx, tok, creator, other, big.NewInt(40)))
	assert.Equal(t, int64(60), balance(t, b, tok, creator))
	assert.Equal(t, int64(40), balance(t, b, tok, other))

	err := b.Transfer(ctx, tok, other, creator, big.NewInt(41))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(40), balance(t, b, tok, other))

	assert.ErrorIs(t, b.Transfer(ctx, tok, creator, common.Address{}, big.NewInt(1)), ErrZeroAddress)
	assert.ErrorIs(t, b.Transfer(ctx, tok, creator, other, nil), ErrInvalidAmount)
}

func TestTransfer_ToSelfKeepsBalance(t *testing.T) {
	b := NewBank()
	tok := deploySimpleToken(t, b, 100)

	require.NoError(t, b.Transfer(context.Background(), tok, creator, creator, big.NewInt(30)))
	assert.Equal(t, int64(100), balance(t, b, tok, creator))
}

func TestApproveAndTransferFrom(t *testing.T) {
	b := NewBank()
	ctx := context.Background()
	tok := deploySimpleToken(t, b, 400)

	require.NoError(t, b.Approve(ctx, tok, creator, spender, big.NewInt(400)))

	require.NoError(t, b.TransferFrom(ctx, tok, spender, creator, spender, big.NewInt(100)))
	require.NoError(t, b.TransferFrom(ctx, tok, spender, creator, spender, big.NewInt(300)))

	allowance, err := b.Allowance(ctx, tok, creator, spender)
	require.NoError(t, err)
	assert.Equal(t, int64(0), allowance.Int64())
	assert.Equal(t, int64(400), balance(t, b, tok, spender))
	assert.Equal(t, int64(0), balance(t, b, tok, creator))
}

func TestApprove_Overwrites(t *testing.T) {
	b := NewBank()
	ctx := context.Background()
	tok := deploySimpleToken(t, b, 400)

	require.NoError(t, b.Approve(ctx, tok, creator, spender, big.NewInt(100)))
	require.NoError(t, b.Approve(ctx, tok, creator, spender, big.NewInt(30)))

	allowance, err := b.Allowance(ctx, tok, creator, spender)
	require.NoError(t, err)
	assert.Equal(t, int64(30), allowance.Int64())
}

func TestTransferFrom_WithoutApprovalFails(t *testing.T) {
	b := NewBank()
	ctx := context.Background()
	tok := deploySimpleToken(t, b, 100)

	err := b.TransferFrom(ctx, tok, spender, creator, spender, big.NewInt(100))
	assert.True(t, errors.Is(err, ErrInsufficientAllowance))
	assert.Equal(t, int64(100), balance(t, b, tok, creator))
}

func TestTransferFrom_InsufficientBalanceLeavesAllowance(t *testing.T) {
	b := NewBank()
	ctx := context.Background()
	tok := deploySimpleToken(t, b, 50)

	require.NoError(t, b.Approve(ctx, tok, creator, spender, big.NewInt(100)))
	err := b.TransferFrom(ctx, tok, spender, creator, other, big.NewInt(100))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	allowance, err := b.Allowance(ctx, tok, creator, spender)
	require.NoError(t, err)
	assert.Equal(t, int64(100), allowance.Int64())
	assert.Equal(t, int64(50), balance(t, b, tok, creator))
	assert.Equal(t, int64(0), balance(t, b, tok, other))
}

func TestTransfer_ConservesSupplyUnderConcurrency(t *testing.T) {
	b := NewBank()
	ctx := context.Background()
	tok := deploySimpleToken(t, b, 1000)
	require.NoError(t, b.Transfer(ctx, tok, creator, other, big.NewInt(500)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = b.Transfer(ctx, tok, creator, other, big.NewInt(3))
		}()
		go func() {
			defer wg.Done()
			_ = b.Transfer(ctx, tok, other, creator, big.NewInt(2))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), balance(t, b, tok, creator)+balance(t, b, tok, other))
}
