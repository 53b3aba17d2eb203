package dcaengine_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcaengine "github.com/ChoSanghyuk/dcaengine"
	"github.com/ChoSanghyuk/dcaengine/internal/interval"
	"github.com/ChoSanghyuk/dcaengine/pkg/collaborators"
)

var (
	tokenA  = common.HexToAddress("0xA")
	tokenB  = common.HexToAddress("0xB")
	tokenC  = common.HexToAddress("0xC")
	owner   = common.HexToAddress("0x1")
	e18     = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	oneDay  = uint64(86400)
	oneHour = uint64(3600)
)

type harness struct {
	engine   *dcaengine.Engine
	custody  *collaborators.InMemoryCustody
	executor *collaborators.FixedTradeExecutor
	cfg      *collaborators.InMemoryConfigReader
	reg      *interval.Registry
	clock    uint64
}

func newHarness(t *testing.T, intervals ...uint64) *harness {
	t.Helper()
	reg, err := interval.NewRegistry(intervals...)
	require.NoError(t, err)

	cfg := collaborators.NewInMemoryConfigReader()
	cfg.Tokens[tokenA] = true
	cfg.Tokens[tokenB] = true
	cfg.Magnitudes[tokenA] = e18
	for _, i := range intervals {
		cfg.Intervals[i] = true
	}
	cfg.MaxSwaps = 365
	cfg.ThresholdGuard = 600

	custody := collaborators.NewInMemoryCustody()
	executor := &collaborators.FixedTradeExecutor{Delivered: big.NewInt(0)}

	h := &harness{custody: custody, executor: executor, cfg: cfg, reg: reg}
	h.engine = dcaengine.New(reg, custody, executor, cfg, dcaengine.WithClock(func() uint64 { return h.clock }))
	return h
}

func TestCreate_ValidationOrder(t *testing.T) {
	h := newHarness(t, oneDay)
	ctx := context.Background()

	_, err := h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: common.Address{}, To: tokenB, Interval: oneDay, Amount: big.NewInt(100), NoOfSwaps: 5})
	assert.ErrorIs(t, err, dcaengine.ErrZeroAddress)

	_, err = h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(0), NoOfSwaps: 5})
	assert.ErrorIs(t, err, dcaengine.ErrInvalidAmount)

	_, err = h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(100), NoOfSwaps: 0})
	assert.ErrorIs(t, err, dcaengine.ErrInvalidNoOfSwaps)

	_, err = h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenA, Interval: oneDay, Amount: big.NewInt(100), NoOfSwaps: 5})
	assert.ErrorIs(t, err, dcaengine.ErrInvalidToken)

	unlisted := common.HexToAddress("0xDEAD")
	_, err = h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: unlisted, To: tokenB, Interval: oneDay, Amount: big.NewInt(100), NoOfSwaps: 5})
	assert.ErrorIs(t, err, dcaengine.ErrUnauthorizedTokens)

	_, err = h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: 60, Amount: big.NewInt(100), NoOfSwaps: 5})
	assert.ErrorIs(t, err, dcaengine.ErrInvalidInterval)

	_, err = h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(1), NoOfSwaps: 5})
	assert.ErrorIs(t, err, dcaengine.ErrInvalidRate)
}

// Scenario 1 — single position, clean divisibility (spec.md §8), driven end-to-end through Engine.
func TestScenario1_CleanDivisibility(t *testing.T) {
	h := newHarness(t, oneDay)
	ctx := context.Background()
	h.custody.Credit(tokenA, owner, big.NewInt(1000))

	id, err := h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(1000), NoOfSwaps: 5})
	require.NoError(t, err)

	h.executor.Delivered = big.NewInt(400)
	for i := 0; i < 5; i++ {
		h.clock += oneDay
		require.NoError(t, h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner))
	}

	details, err := h.engine.PositionDetails(id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2000), details.Swapped)
	assert.Equal(t, big.NewInt(0), details.Unswapped)
	assert.Equal(t, uint64(5), details.SwapsExecuted)
	assert.Equal(t, uint64(0), details.SwapsLeft)

	require.NoError(t, h.engine.Withdraw(ctx, id, owner, owner))
	assert.Equal(t, big.NewInt(2000), h.custody.BalanceOf(tokenB, owner))

	err = h.engine.Withdraw(ctx, id, owner, owner)
	assert.ErrorIs(t, err, dcaengine.ErrZeroSwappedTokens)

	require.NoError(t, h.engine.Terminate(ctx, id, owner, owner))
	assert.Equal(t, big.NewInt(0), h.custody.BalanceOf(tokenA, owner))
}

// Scenario 5 — integer truncation: residual returned at termination (spec.md §8).
func TestScenario5_TruncationResidualAtTermination(t *testing.T) {
	h := newHarness(t, oneDay)
	ctx := context.Background()
	h.custody.Credit(tokenA, owner, big.NewInt(1000))

	id, err := h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(1000), NoOfSwaps: 3})
	require.NoError(t, err)

	h.executor.Delivered = big.NewInt(333)
	for i := 0; i < 3; i++ {
		h.clock += oneDay
		require.NoError(t, h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner))
	}

	require.NoError(t, h.engine.Withdraw(ctx, id, owner, owner))
	assert.Equal(t, big.NewInt(999), h.custody.BalanceOf(tokenB, owner))

	require.NoError(t, h.engine.Terminate(ctx, id, owner, owner))
	// committed principal 999, pulled 1000 up front -> 1 residual returned.
	assert.Equal(t, big.NewInt(1), h.custody.BalanceOf(tokenA, owner))
}

func TestTransferOwnership_OnlyOwner(t *testing.T) {
	h := newHarness(t, oneDay)
	ctx := context.Background()
	h.custody.Credit(tokenA, owner, big.NewInt(1000))

	id, err := h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(1000), NoOfSwaps: 5})
	require.NoError(t, err)

	stranger := common.HexToAddress("0xBAD")
	err = h.engine.TransferOwnership(id, stranger, stranger)
	assert.ErrorIs(t, err, dcaengine.ErrUnauthorizedCaller)

	newOwner := common.HexToAddress("0x2")
	require.NoError(t, h.engine.TransferOwnership(id, owner, newOwner))

	details, err := h.engine.PositionDetails(id)
	require.NoError(t, err)
	assert.Equal(t, newOwner, details.Owner)

	err = h.engine.Withdraw(ctx, id, owner, owner)
	assert.ErrorIs(t, err, dcaengine.ErrUnauthorizedCaller)
}

func TestPause_GatesMutatingEntryPointsOnly(t *testing.T) {
	h := newHarness(t, oneDay)
	ctx := context.Background()
	h.custody.Credit(tokenA, owner, big.NewInt(1000))

	id, err := h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(1000), NoOfSwaps: 5})
	require.NoError(t, err)

	h.cfg.IsPaused = true

	_, err = h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(100), NoOfSwaps: 5})
	assert.ErrorIs(t, err, dcaengine.ErrPaused)

	err = h.engine.Modify(ctx, dcaengine.ModifyParams{PositionID: id, Caller: owner, Amount: big.NewInt(0), NoOfSwaps: 5})
	assert.ErrorIs(t, err, dcaengine.ErrPaused)

	err = h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner)
	assert.ErrorIs(t, err, dcaengine.ErrPaused)

	err = h.engine.BlankSwap(tokenA, tokenB, oneDay)
	assert.ErrorIs(t, err, dcaengine.ErrPaused)

	// terminate/withdraw remain available while paused.
	require.NoError(t, h.engine.Terminate(ctx, id, owner, owner))
}

func TestBlankSwap_RequiresDeferredShape(t *testing.T) {
	h := newHarness(t, oneHour)
	err := h.engine.BlankSwap(tokenA, tokenB, oneHour)
	assert.ErrorIs(t, err, dcaengine.ErrInvalidBlankSwap)
}

func TestSwap_NoAvailableSwapWhenNothingActive(t *testing.T) {
	h := newHarness(t, oneDay)
	err := h.engine.Swap(context.Background(), []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner)
	assert.ErrorIs(t, err, dcaengine.ErrNoAvailableSwap)
}

// TestModify_IncreaseMidSchedule exercises spec.md §8 Scenario 2's shape: a position is increased
// mid-schedule, the rate and window recompute, and the accrued-before-modify earnings still carry
// through to a later Withdraw untouched.
func TestModify_IncreaseMidSchedule(t *testing.T) {
	h := newHarness(t, oneDay)
	ctx := context.Background()
	h.custody.Credit(tokenA, owner, big.NewInt(1600))

	id, err := h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(1000), NoOfSwaps: 5})
	require.NoError(t, err)

	h.executor.Delivered = big.NewInt(400)
	h.clock += oneDay
	require.NoError(t, h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner))
	h.clock += oneDay
	require.NoError(t, h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner))

	require.NoError(t, h.engine.Modify(ctx, dcaengine.ModifyParams{PositionID: id, Caller: owner, Amount: big.NewInt(600), IsIncrease: true, NoOfSwaps: 3}))
	assert.Equal(t, big.NewInt(0), h.custody.BalanceOf(tokenA, owner))

	details, err := h.engine.PositionDetails(id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(400), details.Rate)
	assert.Equal(t, uint64(3), details.SwapsLeft)

	// rate doubled (200 -> 400); keep the 2 B-per-A price so delivered tracks the new totalInput.
	h.executor.Delivered = big.NewInt(800)
	for i := 0; i < 3; i++ {
		h.clock += oneDay
		require.NoError(t, h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner))
	}

	require.NoError(t, h.engine.Withdraw(ctx, id, owner, owner))
	assert.Equal(t, big.NewInt(3200), h.custody.BalanceOf(tokenB, owner))

	require.NoError(t, h.engine.Terminate(ctx, id, owner, owner))
	assert.Equal(t, big.NewInt(0), h.custody.BalanceOf(tokenA, owner))
	assert.Equal(t, big.NewInt(3200), h.custody.BalanceOf(tokenB, owner))
}

// TestModify_DecreaseMidSchedule mirrors TestModify_IncreaseMidSchedule for a decrease: part of
// the unswapped principal is refunded immediately and the remaining schedule shrinks.
func TestModify_DecreaseMidSchedule(t *testing.T) {
	h := newHarness(t, oneDay)
	ctx := context.Background()
	h.custody.Credit(tokenA, owner, big.NewInt(1000))

	id, err := h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(1000), NoOfSwaps: 5})
	require.NoError(t, err)

	h.executor.Delivered = big.NewInt(400)
	h.clock += oneDay
	require.NoError(t, h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner))
	h.clock += oneDay
	require.NoError(t, h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner))

	require.NoError(t, h.engine.Modify(ctx, dcaengine.ModifyParams{PositionID: id, Caller: owner, Amount: big.NewInt(200), IsIncrease: false, NoOfSwaps: 2}))
	assert.Equal(t, big.NewInt(200), h.custody.BalanceOf(tokenA, owner))

	details, err := h.engine.PositionDetails(id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(200), details.Rate)
	assert.Equal(t, uint64(2), details.SwapsLeft)

	// rate unchanged (200); same 2 B-per-A price as before the modify.
	for i := 0; i < 2; i++ {
		h.clock += oneDay
		require.NoError(t, h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner))
	}

	require.NoError(t, h.engine.Withdraw(ctx, id, owner, owner))
	assert.Equal(t, big.NewInt(1600), h.custody.BalanceOf(tokenB, owner))

	require.NoError(t, h.engine.Terminate(ctx, id, owner, owner))
	assert.Equal(t, big.NewInt(200), h.custody.BalanceOf(tokenA, owner))
}

// TestSwap_CoalescedIntervals exercises spec.md §8 Scenario 6: two positions share a pair but sit
// on different interval masks (1h and 1d). The coalescing rule in Aggregate ("break on first
// un-open window", low mask bit first) must swap only the open window at now=3600 and defer the
// other, then pick up both in a single call once the 1d window also opens at now=86400.
func TestSwap_CoalescedIntervals(t *testing.T) {
	h := newHarness(t, oneHour, oneDay)
	ctx := context.Background()
	h.custody.Credit(tokenA, owner, big.NewInt(700))

	idHour, err := h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneHour, Amount: big.NewInt(300), NoOfSwaps: 3})
	require.NoError(t, err)
	idDay, err := h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(400), NoOfSwaps: 2})
	require.NoError(t, err)

	h.clock += oneHour
	h.executor.Delivered = big.NewInt(100)
	require.NoError(t, h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner))

	hourDetails, err := h.engine.PositionDetails(idHour)
	require.NoError(t, err)
	dayDetails, err := h.engine.PositionDetails(idDay)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), hourDetails.SwapsExecuted)
	assert.Equal(t, uint64(0), dayDetails.SwapsExecuted)

	h.clock = oneDay
	h.executor.Delivered = big.NewInt(300)
	require.NoError(t, h.engine.Swap(ctx, []dcaengine.SwapBatchItem{{From: tokenA, To: tokenB}}, owner))

	hourDetails, err = h.engine.PositionDetails(idHour)
	require.NoError(t, err)
	dayDetails, err = h.engine.PositionDetails(idDay)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), hourDetails.SwapsExecuted)
	assert.Equal(t, uint64(1), dayDetails.SwapsExecuted)
}

// TestCreateBatch_RollsBackOnFailure exercises CreateBatch's all-or-nothing guarantee: the first
// element succeeds and pulls custody funds, the second element fails validation, and the whole
// batch must leave no observable trace of the first element either.
func TestCreateBatch_RollsBackOnFailure(t *testing.T) {
	h := newHarness(t, oneDay)
	ctx := context.Background()
	h.custody.Credit(tokenA, owner, big.NewInt(100))

	_, err := h.engine.CreateBatch(ctx, []dcaengine.CreateParams{
		{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(100), NoOfSwaps: 5},
		{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(0), NoOfSwaps: 5},
	})
	assert.ErrorIs(t, err, dcaengine.ErrInvalidAmount)

	// the first element's pull must be refunded and its position must not exist.
	assert.Equal(t, big.NewInt(100), h.custody.BalanceOf(tokenA, owner))
	_, err = h.engine.PositionDetails(1)
	assert.ErrorIs(t, err, dcaengine.ErrInvalidPosition)
}

// TestSwap_RollsBackOnFailure exercises Swap's all-or-nothing guarantee across a batch of pairs:
// the first pair succeeds (registering its triple state and paying out a platform fee), the
// second pair fails its min-out check, and the whole call must leave no trace of the first pair's
// mutation or payout either.
func TestSwap_RollsBackOnFailure(t *testing.T) {
	h := newHarness(t, oneDay)
	ctx := context.Background()
	h.cfg.Tokens[tokenC] = true
	h.cfg.Vault = common.HexToAddress("0xFEE")
	h.cfg.SwapFees[1] = 1000 // 10% swap fee on the only registered mask
	h.cfg.PlatformRatio = 10000
	h.custody.Credit(tokenA, owner, big.NewInt(1000))

	idAB, err := h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenB, Interval: oneDay, Amount: big.NewInt(500), NoOfSwaps: 5})
	require.NoError(t, err)
	_, err = h.engine.Create(ctx, dcaengine.CreateParams{Owner: owner, From: tokenA, To: tokenC, Interval: oneDay, Amount: big.NewInt(500), NoOfSwaps: 5})
	require.NoError(t, err)

	h.clock += oneDay
	h.executor.Delivered = big.NewInt(180)
	err = h.engine.Swap(ctx, []dcaengine.SwapBatchItem{
		{From: tokenA, To: tokenB},
		{From: tokenA, To: tokenC, MinOut: big.NewInt(181)},
	}, owner)
	assert.ErrorIs(t, err, dcaengine.ErrInvalidReturnAmount)

	assert.Equal(t, big.NewInt(0), h.custody.BalanceOf(tokenA, h.cfg.Vault))
	details, err := h.engine.PositionDetails(idAB)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), details.SwapsExecuted)
}
