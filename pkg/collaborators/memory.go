package collaborators

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChoSanghyuk/dcaengine/internal/interval"
)

// InMemoryCustody is a Custody fake for tests: it tracks per-token, per-user balances in
// process memory instead of moving real tokens.
type InMemoryCustody struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int // token -> owner -> balance
}

// NewInMemoryCustody constructs an empty in-memory custody ledger.
func NewInMemoryCustody() *InMemoryCustody {
	return &InMemoryCustody{balances: make(map[common.Address]map[common.Address]*big.Int)}
}

// Credit gives amount of token to owner — a test setup helper, not part of the Custody interface.
func (c *InMemoryCustody) Credit(token, owner common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure(token, owner)
	c.balances[token][owner].Add(c.balances[token][owner], amount)
}

// BalanceOf returns owner's tracked balance of token.
func (c *InMemoryCustody) BalanceOf(token, owner common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure(token, owner)
	return new(big.Int).Set(c.balances[token][owner])
}

func (c *InMemoryCustody) ensure(token, owner common.Address) {
	if c.balances[token] == nil {
		c.balances[token] = make(map[common.Address]*big.Int)
	}
	if c.balances[token][owner] == nil {
		c.balances[token][owner] = big.NewInt(0)
	}
}

// Pull implements Custody. permitBlob is accepted to satisfy the interface but not inspected —
// this fake has no on-chain approval to authorize.
func (c *InMemoryCustody) Pull(_ context.Context, token common.Address, from common.Address, amount *big.Int, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure(token, from)
	if c.balances[token][from].Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	c.balances[token][from].Sub(c.balances[token][from], amount)
	return nil
}

// Pay implements Custody.
func (c *InMemoryCustody) Pay(_ context.Context, token common.Address, to common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure(token, to)
	c.balances[token][to].Add(c.balances[token][to], amount)
	return nil
}

// FixedTradeExecutor is a TradeExecutor fake that always delivers a pre-configured amount,
// regardless of totalInput — useful for driving the swap engine's post-conditions in tests.
type FixedTradeExecutor struct {
	Delivered *big.Int
	Err       error
}

// Execute implements TradeExecutor.
func (f *FixedTradeExecutor) Execute(_ context.Context, _, _ common.Address, _ common.Address, _ *big.Int, _ []byte) (*big.Int, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return new(big.Int).Set(f.Delivered), nil
}

// InMemoryConfigReader is a ConfigReader fake backed by plain Go maps.
type InMemoryConfigReader struct {
	Tokens          map[common.Address]bool
	Intervals       map[uint64]bool
	Magnitudes      map[common.Address]*big.Int
	SwapFees        map[interval.Mask]uint64
	PlatformRatio   uint64
	Vault           common.Address
	MaxSwaps        uint64
	ThresholdGuard  uint64
	IsPaused        bool
}

// NewInMemoryConfigReader returns a ConfigReader with empty tables and sane numeric defaults
// (max-no-of-swap per spec.md §6 must be ≥ 2).
func NewInMemoryConfigReader() *InMemoryConfigReader {
	return &InMemoryConfigReader{
		Tokens:         make(map[common.Address]bool),
		Intervals:      make(map[uint64]bool),
		Magnitudes:     make(map[common.Address]*big.Int),
		SwapFees:       make(map[interval.Mask]uint64),
		MaxSwaps:       2,
		ThresholdGuard: 600,
	}
}

func (c *InMemoryConfigReader) IsTokenAllowed(token common.Address) bool { return c.Tokens[token] }
func (c *InMemoryConfigReader) IsIntervalAllowed(seconds uint64) bool    { return c.Intervals[seconds] }
func (c *InMemoryConfigReader) Magnitude(token common.Address) *big.Int {
	if m, ok := c.Magnitudes[token]; ok {
		return m
	}
	return big.NewInt(1)
}
func (c *InMemoryConfigReader) SwapFeeBps(mask interval.Mask) uint64 { return c.SwapFees[mask] }
func (c *InMemoryConfigReader) PlatformFeeRatioBps() uint64          { return c.PlatformRatio }
func (c *InMemoryConfigReader) FeeVault() common.Address             { return c.Vault }
func (c *InMemoryConfigReader) MaxNoOfSwap() uint64                  { return c.MaxSwaps }
func (c *InMemoryConfigReader) ThresholdGuardSeconds() uint64        { return c.ThresholdGuard }
func (c *InMemoryConfigReader) Paused() bool                        { return c.IsPaused }

type insufficientBalanceError struct{}

func (insufficientBalanceError) Error() string { return "collaborators: insufficient balance" }

var errInsufficientBalance = insufficientBalanceError{}
