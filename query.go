package dcaengine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChoSanghyuk/dcaengine/internal/store"
)

// PositionDetails implements spec.md §4.8's position_details(id). It is read-only: the
// underlying stores still serialize individual reads against concurrent writers but this call
// never mutates state.
func (e *Engine) PositionDetails(positionID uint64) (PositionDetails, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions.Get(positionID)
	if !ok {
		return PositionDetails{}, ErrInvalidPosition
	}

	key := pos.Triple()
	ts := e.triples.State(key)
	seconds, err := e.registry.MaskToInterval(pos.Mask)
	if err != nil {
		return PositionDetails{}, err
	}

	n := uint64(pos.FinalSwap - pos.StartingSwap)
	var swapsExecuted uint64
	if ts.PerformedSwaps > pos.StartingSwap {
		swapsExecuted = uint64(ts.PerformedSwaps - pos.StartingSwap)
	}
	if swapsExecuted > n {
		swapsExecuted = n
	}

	return PositionDetails{
		Owner:         pos.Owner,
		From:          pos.From,
		To:            pos.To,
		Interval:      seconds,
		Rate:          new(big.Int).Set(pos.Rate),
		SwapsExecuted: swapsExecuted,
		SwapsLeft:     store.RemainingSwaps(pos, ts.PerformedSwaps),
		Swapped:       store.Swapped(pos, ts, e.config.Magnitude(pos.From), e.positions.Carry(pos.ID)),
		Unswapped:     store.Unswapped(pos, ts.PerformedSwaps),
	}, nil
}

// SecondsUntilNextSwap implements spec.md §4.8's seconds_until_next_swap(from, to) for each pair
// requested.
func (e *Engine) SecondsUntilNextSwap(pairs []PairRequest) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]uint64, len(pairs))
	now := e.nowSeconds()
	for i, pr := range pairs {
		out[i] = e.triples.SecondsUntilNextSwap(store.PairKey{From: pr.From, To: pr.To}, now, e.registry)
	}
	return out
}

// NextSwapInfo implements spec.md §4.8's next_swap_info(from, to) for each pair requested: the
// tuple Aggregate would compute, without executing a trade.
func (e *Engine) NextSwapInfo(pairs []PairRequest) []NextSwapInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowSeconds()
	out := make([]NextSwapInfo, len(pairs))
	for i, pr := range pairs {
		pair := store.PairKey{From: pr.From, To: pr.To}
		agg := e.triples.Aggregate(pair, now, e.registry, e.swapFeeTable(pair), e.config.PlatformFeeRatioBps())
		out[i] = NextSwapInfo{
			TotalInput:      agg.TotalInput,
			IntervalsInSwap: agg.IntervalsInSwap,
			OperatorReward:  agg.OperatorReward,
			PlatformFee:     agg.PlatformFee,
		}
	}
	return out
}

// PairRequest names a (from, to) pair for the batched query operations.
type PairRequest struct {
	From common.Address
	To   common.Address
}
