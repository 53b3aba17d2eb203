package dcaengine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChoSanghyuk/dcaengine/internal/eventbus"
	"github.com/ChoSanghyuk/dcaengine/internal/interval"
	"github.com/ChoSanghyuk/dcaengine/internal/store"
)

// Swap implements spec.md §4.5 for a batch of (from, to) pairs: aggregate, execute, register, in
// that order, per pair. The first pair to fail aborts the batch: every earlier pair's register
// mutation and fee/reward payout made by this call is rolled back, so the batch is all-or-nothing
// (spec.md §7, "propagate the first error and abort the batch"). The one step that cannot be
// undone is Execute itself — once a pair's trade has gone out to the external market, that is a
// real side effect outside the engine; only the engine's own bookkeeping for that pair reverts.
func (e *Engine) Swap(ctx context.Context, batch []SwapBatchItem, rewardRecipient common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.config.Paused() {
		return ErrPaused
	}

	tripleCP := e.triples.Checkpoint()
	var refunds []func()

	for _, item := range batch {
		refund, err := e.swapOneLocked(ctx, item, rewardRecipient)
		if err != nil {
			e.triples.Restore(tripleCP)
			for i := len(refunds) - 1; i >= 0; i-- {
				refunds[i]()
			}
			return err
		}
		if refund != nil {
			refunds = append(refunds, refund)
		}
	}
	return nil
}

// swapOneLocked executes one pair's swap and, on success, returns a compensating action that
// reverses this pair's platform-fee and operator-reward payouts — Swap runs it if a later pair in
// the same batch fails.
func (e *Engine) swapOneLocked(ctx context.Context, item SwapBatchItem, rewardRecipient common.Address) (func(), error) {
	pair := store.PairKey{From: item.From, To: item.To}
	now := e.nowSeconds()

	swapFeeBps := e.swapFeeTable(pair)
	agg := e.triples.Aggregate(pair, now, e.registry, swapFeeBps, e.config.PlatformFeeRatioBps())

	if agg.TotalInput.Sign() == 0 || len(agg.IntervalsInSwap) == 0 {
		return nil, ErrNoAvailableSwap
	}
	if item.DeclaredAmt != nil && item.DeclaredAmt.Cmp(agg.TotalInput) != 0 {
		return nil, ErrInvalidSwapAmount
	}

	delivered, err := e.executor.Execute(ctx, item.From, item.To, item.Proxy, agg.TotalInput, item.ExecData)
	if err != nil {
		return nil, ErrSwapCallFailed
	}
	if item.MinOut != nil && delivered.Cmp(item.MinOut) < 0 {
		return nil, ErrInvalidReturnAmount
	}

	e.triples.Register(pair, agg.TotalInput, delivered, agg.IntervalsInSwap, e.config.Magnitude(item.From), swapFeeBps, now)

	if agg.PlatformFee.Sign() > 0 {
		if err := e.custody.Pay(ctx, item.From, e.config.FeeVault(), agg.PlatformFee); err != nil {
			return nil, err
		}
	}
	if agg.OperatorReward.Sign() > 0 {
		if err := e.custody.Pay(ctx, item.From, rewardRecipient, agg.OperatorReward); err != nil {
			return nil, err
		}
	}

	e.publish(eventbus.EventSwapped, SwappedEvent{
		From:            item.From,
		To:              item.To,
		TotalInput:      agg.TotalInput,
		Delivered:       delivered,
		IntervalsInSwap: agg.IntervalsInSwap,
		OperatorReward:  agg.OperatorReward,
		PlatformFee:     agg.PlatformFee,
	})

	if e.recorder != nil {
		activeMask := e.triples.ActiveMask(pair)
		for _, m := range agg.IntervalsInSwap {
			key := store.TripleKey{From: item.From, To: item.To, Mask: m}
			if ts, ok := e.triples.PeekState(key); ok {
				rec, err := tripleSnapshotRecord(key, ts, activeMask, now)
				if err != nil {
					e.log.Error("encode triple snapshot failed", "from", key.From, "to", key.To, "mask", key.Mask, "error", err)
					continue
				}
				_ = e.recorder.RecordTripleSnapshot(rec)
			}
		}
	}

	from, vault, platformFee := item.From, e.config.FeeVault(), new(big.Int).Set(agg.PlatformFee)
	reward := new(big.Int).Set(agg.OperatorReward)
	refund := func() {
		if platformFee.Sign() > 0 {
			if refundErr := e.custody.Pull(ctx, from, vault, platformFee, nil); refundErr != nil {
				e.log.Error("swap rollback: platform fee reversal failed", "from", from, "amount", platformFee, "error", refundErr)
			}
		}
		if reward.Sign() > 0 {
			if refundErr := e.custody.Pull(ctx, from, rewardRecipient, reward, nil); refundErr != nil {
				e.log.Error("swap rollback: operator reward reversal failed", "from", from, "amount", reward, "error", refundErr)
			}
		}
	}
	return refund, nil
}

// BlankSwap implements spec.md §4.5's operator-callable blank-swap(from, to, mask).
func (e *Engine) BlankSwap(from, to common.Address, interval uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.config.Paused() {
		return ErrPaused
	}

	mask, err := e.registry.IntervalToMask(interval)
	if err != nil {
		return ErrInvalidInterval
	}
	key := store.TripleKey{From: from, To: to, Mask: mask}
	if err := e.triples.BlankSwap(key); err != nil {
		return ErrInvalidBlankSwap
	}

	e.publish(eventbus.EventBlankSwapped, BlankSwappedEvent{From: from, To: to, Mask: mask})
	if e.recorder != nil {
		if ts, ok := e.triples.PeekState(key); ok {
			rec, err := tripleSnapshotRecord(key, ts, e.triples.ActiveMask(key.Pair()), e.nowSeconds())
			if err != nil {
				e.log.Error("encode triple snapshot failed", "from", from, "to", to, "mask", mask, "error", err)
			} else {
				_ = e.recorder.RecordTripleSnapshot(rec)
			}
		}
	}
	return nil
}

// swapFeeTable builds the mask->bps lookup Aggregate/Register need, covering every mask
// currently active on the pair.
func (e *Engine) swapFeeTable(pair store.PairKey) map[interval.Mask]uint64 {
	table := make(map[interval.Mask]uint64)
	for _, bit := range interval.Bits(e.triples.ActiveMask(pair)) {
		m := interval.Mask(1) << bit
		table[m] = e.config.SwapFeeBps(m)
	}
	return table
}
