package dcaengine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChoSanghyuk/dcaengine/internal/eventbus"
	"github.com/ChoSanghyuk/dcaengine/internal/store"
)

// Create implements spec.md §4.2's position creation.
func (e *Engine) Create(ctx context.Context, p CreateParams) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.config.Paused() {
		return 0, ErrPaused
	}
	return e.createLocked(ctx, p)
}

// CreateBatch implements spec.md §6's create_batch: each element is created in order. If any
// element fails, every earlier element's store mutation in this call is rolled back and its
// pulled custody funds are refunded, so a partial failure leaves no observable trace (spec.md
// §7, "A failed call leaves no observable mutation... propagate the first error and abort the
// batch").
func (e *Engine) CreateBatch(ctx context.Context, ps []CreateParams) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.config.Paused() {
		return nil, ErrPaused
	}

	posCP := e.positions.Checkpoint()
	tripleCP := e.triples.Checkpoint()
	var refunds []func()

	ids := make([]uint64, 0, len(ps))
	for _, p := range ps {
		id, err := e.createLocked(ctx, p)
		if err != nil {
			e.positions.Restore(posCP)
			e.triples.Restore(tripleCP)
			for i := len(refunds) - 1; i >= 0; i-- {
				refunds[i]()
			}
			return nil, err
		}
		ids = append(ids, id)

		from, owner, amount := p.From, p.Owner, p.Amount
		refunds = append(refunds, func() {
			if refundErr := e.custody.Pay(ctx, from, owner, amount); refundErr != nil {
				e.log.Error("create_batch rollback: custody refund failed", "from", from, "owner", owner, "amount", amount, "error", refundErr)
			}
		})
	}
	e.publish(eventbus.EventCreatedBatched, ids)
	return ids, nil
}

func (e *Engine) createLocked(ctx context.Context, p CreateParams) (uint64, error) {
	if isZero(p.From) || isZero(p.To) {
		return 0, ErrZeroAddress
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if p.NoOfSwaps == 0 || p.NoOfSwaps > e.config.MaxNoOfSwap() {
		return 0, ErrInvalidNoOfSwaps
	}
	if p.From == p.To {
		return 0, ErrInvalidToken
	}
	if !e.config.IsTokenAllowed(p.From) || !e.config.IsTokenAllowed(p.To) {
		return 0, ErrUnauthorizedTokens
	}
	if !e.config.IsIntervalAllowed(p.Interval) {
		return 0, ErrInvalidInterval
	}
	mask, err := e.registry.IntervalToMask(p.Interval)
	if err != nil {
		return 0, ErrInvalidInterval
	}
	noOfSwaps := new(big.Int).SetUint64(p.NoOfSwaps)
	rate := new(big.Int).Div(p.Amount, noOfSwaps)
	if rate.Sign() == 0 {
		return 0, ErrInvalidRate
	}
	residual := new(big.Int).Sub(p.Amount, new(big.Int).Mul(rate, noOfSwaps))

	if err := e.custody.Pull(ctx, p.From, p.Owner, p.Amount, p.PermitBlob); err != nil {
		return 0, err
	}

	pos := &store.Position{
		Owner:    p.Owner,
		From:     p.From,
		To:       p.To,
		Mask:     mask,
		Rate:     rate,
		Residual: residual,
	}
	id := e.positions.Insert(pos)

	pair := store.PairKey{From: p.From, To: p.To}
	e.triples.SetActive(pair, mask)

	key := store.TripleKey{From: p.From, To: p.To, Mask: mask}
	start, end := e.triples.AddToDelta(key, rate, 0, store.SwapNumber(p.NoOfSwaps), e.nowSeconds(), e.config.ThresholdGuardSeconds(), e.registry)
	pos.StartingSwap = start
	pos.FinalSwap = end
	pos.LastUpdatedSwap = e.triples.State(key).PerformedSwaps

	e.publish(eventbus.EventCreated, CreatedEvent{PositionID: id, Owner: p.Owner, From: p.From, To: p.To, Mask: mask, Rate: rate})
	if e.recorder != nil {
		_ = e.recorder.RecordPosition(positionRecord(pos))
	}
	return id, nil
}

// Modify implements spec.md §4.3's position modification.
func (e *Engine) Modify(ctx context.Context, m ModifyParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.config.Paused() {
		return ErrPaused
	}

	pos, ok := e.positions.Get(m.PositionID)
	if !ok {
		return ErrInvalidPosition
	}
	if pos.Owner != m.Caller {
		return ErrUnauthorizedCaller
	}

	key := pos.Triple()
	ts := e.triples.State(key)

	remaining := store.RemainingSwaps(pos, ts.PerformedSwaps)
	unswappedOld := new(big.Int).Mul(new(big.Int).SetUint64(remaining), pos.Rate)
	unswappedOld.Add(unswappedOld, pos.Residual)

	unswappedNew := new(big.Int)
	if m.IsIncrease {
		unswappedNew.Add(unswappedOld, m.Amount)
	} else {
		unswappedNew.Sub(unswappedOld, m.Amount)
		if unswappedNew.Sign() < 0 {
			return ErrInvalidAmount
		}
	}

	if unswappedNew.Cmp(unswappedOld) == 0 && m.NoOfSwaps == remaining {
		return ErrNoChanges
	}

	wantsActive := unswappedNew.Sign() > 0
	validSwapCount := m.NoOfSwaps >= 1 && m.NoOfSwaps <= e.config.MaxNoOfSwap()
	if wantsActive != validSwapCount {
		return ErrInvalidNoOfSwaps
	}

	var newRate, newResidual *big.Int
	if m.NoOfSwaps > 0 {
		n := new(big.Int).SetUint64(m.NoOfSwaps)
		newRate = new(big.Int).Div(unswappedNew, n)
		newResidual = new(big.Int).Sub(unswappedNew, new(big.Int).Mul(newRate, n))
	} else {
		newRate = big.NewInt(0)
		newResidual = new(big.Int).Set(unswappedNew)
	}

	delta := new(big.Int).Sub(unswappedNew, unswappedOld)
	if delta.Sign() > 0 {
		// spec.md §4.2 only lists permit_blob as a create() input; modify's increase pull has no
		// signed-approval payload of its own, so it relies on a standing approval.
		if err := e.custody.Pull(ctx, pos.From, pos.Owner, delta, nil); err != nil {
			return err
		}
	}

	carry := store.Swapped(pos, ts, e.config.Magnitude(pos.From), e.positions.Carry(pos.ID))
	e.positions.SetCarry(pos.ID, carry)

	e.triples.RemoveFromDelta(key, pos.Rate, pos.StartingSwap, pos.FinalSwap)

	var newStart, newEnd store.SwapNumber
	if newRate.Sign() > 0 {
		newStart, newEnd = e.triples.AddToDelta(key, newRate, ts.PerformedSwaps, ts.PerformedSwaps+store.SwapNumber(m.NoOfSwaps), e.nowSeconds(), e.config.ThresholdGuardSeconds(), e.registry)
		e.triples.SetActive(key.Pair(), key.Mask)
	} else {
		e.triples.ClearActiveIfEmpty(key)
		newStart, newEnd = ts.PerformedSwaps, ts.PerformedSwaps
	}

	if delta.Sign() < 0 {
		if err := e.custody.Pay(ctx, pos.From, pos.Owner, new(big.Int).Neg(delta)); err != nil {
			return err
		}
	}

	pos.Rate = newRate
	pos.Residual = newResidual
	pos.StartingSwap = newStart
	pos.FinalSwap = newEnd
	pos.LastUpdatedSwap = ts.PerformedSwaps

	e.publish(eventbus.EventModified, ModifiedEvent{PositionID: pos.ID, NewRate: newRate, NewStart: uint64(newStart), NewFinal: uint64(newEnd)})
	if e.recorder != nil {
		_ = e.recorder.RecordPosition(positionRecord(pos))
	}
	return nil
}

// Terminate implements spec.md §4.7's terminate(position_id, recipient).
func (e *Engine) Terminate(ctx context.Context, positionID uint64, caller, recipient common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions.Get(positionID)
	if !ok {
		return ErrInvalidPosition
	}
	if pos.Owner != caller {
		return ErrUnauthorizedCaller
	}

	key := pos.Triple()
	ts := e.triples.State(key)
	unswapped := new(big.Int).Add(store.Unswapped(pos, ts.PerformedSwaps), pos.Residual)
	swapped := store.Swapped(pos, ts, e.config.Magnitude(pos.From), e.positions.Carry(pos.ID))

	e.triples.RemoveFromDelta(key, pos.Rate, pos.StartingSwap, pos.FinalSwap)
	e.triples.ClearActiveIfEmpty(key)
	e.positions.Delete(pos.ID)

	if unswapped.Sign() > 0 {
		if err := e.custody.Pay(ctx, pos.From, recipient, unswapped); err != nil {
			return err
		}
	}
	if swapped.Sign() > 0 {
		if err := e.custody.Pay(ctx, pos.To, recipient, swapped); err != nil {
			return err
		}
	}

	e.publish(eventbus.EventTerminated, TerminatedEvent{PositionID: pos.ID, Recipient: recipient, Unswapped: unswapped, Swapped: swapped})
	if e.recorder != nil {
		_ = e.recorder.RecordPosition(terminatedPositionRecord(pos))
	}
	return nil
}

// Withdraw implements spec.md §4.7's withdraw(position_id, recipient).
func (e *Engine) Withdraw(ctx context.Context, positionID uint64, caller, recipient common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions.Get(positionID)
	if !ok {
		return ErrInvalidPosition
	}
	if pos.Owner != caller {
		return ErrUnauthorizedCaller
	}

	key := pos.Triple()
	ts := e.triples.State(key)
	swapped := store.Swapped(pos, ts, e.config.Magnitude(pos.From), e.positions.Carry(pos.ID))
	if swapped.Sign() == 0 {
		return ErrZeroSwappedTokens
	}

	if err := e.custody.Pay(ctx, pos.To, recipient, swapped); err != nil {
		return err
	}

	pos.LastUpdatedSwap = ts.PerformedSwaps
	e.positions.ClearCarry(pos.ID)

	e.publish(eventbus.EventWithdrawn, WithdrawnEvent{PositionID: pos.ID, Recipient: recipient, Amount: swapped})
	if e.recorder != nil {
		_ = e.recorder.RecordPosition(positionRecord(pos))
	}
	return nil
}

// TransferOwnership implements spec.md §4.7's transfer-ownership.
func (e *Engine) TransferOwnership(positionID uint64, caller, newOwner common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.config.Paused() {
		return ErrPaused
	}

	pos, ok := e.positions.Get(positionID)
	if !ok {
		return ErrInvalidPosition
	}
	if pos.Owner != caller {
		return ErrUnauthorizedCaller
	}

	old := pos.Owner
	pos.Owner = newOwner

	e.publish(eventbus.EventPositionOwnerUpdated, PositionOwnerUpdatedEvent{PositionID: pos.ID, OldOwner: old, NewOwner: newOwner})
	if e.recorder != nil {
		_ = e.recorder.RecordPosition(positionRecord(pos))
	}
	return nil
}

func isZero(a common.Address) bool { return a == common.Address{} }
