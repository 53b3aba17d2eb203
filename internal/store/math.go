package store

import (
	"errors"
	"math"
	"math/big"

	"github.com/ChoSanghyuk/dcaengine/internal/interval"
)

// ErrInvalidBlankSwap is returned by BlankSwap when the triple does not have the
// next_amount == 0, next_to_next_amount > 0 shape required for an operator-callable
// blank advance (spec.md §4.5).
var ErrInvalidBlankSwap = errors.New("store: invalid blank swap")

// Split implements spec.md §4.5's split(x, bps) = (x - floor(x*bps/10000), floor(x*bps/10000)).
func Split(x *big.Int, bps uint64) (net, feeGross *big.Int) {
	feeGross = new(big.Int).Mul(x, new(big.Int).SetUint64(bps))
	feeGross.Div(feeGross, big.NewInt(10000))
	net = new(big.Int).Sub(x, feeGross)
	return net, feeGross
}

// RemainingSwaps is spec.md §4.6's remaining_swaps(P).
func RemainingSwaps(p *Position, performedSwaps SwapNumber) uint64 {
	n := uint64(p.FinalSwap - p.StartingSwap)
	var e uint64
	if performedSwaps > p.StartingSwap {
		e = uint64(performedSwaps - p.StartingSwap)
	}
	if e >= n {
		return 0
	}
	return n - e
}

// Unswapped is spec.md §4.6's unswapped(P).
func Unswapped(p *Position, performedSwaps SwapNumber) *big.Int {
	remaining := new(big.Int).SetUint64(RemainingSwaps(p, performedSwaps))
	return remaining.Mul(remaining, p.Rate)
}

// Swapped is spec.md §4.6's swapped(P, S): the O(1) reconstruction of earned output from only
// the triple's accum series, the position's own constants, and its carry.
func Swapped(p *Position, ts *TripleState, magnitudeFrom *big.Int, carry *big.Int) *big.Int {
	fn := p.FinalSwap
	if ts.PerformedSwaps < fn {
		fn = ts.PerformedSwaps
	}
	if p.LastUpdatedSwap > fn {
		return big.NewInt(0)
	}
	if p.LastUpdatedSwap == fn {
		return new(big.Int).Set(carry)
	}
	sn := p.LastUpdatedSwap
	if p.StartingSwap > sn {
		sn = p.StartingSwap
	}
	diff := new(big.Int).Sub(ts.accumAt(fn), ts.accumAt(sn))
	out := diff.Mul(diff, p.Rate)
	out.Div(out, magnitudeFrom)
	out.Add(out, carry)
	return out
}

// classifyLocked is spec.md §4.4's window classifier time_until_threshold. Caller must hold
// s.mu. It iterates every bit set in A[from,to] or equal to selfMask, low-to-high — required so
// a first-ever position on a triple (selfMask not yet in A) is still evaluated (Open Question 1
// in spec.md §9, preserved as written rather than "fixed").
func (s *TripleStore) classifyLocked(pair PairKey, selfMask interval.Mask, now uint64, thresholdGuard uint64, reg *interval.Registry) (isPartOfNext bool, boundaryTime uint64) {
	maskSet := s.active[pair] | selfMask
	var intervalsInSwap interval.Mask
	boundary := uint64(math.MaxUint64)
	found := false

	for _, bit := range interval.Bits(maskSet) {
		m := interval.Mask(1) << bit
		secs, err := reg.MaskToInterval(m)
		if err != nil {
			continue
		}
		key := TripleKey{From: pair.From, To: pair.To, Mask: m}
		ts := s.stateLocked(key)

		w := (now / secs) * secs
		var ns uint64
		if ts.LastSwappedAt == 0 {
			ns = w
		} else {
			ns = ((ts.LastSwappedAt / secs) + 1) * secs
		}
		if ns < w {
			ns = w
		}
		windowEnd := ns + secs

		if now > ns && now < windowEnd && (ts.NextAmount.Sign() > 0 || m == selfMask) {
			intervalsInSwap |= m
			if windowEnd < boundary {
				boundary = windowEnd
				found = true
			}
		}
	}

	isPartOfNext = intervalsInSwap&selfMask == selfMask
	if !found {
		return isPartOfNext, 0
	}
	if boundary >= thresholdGuard {
		return isPartOfNext, boundary - thresholdGuard
	}
	return isPartOfNext, 0
}

// TimeUntilThreshold is the exported, lock-acquiring form of classifyLocked.
func (s *TripleStore) TimeUntilThreshold(pair PairKey, selfMask interval.Mask, now uint64, thresholdGuard uint64, reg *interval.Registry) (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classifyLocked(pair, selfMask, now, thresholdGuard, reg)
}

// AddToDelta is spec.md §4.4's add-to-delta. It returns the (possibly deferred) final
// (start, end) the caller must persist onto the position.
func (s *TripleStore) AddToDelta(key TripleKey, rate *big.Int, start, end SwapNumber, now uint64, thresholdGuard uint64, reg *interval.Registry) (SwapNumber, SwapNumber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := key.Pair()
	isPartOfNext, boundary := s.classifyLocked(pair, key.Mask, now, thresholdGuard, reg)
	deferred := isPartOfNext && now > boundary

	ts := s.stateLocked(key)
	if !deferred {
		ts.NextAmount.Add(ts.NextAmount, rate)
	} else {
		start++
		end++
		ts.NextToNextAmount.Add(ts.NextToNextAmount, rate)
	}
	ts.addDelta(end+1, rate)
	return start, end
}

// RemoveFromDelta is spec.md §4.4's remove-from-delta.
func (s *TripleStore) RemoveFromDelta(key TripleKey, rate *big.Int, startingSwap, finalSwap SwapNumber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.stateLocked(key)
	if finalSwap <= ts.PerformedSwaps {
		return
	}
	if startingSwap > ts.PerformedSwaps {
		ts.NextToNextAmount.Sub(ts.NextToNextAmount, rate)
	} else {
		ts.NextAmount.Sub(ts.NextAmount, rate)
	}
	ts.addDelta(finalSwap+1, new(big.Int).Neg(rate))
}

// SetActive ORs m into A[from,to] (spec.md §4.2's "sets A[from,to] |= mask").
func (s *TripleStore) SetActive(pair PairKey, m interval.Mask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBitLocked(pair, m)
}

// ClearActiveIfEmpty clears m from A[from,to] when the triple has no active or deferred
// amount left (invariant 5).
func (s *TripleStore) ClearActiveIfEmpty(key TripleKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.stateLocked(key)
	if ts.NextAmount.Sign() == 0 && ts.NextToNextAmount.Sign() == 0 {
		s.clearBitLocked(key.Pair(), key.Mask)
	}
}

// AggregateResult is the tuple produced by Aggregate and replayed unchanged by NextSwapInfo
// (spec.md §4.8: "the tuple aggregate would compute, without executing").
type AggregateResult struct {
	TotalInput      *big.Int
	IntervalsInSwap []interval.Mask
	OperatorReward  *big.Int
	PlatformFee     *big.Int
	NetByMask       map[interval.Mask]*big.Int
}

// Aggregate is spec.md §4.5's aggregate(from, to). It is read-only: no mutation occurs until
// Register is called with the externally-measured delivered amount.
func (s *TripleStore) Aggregate(pair PairKey, now uint64, reg *interval.Registry, swapFeeBps map[interval.Mask]uint64, platformFeeRatioBps uint64) *AggregateResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	totalInput := big.NewInt(0)
	operatorReward := big.NewInt(0)
	platformFee := big.NewInt(0)
	netByMask := make(map[interval.Mask]*big.Int)
	var intervalsInSwap []interval.Mask

	for _, bit := range interval.Bits(s.active[pair]) {
		m := interval.Mask(1) << bit
		secs, err := reg.MaskToInterval(m)
		if err != nil {
			continue
		}
		key := TripleKey{From: pair.From, To: pair.To, Mask: m}
		ts := s.stateLocked(key)

		nextOpen := ((ts.LastSwappedAt / secs) + 1) * secs
		if nextOpen > now {
			break // coalescing rule: smallest eligible window not yet open (spec.md §4.5)
		}
		if ts.NextAmount.Sign() > 0 {
			intervalsInSwap = append(intervalsInSwap, m)
			net, feeGross := Split(ts.NextAmount, swapFeeBps[m])
			reward, platform := Split(feeGross, platformFeeRatioBps)
			totalInput.Add(totalInput, net)
			operatorReward.Add(operatorReward, reward)
			platformFee.Add(platformFee, platform)
			netByMask[m] = net
		}
	}

	if totalInput.Sign() == 0 {
		intervalsInSwap = nil
	}

	return &AggregateResult{
		TotalInput:      totalInput,
		IntervalsInSwap: intervalsInSwap,
		OperatorReward:  operatorReward,
		PlatformFee:     platformFee,
		NetByMask:       netByMask,
	}
}

// Register is spec.md §4.5's register(from, to, total_input, delivered, intervals_in_swap). It
// iterates every mask in A[from,to] low-to-high, applying Case A (included in this swap) or
// Case B (blank advance) as each mask's state dictates.
func (s *TripleStore) Register(pair PairKey, totalInput, delivered *big.Int, intervalsInSwap []interval.Mask, magnitudeFrom *big.Int, swapFeeBps map[interval.Mask]uint64, now uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inSwap := make(map[interval.Mask]bool, len(intervalsInSwap))
	for _, m := range intervalsInSwap {
		inSwap[m] = true
	}

	for _, bit := range interval.Bits(s.active[pair]) {
		m := interval.Mask(1) << bit
		key := TripleKey{From: pair.From, To: pair.To, Mask: m}
		ts := s.stateLocked(key)

		switch {
		case inSwap[m] && ts.NextAmount.Sign() > 0:
			net, _ := Split(ts.NextAmount, swapFeeBps[m])
			deliveredM := new(big.Int).Mul(delivered, net)
			deliveredM.Mul(deliveredM, magnitudeFrom)
			deliveredM.Div(deliveredM, totalInput)
			price := new(big.Int).Div(deliveredM, ts.NextAmount)

			newPerformed := ts.PerformedSwaps + 1
			ts.Accum[newPerformed] = new(big.Int).Add(ts.accumAt(ts.PerformedSwaps), price)

			next := new(big.Int).Add(ts.NextAmount, ts.NextToNextAmount)
			next.Sub(next, ts.deltaAt(newPerformed+1))
			delete(ts.Delta, newPerformed+1)

			ts.PerformedSwaps = newPerformed
			ts.NextAmount = next
			ts.NextToNextAmount = big.NewInt(0)
			ts.LastSwappedAt = now

			if ts.NextAmount.Sign() == 0 {
				s.clearBitLocked(pair, m)
			}

		case ts.NextAmount.Sign() == 0 && ts.NextToNextAmount.Sign() > 0:
			newPerformed := ts.PerformedSwaps + 1
			ts.Accum[newPerformed] = new(big.Int).Set(ts.accumAt(ts.PerformedSwaps))
			ts.NextAmount = ts.NextToNextAmount
			ts.NextToNextAmount = big.NewInt(0)
			ts.PerformedSwaps = newPerformed
			// last_swapped_at intentionally not updated: spec.md §9 Open Question 2 — this
			// promotion is bookkeeping, not a real swap, and the staleness is preserved as
			// specified rather than patched.
			if ts.NextAmount.Sign() == 0 {
				s.clearBitLocked(pair, m)
			}
		}
	}
}

// BlankSwap is spec.md §4.5's operator-callable blank-swap(from, to, mask).
func (s *TripleStore) BlankSwap(key TripleKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.stateLocked(key)
	if !(ts.NextAmount.Sign() == 0 && ts.NextToNextAmount.Sign() > 0) {
		return ErrInvalidBlankSwap
	}

	newPerformed := ts.PerformedSwaps + 1
	ts.Accum[newPerformed] = new(big.Int).Set(ts.accumAt(ts.PerformedSwaps))
	ts.NextAmount = ts.NextToNextAmount
	ts.NextToNextAmount = big.NewInt(0)
	ts.PerformedSwaps = newPerformed
	if ts.NextAmount.Sign() == 0 {
		s.clearBitLocked(key.Pair(), key.Mask)
	}
	return nil
}

// SecondsUntilNextSwap is spec.md §4.8's seconds_until_next_swap(from, to).
func (s *TripleStore) SecondsUntilNextSwap(pair PairKey, now uint64, reg *interval.Registry) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := uint64(math.MaxUint64)
	for _, bit := range interval.Bits(s.active[pair]) {
		m := interval.Mask(1) << bit
		secs, err := reg.MaskToInterval(m)
		if err != nil {
			continue
		}
		key := TripleKey{From: pair.From, To: pair.To, Mask: m}
		ts := s.stateLocked(key)
		nextOpen := ((ts.LastSwappedAt / secs) + 1) * secs

		if ts.NextAmount.Sign() > 0 {
			if nextOpen <= now {
				return 0
			}
			continue
		}
		if nextOpen > now {
			d := nextOpen - now
			if d < best {
				best = d
			}
		}
	}
	return best
}
