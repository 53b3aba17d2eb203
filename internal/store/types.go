// Package store holds the engine's core accounting state: the per-triple aggregate
// series (spec.md §3 "Per-triple state S[T]") and the per-position ledger (§3
// "Position P[id]"), plus the pure arithmetic that derives entitlements from them.
//
// Everything here is in-process, mutex-guarded state — no I/O. Durable persistence
// (surviving a process restart) is layered on top by internal/db.
package store

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChoSanghyuk/dcaengine/internal/interval"
)

// SwapNumber is the per-triple monotonic swap counter domain (performed_swaps,
// starting_swap, final_swap, last_updated_swap).
type SwapNumber uint64

// PairKey identifies a (from, to) asset pair, independent of interval.
type PairKey struct {
	From common.Address
	To   common.Address
}

// TripleKey is spec.md's T = (from, to, mask): from ≠ to, mask is a single allowed bit.
type TripleKey struct {
	From common.Address
	To   common.Address
	Mask interval.Mask
}

// Pair strips the mask off a TripleKey.
func (k TripleKey) Pair() PairKey { return PairKey{From: k.From, To: k.To} }

// TripleState is spec.md §3's S[T]. Delta and Accum are sparse maps: Delta only holds
// entries for swap numbers that still have a pending adjustment; Accum holds every
// completed swap number from 0 (by convention Accum[0] = 0) through PerformedSwaps.
type TripleState struct {
	PerformedSwaps   SwapNumber
	NextAmount       *big.Int
	NextToNextAmount *big.Int
	LastSwappedAt    uint64 // unix seconds; 0 if no swap has ever executed
	Delta            map[SwapNumber]*big.Int
	Accum            map[SwapNumber]*big.Int
}

func newTripleState() *TripleState {
	return &TripleState{
		NextAmount:       big.NewInt(0),
		NextToNextAmount: big.NewInt(0),
		Delta:            make(map[SwapNumber]*big.Int),
		Accum:            map[SwapNumber]*big.Int{0: big.NewInt(0)},
	}
}

func (s *TripleState) deltaAt(n SwapNumber) *big.Int {
	if v, ok := s.Delta[n]; ok {
		return v
	}
	return big.NewInt(0)
}

func (s *TripleState) addDelta(n SwapNumber, amount *big.Int) {
	v := new(big.Int).Add(s.deltaAt(n), amount)
	if v.Sign() == 0 {
		delete(s.Delta, n)
		return
	}
	s.Delta[n] = v
}

// accumAt returns Accum[n], which must already be defined (0 ≤ n ≤ PerformedSwaps per
// invariant 6); callers that reach past PerformedSwaps have a bug, not a missing key, so this
// panics rather than silently returning zero and masking it.
func (s *TripleState) accumAt(n SwapNumber) *big.Int {
	v, ok := s.Accum[n]
	if !ok {
		panic("store: accum requested for swap number beyond performed_swaps")
	}
	return v
}

// clone deep-copies a TripleState, for Checkpoint/Restore.
func (s *TripleState) clone() *TripleState {
	cp := &TripleState{
		PerformedSwaps:   s.PerformedSwaps,
		NextAmount:       new(big.Int).Set(s.NextAmount),
		NextToNextAmount: new(big.Int).Set(s.NextToNextAmount),
		LastSwappedAt:    s.LastSwappedAt,
		Delta:            make(map[SwapNumber]*big.Int, len(s.Delta)),
		Accum:            make(map[SwapNumber]*big.Int, len(s.Accum)),
	}
	for k, v := range s.Delta {
		cp.Delta[k] = new(big.Int).Set(v)
	}
	for k, v := range s.Accum {
		cp.Accum[k] = new(big.Int).Set(v)
	}
	return cp
}

// Position is spec.md §3's P[id]. Carry lives in a parallel map on PositionStore, not here,
// mirroring the spec's "Sidecar carry[id]" framing.
//
// Residual holds the amount-mod-no_of_swaps remainder truncated out of rate := floor(amount /
// no_of_swaps): since the stored Rate alone cannot reconstruct the original amount, this field
// exists purely so terminate() can refund it (spec.md §8 property 4, "round-trip conservation").
// It folds into a modify's unswapped_old alongside remaining_swaps()*rate, so a truncation
// remainder is never silently dropped across a schedule change.
type Position struct {
	ID              uint64
	Owner           common.Address
	From            common.Address
	To              common.Address
	Mask            interval.Mask
	Rate            *big.Int
	StartingSwap    SwapNumber
	FinalSwap       SwapNumber
	LastUpdatedSwap SwapNumber
	Residual        *big.Int
}

// Triple returns the TripleKey this position belongs to. Immutable after creation.
func (p *Position) Triple() TripleKey {
	return TripleKey{From: p.From, To: p.To, Mask: p.Mask}
}

// TripleStore owns every TripleState and the per-pair active-mask register A[from,to].
type TripleStore struct {
	mu      sync.Mutex
	states  map[TripleKey]*TripleState
	active  map[PairKey]interval.Mask
}

// NewTripleStore constructs an empty triple store.
func NewTripleStore() *TripleStore {
	return &TripleStore{
		states: make(map[TripleKey]*TripleState),
		active: make(map[PairKey]interval.Mask),
	}
}

// State returns the triple's state, creating it lazily on first reference (spec.md §3
// "Lifecycles": "created lazily on the first position referencing it and persists forever").
func (s *TripleStore) State(key TripleKey) *TripleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(key)
}

func (s *TripleStore) stateLocked(key TripleKey) *TripleState {
	ts, ok := s.states[key]
	if !ok {
		ts = newTripleState()
		s.states[key] = ts
	}
	return ts
}

// PeekState returns the triple's state without creating it, and whether it existed.
func (s *TripleStore) PeekState(key TripleKey) (*TripleState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.states[key]
	return ts, ok
}

// ActiveMask returns A[from,to]: the OR of every interval bit with an active or deferred
// position on this pair (invariant 5).
func (s *TripleStore) ActiveMask(pair PairKey) interval.Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[pair]
}

func (s *TripleStore) setBitLocked(pair PairKey, m interval.Mask) {
	s.active[pair] |= m
}

func (s *TripleStore) clearBitLocked(pair PairKey, m interval.Mask) {
	s.active[pair] &^= m
}

// Lock/Unlock expose the store's mutex. Every other TripleStore method acquires the same
// (non-reentrant) mutex, so none of them may be called while it is held; the engine does not
// use these and serializes its entry points with its own mutex instead.
func (s *TripleStore) Lock()   { s.mu.Lock() }
func (s *TripleStore) Unlock() { s.mu.Unlock() }

// TripleStoreCheckpoint is an opaque snapshot of every triple's state and the active-mask
// register, taken by Checkpoint and consumed by Restore to undo a batch's partial mutation
// (spec.md §7's atomicity requirement on create_batch / swap-on-a-list-of-pairs).
type TripleStoreCheckpoint struct {
	states map[TripleKey]*TripleState
	active map[PairKey]interval.Mask
}

// Checkpoint captures a deep copy of the store's current state.
func (s *TripleStore) Checkpoint() *TripleStoreCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[TripleKey]*TripleState, len(s.states))
	for k, v := range s.states {
		states[k] = v.clone()
	}
	active := make(map[PairKey]interval.Mask, len(s.active))
	for k, v := range s.active {
		active[k] = v
	}
	return &TripleStoreCheckpoint{states: states, active: active}
}

// Restore discards every mutation made since cp was taken.
func (s *TripleStore) Restore(cp *TripleStoreCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = cp.states
	s.active = cp.active
}

// RestoreState overwrites a single triple's state wholesale. Used only by Engine.Restore to
// rehydrate from a durable snapshot at startup, before any caller can observe the store.
func (s *TripleStore) RestoreState(key TripleKey, ts *TripleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = ts
}

// PositionStore owns every Position and its carry sidecar, plus the monotonic ID counter.
type PositionStore struct {
	mu        sync.Mutex
	positions map[uint64]*Position
	carry     map[uint64]*big.Int
	nextID    uint64
}

// NewPositionStore constructs an empty position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[uint64]*Position),
		carry:     make(map[uint64]*big.Int),
	}
}

// Insert assigns the next monotonic position_id and stores p, returning the assigned ID.
func (s *PositionStore) Insert(p *Position) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.positions[p.ID] = p
	s.carry[p.ID] = big.NewInt(0)
	return p.ID
}

// InsertExisting inserts a position whose ID was already assigned by a prior process (durable
// rehydrate), advancing nextID past it so a later Insert never collides. Used only by
// Engine.Restore at startup.
func (s *PositionStore) InsertExisting(p *Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	s.carry[p.ID] = big.NewInt(0)
	if p.ID > s.nextID {
		s.nextID = p.ID
	}
}

// Get returns the position by ID, or (nil, false) if unknown.
func (s *PositionStore) Get(id uint64) (*Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	return p, ok
}

// Delete removes a position and its carry sidecar.
func (s *PositionStore) Delete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, id)
	delete(s.carry, id)
}

// Carry returns carry[id], defaulting to zero for an unknown (e.g. already-deleted) position.
func (s *PositionStore) Carry(id uint64) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.carry[id]
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// SetCarry overwrites carry[id].
func (s *PositionStore) SetCarry(id uint64, v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carry[id] = new(big.Int).Set(v)
}

// ClearCarry resets carry[id] to zero (withdraw's post-condition).
func (s *PositionStore) ClearCarry(id uint64) {
	s.SetCarry(id, big.NewInt(0))
}

// Lock/Unlock expose the store's mutex. Every other PositionStore method acquires the same
// (non-reentrant) mutex, so none of them may be called while it is held; the engine does not
// use these and serializes its entry points with its own mutex instead.
func (s *PositionStore) Lock()   { s.mu.Lock() }
func (s *PositionStore) Unlock() { s.mu.Unlock() }

// TotalCreated returns the monotonic counter's current value (spec.md §6's
// total_created_positions).
func (s *PositionStore) TotalCreated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// Snapshot returns a defensive copy of every live position, for persistence (internal/db) and
// for tests. Order is unspecified.
func (s *PositionStore) Snapshot() []*Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// PositionStoreCheckpoint is an opaque snapshot consumed by Restore, mirroring
// TripleStoreCheckpoint — see its doc comment for why this exists.
type PositionStoreCheckpoint struct {
	positions map[uint64]*Position
	carry     map[uint64]*big.Int
	nextID    uint64
}

// Checkpoint captures a deep copy of every position, its carry, and the ID counter.
func (s *PositionStore) Checkpoint() *PositionStoreCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	positions := make(map[uint64]*Position, len(s.positions))
	for id, p := range s.positions {
		cp := *p
		if p.Rate != nil {
			cp.Rate = new(big.Int).Set(p.Rate)
		}
		if p.Residual != nil {
			cp.Residual = new(big.Int).Set(p.Residual)
		}
		positions[id] = &cp
	}
	carry := make(map[uint64]*big.Int, len(s.carry))
	for id, c := range s.carry {
		carry[id] = new(big.Int).Set(c)
	}
	return &PositionStoreCheckpoint{positions: positions, carry: carry, nextID: s.nextID}
}

// Restore discards every mutation made since cp was taken.
func (s *PositionStore) Restore(cp *PositionStoreCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = cp.positions
	s.carry = cp.carry
	s.nextID = cp.nextID
}
