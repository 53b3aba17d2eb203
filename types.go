package dcaengine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChoSanghyuk/dcaengine/internal/interval"
)

// CreateParams is the input to Engine.Create / one element of a CreateBatch call.
type CreateParams struct {
	Owner       common.Address
	From        common.Address
	To          common.Address
	Interval    uint64 // seconds; must resolve via the interval registry
	Amount      *big.Int
	NoOfSwaps   uint64
	PermitBlob  []byte // forwarded to Custody.Pull for a signed-approval pull; opaque to the core
}

// ModifyParams is the input to Engine.Modify.
type ModifyParams struct {
	PositionID uint64
	Caller     common.Address
	Amount     *big.Int
	NoOfSwaps  uint64
	IsIncrease bool
}

// SwapBatchItem names one (from, to) pair to aggregate and execute within a Swap call.
type SwapBatchItem struct {
	From        common.Address
	To          common.Address
	MinOut      *big.Int
	DeclaredAmt *big.Int // operator-declared total_input; must equal the computed aggregate
	Proxy       common.Address
	ExecData    []byte
}

// PositionDetails is the read-only view returned by Engine.PositionDetails (spec.md §4.8).
type PositionDetails struct {
	Owner         common.Address
	From          common.Address
	To            common.Address
	Interval      uint64
	Rate          *big.Int
	SwapsExecuted uint64
	SwapsLeft     uint64
	Swapped       *big.Int
	Unswapped     *big.Int
}

// NextSwapInfo mirrors the tuple Aggregate would compute for (from, to), without executing
// (spec.md §4.8's next_swap_info).
type NextSwapInfo struct {
	TotalInput      *big.Int
	IntervalsInSwap []interval.Mask
	OperatorReward  *big.Int
	PlatformFee     *big.Int
}

// CreatedEvent is emitted once per successful Create.
type CreatedEvent struct {
	PositionID uint64
	Owner      common.Address
	From       common.Address
	To         common.Address
	Mask       interval.Mask
	Rate       *big.Int
}

// ModifiedEvent is emitted once per successful Modify.
type ModifiedEvent struct {
	PositionID uint64
	NewRate    *big.Int
	NewStart   uint64
	NewFinal   uint64
}

// TerminatedEvent is emitted once per successful Terminate.
type TerminatedEvent struct {
	PositionID uint64
	Recipient  common.Address
	Unswapped  *big.Int
	Swapped    *big.Int
}

// WithdrawnEvent is emitted once per successful Withdraw.
type WithdrawnEvent struct {
	PositionID uint64
	Recipient  common.Address
	Amount     *big.Int
}

// PositionOwnerUpdatedEvent is emitted once per successful TransferOwnership.
type PositionOwnerUpdatedEvent struct {
	PositionID uint64
	OldOwner   common.Address
	NewOwner   common.Address
}

// SwappedEvent is emitted once per (from, to) pair in a successful Swap batch.
type SwappedEvent struct {
	From            common.Address
	To              common.Address
	TotalInput      *big.Int
	Delivered       *big.Int
	IntervalsInSwap []interval.Mask
	OperatorReward  *big.Int
	PlatformFee     *big.Int
}

// BlankSwappedEvent is emitted once per successful BlankSwap.
type BlankSwappedEvent struct {
	From common.Address
	To   common.Address
	Mask interval.Mask
}
